package memory

import (
	"context"
	"testing"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

func TestPublisherRecordsJobs(t *testing.T) {
	t.Parallel()

	pub := New("https://pub.test")
	res, err := pub.Publish(context.Background(), promotion.Job{Network: "telegraph", URL: "https://site", Anchor: "site"})
	if err != nil || !res.OK {
		t.Fatalf("unexpected publish result res=%+v err=%v", res, err)
	}
	if res.PublishedURL != "https://pub.test/telegraph/1" {
		t.Fatalf("unexpected url %s", res.PublishedURL)
	}
	if res.Title != "site" {
		t.Fatalf("expected anchor as title, got %q", res.Title)
	}

	res, err = pub.Publish(context.Background(), promotion.Job{
		Network:         "rentry",
		PreparedArticle: &promotion.Article{Title: "Headline"},
	})
	if err != nil || res.PublishedURL != "https://pub.test/rentry/2" || res.Title != "Headline" {
		t.Fatalf("unexpected publish result res=%+v err=%v", res, err)
	}

	jobs := pub.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	jobs[0].Network = "modified"
	if pub.Jobs()[0].Network == "modified" {
		t.Fatal("expected Jobs() to return a copy")
	}
}

func TestPublisherFailNetwork(t *testing.T) {
	t.Parallel()

	pub := New("")
	pub.FailNetwork("rentry", &promotion.AdapterError{Code: promotion.CodeFormNotFound, ManualFallback: true})
	res, err := pub.Publish(context.Background(), promotion.Job{Network: "rentry"})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Error != promotion.CodeFormNotFound {
		t.Fatalf("expected error code in result, got %q", res.Error)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pub.Publish(ctx, promotion.Job{Network: "x"}); err == nil {
		t.Fatal("expected canceled context error")
	}
}
