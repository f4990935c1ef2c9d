package browser

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"

	"github.com/JakeFAU/linkcascade/internal/captcha"
)

func TestNewLimiterValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{MaxParallel: -1}); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	b, err := New(Config{MaxParallel: 2, Headless: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()
	if cap(b.limiter) != 2 {
		t.Fatalf("expected limiter capacity 2, got %d", cap(b.limiter))
	}
	if b.cfg.NavigationTimeout != 45*time.Second {
		t.Fatalf("expected default nav timeout, got %v", b.cfg.NavigationTimeout)
	}
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	t.Parallel()

	b := &Browser{limiter: make(chan struct{}, 1)}
	b.release()
	if len(b.limiter) != 0 {
		t.Fatalf("expected empty limiter, got %d", len(b.limiter))
	}
}

func TestFlattenFrames(t *testing.T) {
	t.Parallel()

	tree := &page.FrameTree{
		Frame: &cdp.Frame{ID: "main", URL: "https://site"},
		ChildFrames: []*page.FrameTree{
			{
				Frame:       &cdp.Frame{ID: "a", URL: "https://www.google.com/recaptcha/api2/anchor"},
				ChildFrames: []*page.FrameTree{{Frame: &cdp.Frame{ID: "a1"}}},
			},
			{Frame: &cdp.Frame{ID: "b", URL: "https://www.google.com/recaptcha/api2/bframe"}},
		},
	}
	got := flattenFrames(tree)
	ids := make([]cdp.FrameID, 0, len(got))
	for _, f := range got {
		ids = append(ids, f.ID)
	}
	want := []cdp.FrameID{"main", "a", "a1", "b"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
	if flattenFrames(nil) != nil {
		t.Fatal("expected nil for nil tree")
	}
}

func TestQuadOrigin(t *testing.T) {
	t.Parallel()

	got := quadOrigin(dom.Quad{10, 20, 110, 20, 110, 120, 10, 120})
	if got != (captcha.Point{X: 10, Y: 20}) {
		t.Fatalf("unexpected origin %+v", got)
	}
	if quadOrigin(nil) != (captcha.Point{}) {
		t.Fatal("expected zero point for empty quad")
	}
}

func TestResponseMetaCapturesDocumentsOnly(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404},
	})
	if meta.status() != 0 {
		t.Fatalf("image response should be ignored, got %d", meta.status())
	}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 403},
	})
	if meta.status() != 403 {
		t.Fatalf("expected 403, got %d", meta.status())
	}
	meta.captureEvent("unrelated")
	if meta.status() != 403 {
		t.Fatalf("status changed on unrelated event: %d", meta.status())
	}
}
