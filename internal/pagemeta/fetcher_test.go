package pagemeta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

const page = `<!doctype html>
<html lang="de-AT">
<head>
  <title>  Alpine   Huts </title>
  <meta name="description" content="Mountain huts
    for hikers">
  <meta name="keywords" content="Hiking, Alps, hiking, , Travel">
  <meta property="og:locale" content="en_US">
</head>
<body><p>hello</p></body>
</html>`

func TestFetchExtractsMetadata(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "linkcascade-test", r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "linkcascade-test", Timeout: 2 * time.Second, MaxTopics: 2})
	meta, err := f.Fetch(context.Background(), srv.URL+"/huts")
	require.NoError(t, err)
	require.Equal(t, promotion.PageMeta{
		Title:       "Alpine Huts",
		Description: "Mountain huts for hikers",
		Language:    "de",
		Region:      "at",
		Topics:      []string{"hiking", "alps"},
	}, meta)

	again, err := f.Fetch(context.Background(), srv.URL+"/huts")
	require.NoError(t, err)
	require.Equal(t, meta, again)
}

func TestFetchUsesOpenGraphFallbacks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head>
<meta property="og:title" content="OG Title">
<meta property="og:description" content="OG description">
<meta property="og:locale" content="fr_CA">
</head></html>`))
	}))
	defer srv.Close()

	meta, err := New(Config{}).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "OG Title", meta.Title)
	require.Equal(t, "OG description", meta.Description)
	require.Equal(t, "fr", meta.Language)
	require.Equal(t, "ca", meta.Region)
	require.Empty(t, meta.Topics)
}

func TestFetchMapsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, "HTTP_410", promotion.ErrorCode(err))
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: time.Second}).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildCollectorRobotsSettings(t *testing.T) {
	t.Parallel()

	var (
		meta promotion.PageMeta
		err  error
	)
	f := New(Config{UserAgent: "agent", RespectRobots: true})
	c, robots := f.buildCollector(&meta, &err)
	require.Equal(t, "agent", c.UserAgent)
	require.False(t, c.IgnoreRobotsTxt)
	require.NotNil(t, robots)

	c, robots = New(Config{}).buildCollector(&meta, &err)
	require.True(t, c.IgnoreRobotsTxt)
	require.Nil(t, robots)
}

func TestConfigureCollectorHooksRegistersCallbacks(t *testing.T) {
	t.Parallel()

	hooks := &stubHooks{}
	var (
		meta promotion.PageMeta
		err  error
	)
	New(Config{}).configureCollectorHooks(hooks, &meta, &err)
	require.Equal(t, "html", hooks.selector)
	require.NotNil(t, hooks.onError)

	hooks.onError(&colly.Response{StatusCode: http.StatusTooManyRequests}, http.ErrHandlerTimeout)
	require.Equal(t, "HTTP_429", promotion.ErrorCode(err))
}

type stubHooks struct {
	selector string
	onHTML   colly.HTMLCallback
	onError  colly.ErrorCallback
}

func (s *stubHooks) OnHTML(selector string, cb colly.HTMLCallback) {
	s.selector = selector
	s.onHTML = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
