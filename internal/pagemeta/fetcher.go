// Package pagemeta reads title, description, language and topic hints from
// the page being promoted.
package pagemeta

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxTopics bounds the keywords kept as topics.
	MaxTopics int
}

// Fetcher implements coordinator.MetaSource using a Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxTopics <= 0 {
		cfg.MaxTopics = 8
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Fetcher{cfg: cfg, transport: transport, baseCollector: c}
}

// Fetch loads targetURL and extracts its metadata.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) (promotion.PageMeta, error) {
	var (
		meta     promotion.PageMeta
		fetchErr error
	)
	collector, _ := f.buildCollector(&meta, &fetchErr)
	if err := f.runCollector(ctx, collector, targetURL, &fetchErr); err != nil {
		return promotion.PageMeta{}, err
	}
	return meta, nil
}

func (f *Fetcher) buildCollector(meta *promotion.PageMeta, fetchErr *error) (*colly.Collector, *robotsProbeState) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	var robots *robotsProbeState
	if f.cfg.RespectRobots {
		robots = newRobotsProbeState()
		collector.WithTransport(&robotsAwareTransport{base: f.transport, state: robots})
	} else {
		collector.WithTransport(f.transport)
	}
	f.configureCollectorHooks(collector, meta, fetchErr)
	return collector, robots
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, meta *promotion.PageMeta, fetchErr *error) {
	hooks.OnHTML("html", func(e *colly.HTMLElement) {
		if lang := e.Attr("lang"); lang != "" {
			meta.Language, meta.Region = splitLocale(lang)
		}
		title := strings.TrimSpace(e.ChildText("head > title"))
		if og := e.ChildAttr(`meta[property="og:title"]`, "content"); title == "" && og != "" {
			title = og
		}
		meta.Title = collapse(title)

		desc := e.ChildAttr(`meta[name="description"]`, "content")
		if desc == "" {
			desc = e.ChildAttr(`meta[property="og:description"]`, "content")
		}
		meta.Description = collapse(desc)

		if locale := e.ChildAttr(`meta[property="og:locale"]`, "content"); locale != "" {
			lang, region := splitLocale(locale)
			if meta.Language == "" {
				meta.Language = lang
			}
			if meta.Region == "" {
				meta.Region = region
			}
		}
		meta.Topics = topics(e.ChildAttr(`meta[name="keywords"]`, "content"), f.cfg.MaxTopics)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = &promotion.AdapterError{Code: promotion.HTTPStatusCode(r.StatusCode), Err: err}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("page metadata fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("page metadata response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit %s: %w", url, err)
		}
		return nil
	}
}

// splitLocale turns "en-US" or "en_US" into ("en", "us").
func splitLocale(raw string) (string, string) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), "_", "-")
	lang, region, _ := strings.Cut(raw, "-")
	return strings.ToLower(lang), strings.ToLower(region)
}

func topics(raw string, limit int) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		t := strings.ToLower(collapse(part))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
