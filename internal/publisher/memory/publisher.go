// Package memory contains a deterministic in-memory publisher used in test mode.
package memory

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Publisher records jobs and returns predictable published URLs.
type Publisher struct {
	baseURL string

	mu   sync.RWMutex
	jobs []promotion.Job
	fail map[string]error
}

// New returns a memory Publisher whose URLs live under baseURL.
func New(baseURL string) *Publisher {
	if baseURL == "" {
		baseURL = "https://test.linkcascade.local"
	}
	return &Publisher{baseURL: baseURL, fail: make(map[string]error)}
}

// FailNetwork makes every job for network fail with err.
func (p *Publisher) FailNetwork(network string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[network] = err
}

// Publish records the job and returns a URL derived from its position.
func (p *Publisher) Publish(ctx context.Context, job promotion.Job) (promotion.Result, error) {
	if err := ctx.Err(); err != nil {
		return promotion.Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	if err, ok := p.fail[job.Network]; ok {
		return promotion.Result{Network: job.Network, Error: promotion.ErrorCode(err)}, err
	}

	title := job.Anchor
	if job.PreparedArticle != nil && job.PreparedArticle.Title != "" {
		title = job.PreparedArticle.Title
	}
	published, err := url.JoinPath(p.baseURL, job.Network, fmt.Sprintf("%d", len(p.jobs)))
	if err != nil {
		return promotion.Result{}, fmt.Errorf("build published url: %w", err)
	}
	return promotion.Result{
		OK:           true,
		Network:      job.Network,
		Title:        title,
		PublishedURL: published,
		Verification: &promotion.Verification{SupportsLinkCheck: true, LinkURL: job.URL},
	}, nil
}

// Jobs returns the recorded jobs.
func (p *Publisher) Jobs() []promotion.Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]promotion.Job, len(p.jobs))
	copy(out, p.jobs)
	return out
}
