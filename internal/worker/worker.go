// Package worker executes queued adapter dispatches.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/content"
	"github.com/JakeFAU/linkcascade/internal/nodetree"
	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Claim is what the coordinator hands a worker for a dispatch it may run.
type Claim struct {
	// RunCtx is cancelled when the run is cancelled.
	RunCtx context.Context
	Run    promotion.Run
}

// Coordinator is the worker callback surface of the run coordinator.
type Coordinator interface {
	// MarkRunning moves the node or crowd task to running. It reports false
	// when the dispatch must be dropped.
	MarkRunning(ctx context.Context, d promotion.Dispatch) (Claim, bool)
	ApplyResult(ctx context.Context, d promotion.Dispatch, out nodetree.Outcome)
}

// Resolver maps an adapter slug to its Publisher.
type Resolver interface {
	Resolve(slug string, testMode bool) (promotion.Publisher, promotion.AdapterDescriptor, error)
}

// ContentSource prepares content ahead of publishing.
type ContentSource interface {
	Article(ctx context.Context, req content.Request) (promotion.Article, error)
	Poll(ctx context.Context, req content.Request) (promotion.Poll, error)
	Comment(ctx context.Context, req content.Request) (promotion.Comment, error)
}

// Limiter throttles dispatches per adapter.
type Limiter interface {
	Wait(ctx context.Context, adapter string) error
}

// Observer receives one call per finished dispatch.
type Observer interface {
	ObserveDispatch(adapter, level, outcome string, elapsed time.Duration)
	WorkerBusy(delta int)
}

// Config controls Worker behavior.
type Config struct {
	NodeTimeout time.Duration
	AIProvider  string
	AIAPIKey    string
	AuthorName  string
	AuthorEmail string
}

// Worker consumes dispatches and runs adapters.
type Worker struct {
	queue       promotion.Queue
	coordinator Coordinator
	publishers  Resolver
	content     ContentSource
	limiter     Limiter
	observer    Observer
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Worker. content, limiter and observer may be nil.
func New(
	queue promotion.Queue,
	coordinator Coordinator,
	publishers Resolver,
	content ContentSource,
	limiter Limiter,
	observer Observer,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 5 * time.Minute
	}
	return &Worker{
		queue:       queue,
		coordinator: coordinator,
		publishers:  publishers,
		content:     content,
		limiter:     limiter,
		observer:    observer,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run blocks, consuming dispatches until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.logger.Debug("dequeued dispatch",
			zap.String("run_id", item.RunID),
			zap.String("node_id", item.NodeID),
			zap.String("adapter", item.Adapter),
		)
		w.Process(ctx, item)
	}
}

// Process runs one dispatch and reports its outcome.
func (w *Worker) Process(ctx context.Context, d promotion.Dispatch) {
	claim, ok := w.coordinator.MarkRunning(ctx, d)
	if !ok {
		w.logger.Debug("dispatch dropped", zap.String("run_id", d.RunID), zap.String("node_id", d.NodeID))
		return
	}
	if w.observer != nil {
		w.observer.WorkerBusy(1)
		defer w.observer.WorkerBusy(-1)
	}

	start := time.Now()
	out := w.execute(claim, d)
	elapsed := time.Since(start)

	logger := w.logger.With(
		zap.String("run_id", d.RunID),
		zap.String("node_id", d.NodeID),
		zap.String("adapter", d.Adapter),
		zap.String("level", d.Level.String()),
		zap.Duration("elapsed", elapsed),
	)
	outcome := "success"
	if out.Success {
		logger.Info("publication succeeded", zap.String("published_url", out.PublishedURL))
	} else {
		outcome = "failed"
		logger.Warn("publication failed",
			zap.String("reason", out.FallbackReason),
			zap.Bool("manual_fallback", out.ManualFallback),
		)
	}
	if w.observer != nil {
		w.observer.ObserveDispatch(d.Adapter, d.Level.String(), outcome, elapsed)
	}
	w.coordinator.ApplyResult(ctx, d, out)
}

func (w *Worker) execute(claim Claim, d promotion.Dispatch) nodetree.Outcome {
	run := claim.Run
	pub, desc, err := w.publishers.Resolve(d.Adapter, run.TestMode)
	if err != nil {
		return failure(err)
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(claim.RunCtx, d.Adapter); err != nil {
			return failure(err)
		}
	}

	ctx, cancel := context.WithTimeout(claim.RunCtx, w.cfg.NodeTimeout)
	defer cancel()

	job := promotion.Job{
		RunID:      run.ID,
		NodeID:     d.NodeID,
		Level:      d.Level.String(),
		Network:    d.Adapter,
		URL:        d.TargetURL,
		Anchor:     d.Anchor,
		Language:   run.Language,
		AIProvider: w.cfg.AIProvider,
		AIAPIKey:   w.cfg.AIAPIKey,
		Wish:       run.Wish,
		PageMeta:   run.PageMeta,
		TestMode:   run.TestMode,
		Options:    desc.Options,
	}
	if err := w.prepare(ctx, desc, &job); err != nil {
		return failure(timeoutAware(ctx, err))
	}

	res, err := pub.Publish(ctx, job)
	out := nodetree.Outcome{Comment: job.Comment}
	switch {
	case err != nil:
		out = failure(timeoutAware(ctx, err))
		out.Comment = job.Comment
		out.ManualFallback = out.ManualFallback || res.ManualFallback
	case !res.OK:
		out.FallbackReason = res.Error
		if out.FallbackReason == "" {
			out.FallbackReason = promotion.CodeBrowserError
		}
		out.ManualFallback = res.ManualFallback
	case res.PublishedURL == "":
		out.FallbackReason = promotion.CodeNoURLInResponse
		out.ManualFallback = res.ManualFallback
	default:
		out.Success = true
		out.PublishedURL = res.PublishedURL
		out.Title = res.Title
	}
	return out
}

// prepare generates content for the job unless the adapter produces its own.
func (w *Worker) prepare(ctx context.Context, desc promotion.AdapterDescriptor, job *promotion.Job) error {
	if w.content == nil || job.TestMode || desc.Kind == promotion.KindProcess {
		return nil
	}
	req := content.Request{
		TargetURL: job.URL,
		Anchor:    job.Anchor,
		Language:  job.Language,
		Wish:      job.Wish,
		PageMeta:  job.PageMeta,
	}
	if job.Level == promotion.LevelCrowd.String() {
		c, err := w.content.Comment(ctx, req)
		if err != nil {
			return err
		}
		c.AuthorName = w.cfg.AuthorName
		c.AuthorEmail = w.cfg.AuthorEmail
		job.Comment = &c
		return nil
	}
	switch desc.Content {
	case promotion.ContentArticle:
		article, err := w.content.Article(ctx, req)
		if err != nil {
			return err
		}
		job.PreparedArticle = &article
	case promotion.ContentPoll:
		poll, err := w.content.Poll(ctx, req)
		if err != nil {
			return err
		}
		job.PreparedPoll = &poll
	}
	return nil
}

func timeoutAware(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && promotion.ErrorCode(err) == "" {
		return &promotion.AdapterError{Code: promotion.CodeAdapterTimeout, Err: err}
	}
	return err
}

func failure(err error) nodetree.Outcome {
	out := nodetree.Outcome{FallbackReason: promotion.ErrorCode(err)}
	if out.FallbackReason == "" {
		if errors.Is(err, context.Canceled) {
			out.FallbackReason = "cancelled"
		} else {
			out.FallbackReason = promotion.CodeBrowserError
		}
	}
	var ae *promotion.AdapterError
	if errors.As(err, &ae) {
		out.ManualFallback = ae.ManualFallback
	}
	return out
}
