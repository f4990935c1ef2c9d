// Package coordinator owns the promotion run state machine.
//
// Every run has one writer: node creation, result application and level
// advancement happen under the run's mutex. Side effects (queueing dispatches,
// uploading the report) happen after the mutex is released. Status reads load
// an immutable snapshot pointer and never take the run lock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/hash/sha256"
	"github.com/JakeFAU/linkcascade/internal/nodetree"
	"github.com/JakeFAU/linkcascade/internal/progress"
	"github.com/JakeFAU/linkcascade/internal/promotion"
	"github.com/JakeFAU/linkcascade/internal/report"
	"github.com/JakeFAU/linkcascade/internal/scheduler"
)

// MetaSource looks up the promoted page's metadata.
type MetaSource interface {
	Fetch(ctx context.Context, targetURL string) (promotion.PageMeta, error)
}

// Observer counts run transitions.
type Observer interface {
	ObserveRun(status string)
}

// Deps are the collaborators of a Coordinator. Blobs, Meta, Events and
// Observer may be nil.
type Deps struct {
	Store     promotion.RunStore
	Queue     promotion.Queue
	Scheduler *scheduler.Scheduler
	IDs       promotion.IDGenerator
	Clock     promotion.Clock
	Blobs     promotion.BlobStore
	Meta      MetaSource
	Events    progress.Emitter
	Observer  Observer
	Logger    *zap.Logger
}

// CreateRequest describes a new run.
type CreateRequest struct {
	ProjectID string
	TargetURL string
	LinkID    string
	Anchor    string
	Language  string
	Wish      string
	TestMode  bool
	Tags      map[string]string
	// PageMeta skips the metadata lookup when set.
	PageMeta *promotion.PageMeta
}

// Status is the polling view of a run.
type Status struct {
	Run     promotion.Run
	Summary progress.Summary
}

// Coordinator drives runs from creation to a terminal state.
type Coordinator struct {
	cfg      promotion.OrchestratorConfig
	store    promotion.RunStore
	queue    promotion.Queue
	sched    *scheduler.Scheduler
	ids      promotion.IDGenerator
	clock    promotion.Clock
	blobs    promotion.BlobStore
	meta     MetaSource
	events   progress.Emitter
	observer Observer
	hasher   *sha256.Hasher
	logger   *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*runState

	effects sync.WaitGroup
}

// runState is the in-memory owner of one run.
type runState struct {
	mu   sync.Mutex
	run  promotion.Run
	tree *nodetree.Tree
	snap atomic.Pointer[promotion.Snapshot]

	ctx    context.Context
	cancel context.CancelFunc

	finalizing bool
}

// New builds a Coordinator. Store, Queue, Scheduler, IDs and Clock are required.
func New(cfg promotion.OrchestratorConfig, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("coordinator: run store is required")
	case deps.Queue == nil:
		return nil, errors.New("coordinator: queue is required")
	case deps.Scheduler == nil:
		return nil, errors.New("coordinator: scheduler is required")
	case deps.IDs == nil:
		return nil, errors.New("coordinator: id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("coordinator: clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = progress.Discard{}
	}
	if cfg.ReportPath == "" {
		cfg.ReportPath = "reports"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		store:      deps.Store,
		queue:      deps.Queue,
		sched:      deps.Scheduler,
		ids:        deps.IDs,
		clock:      deps.Clock,
		blobs:      deps.Blobs,
		meta:       deps.Meta,
		events:     events,
		observer:   deps.Observer,
		hasher:     sha256.New(),
		logger:     logger.Named("coordinator"),
		baseCtx:    ctx,
		baseCancel: cancel,
		runs:       make(map[string]*runState),
	}, nil
}

// Create validates the request, enforces one active run per target link and
// stores a new idle run.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (promotion.Run, error) {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.TargetURL = strings.TrimSpace(req.TargetURL)
	if req.ProjectID == "" || !validTarget(req.TargetURL) {
		return promotion.Run{}, &promotion.RunError{Code: promotion.CodeInvalidRequest}
	}
	if !c.cfg.Level(promotion.Level1).Enabled {
		return promotion.Run{}, promotion.ErrLevel1Disabled
	}

	meta := c.pageMeta(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.activeRunLocked(ctx, req); ok {
		return promotion.Run{}, &promotion.RunError{Code: promotion.CodeRunActive, RunID: id}
	}

	id, err := c.ids.NewID()
	if err != nil {
		return promotion.Run{}, fmt.Errorf("new run id: %w", err)
	}
	now := c.clock.Now()
	run := promotion.Run{
		ID:            id,
		ProjectID:     req.ProjectID,
		LinkID:        req.LinkID,
		TargetURL:     req.TargetURL,
		Anchor:        firstNonEmpty(req.Anchor, meta.Title, hostOf(req.TargetURL)),
		Language:      firstNonEmpty(req.Language, meta.Language, c.cfg.Language),
		Wish:          req.Wish,
		Status:        promotion.RunIdle,
		Required:      make(map[promotion.Level]int, len(promotion.CascadeLevels)),
		FanOut:        make(map[promotion.Level]int, len(promotion.CascadeLevels)),
		LevelsEnabled: c.cfg.LevelsEnabled(),
		PageMeta:      meta,
		TestMode:      req.TestMode || c.cfg.TestMode,
		Tags:          req.Tags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, lvl := range promotion.CascadeLevels {
		if s := c.cfg.Level(lvl); s.Enabled {
			run.Required[lvl] = max(s.Required, 1)
			run.FanOut[lvl] = max(s.FanOut, 1)
		}
	}
	if run.LevelsEnabled.Crowd {
		run.CrowdTarget = c.cfg.Crowd.Target
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return promotion.Run{}, fmt.Errorf("save run: %w", err)
	}

	st := c.newState(run, nodetree.New(run.ID))
	c.runs[run.ID] = st
	st.publish()
	c.emitStatus(run)
	c.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("project_id", run.ProjectID),
		zap.String("target_url", run.TargetURL),
		zap.Bool("test_mode", run.TestMode),
	)
	return run, nil
}

// Start moves an idle run into level 1. Calling it on a run that already
// started is a no-op that returns the current status.
func (c *Coordinator) Start(ctx context.Context, runID string) (Status, error) {
	st, err := c.state(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	st.mu.Lock()
	if st.run.Status != promotion.RunIdle {
		st.mu.Unlock()
		return st.status(), nil
	}
	var fx effects
	now := c.clock.Now()
	st.run.StartedAt = &now
	c.transition(ctx, st, promotion.RunQueued)
	c.step(ctx, st, &fx)
	st.publish()
	st.mu.Unlock()

	c.apply(st, fx)
	return st.status(), nil
}

// Cancel stops a run. Open nodes become cancelled and open crowd tasks fail;
// in-flight adapter contexts are cancelled.
func (c *Coordinator) Cancel(ctx context.Context, runID string) (Status, error) {
	st, err := c.state(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Status.IsTerminal() {
		return Status{}, &promotion.RunError{Code: promotion.CodeRunAlreadyTerminal, RunID: runID}
	}
	now := c.clock.Now()
	nodes, tasks := st.tree.CancelOpen(progress.OutcomeCancelled, now)
	for _, n := range nodes {
		c.saveNode(ctx, n)
	}
	for _, t := range tasks {
		c.saveCrowd(ctx, t)
	}
	st.run.Cancelled = true
	c.transition(ctx, st, promotion.RunCancelled)
	st.cancel()
	st.publish()
	c.logger.Info("run cancelled",
		zap.String("run_id", runID),
		zap.Int("nodes_cancelled", len(nodes)),
		zap.Int("crowd_failed", len(tasks)),
	)
	return st.status(), nil
}

// Status returns the latest committed view of a run without locking it.
func (c *Coordinator) Status(ctx context.Context, runID string) (Status, error) {
	snap, err := c.Snapshot(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	return Status{Run: snap.Run, Summary: progress.Aggregate(snap)}, nil
}

// Snapshot returns a consistent copy of the run, its nodes and crowd tasks.
// Runs not held in memory are read from the store.
func (c *Coordinator) Snapshot(ctx context.Context, runID string) (promotion.Snapshot, error) {
	c.mu.Lock()
	st, ok := c.runs[runID]
	c.mu.Unlock()
	if ok {
		return *st.snap.Load(), nil
	}
	return c.loadSnapshot(ctx, runID)
}

// Report builds the report document for a run.
func (c *Coordinator) Report(ctx context.Context, runID string) (report.Document, error) {
	snap, err := c.Snapshot(ctx, runID)
	if err != nil {
		return report.Document{}, err
	}
	return report.NewDocument(snap), nil
}

// Latest returns the newest run of a project for a target URL or link id.
func (c *Coordinator) Latest(ctx context.Context, projectID, targetURL, linkID string) (promotion.Run, error) {
	run, err := c.store.LatestRun(ctx, projectID, targetURL, linkID)
	if errors.Is(err, promotion.ErrNotFound) {
		return promotion.Run{}, promotion.ErrRunNotFound
	}
	if err != nil {
		return promotion.Run{}, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}

// Recover reloads non-terminal runs from the store and resumes them. Nodes
// that were queued or running when the process stopped are failed with
// ADAPTER_TIMEOUT. Call it once at startup, before workers consume the queue.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	runs, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}
	resumed := 0
	for _, run := range runs {
		st, err := c.state(ctx, run.ID)
		if err != nil {
			c.logger.Warn("recover run failed", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		st.mu.Lock()
		var fx effects
		c.abandonInflight(ctx, st)
		if st.run.Status != promotion.RunIdle {
			c.step(ctx, st, &fx)
		}
		st.publish()
		st.mu.Unlock()
		c.apply(st, fx)
		resumed++
	}
	return resumed, nil
}

// Close cancels every in-flight run context and waits for pending effects.
func (c *Coordinator) Close(ctx context.Context) error {
	c.baseCancel()
	done := make(chan struct{})
	go func() {
		c.effects.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator close: %w", ctx.Err())
	}
}

// state returns the in-memory owner of runID, loading it from the store if needed.
func (c *Coordinator) state(ctx context.Context, runID string) (*runState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.runs[runID]; ok {
		return st, nil
	}
	snap, err := c.loadSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	tree, err := nodetree.Restore(runID, snap.Nodes, snap.Crowd)
	if err != nil {
		return nil, fmt.Errorf("restore run %s: %w", runID, err)
	}
	st := c.newState(snap.Run, tree)
	if snap.Run.Status.IsTerminal() {
		st.cancel()
	}
	c.runs[runID] = st
	st.publish()
	return st, nil
}

func (c *Coordinator) loadSnapshot(ctx context.Context, runID string) (promotion.Snapshot, error) {
	run, err := c.store.GetRun(ctx, runID)
	if errors.Is(err, promotion.ErrNotFound) {
		return promotion.Snapshot{}, &promotion.RunError{Code: promotion.CodeRunNotFound, RunID: runID}
	}
	if err != nil {
		return promotion.Snapshot{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	nodes, err := c.store.ListNodes(ctx, runID)
	if err != nil {
		return promotion.Snapshot{}, fmt.Errorf("list nodes %s: %w", runID, err)
	}
	crowd, err := c.store.ListCrowdTasks(ctx, runID)
	if err != nil {
		return promotion.Snapshot{}, fmt.Errorf("list crowd tasks %s: %w", runID, err)
	}
	return promotion.Snapshot{Run: run, Nodes: nodes, Crowd: crowd}, nil
}

func (c *Coordinator) newState(run promotion.Run, tree *nodetree.Tree) *runState {
	ctx, cancel := context.WithCancel(c.baseCtx)
	return &runState{run: run, tree: tree, ctx: ctx, cancel: cancel}
}

// activeRunLocked reports a non-terminal run for the same project and target
// link, checking memory first and then the store.
func (c *Coordinator) activeRunLocked(ctx context.Context, req CreateRequest) (string, bool) {
	for id, st := range c.runs {
		snap := st.snap.Load()
		if snap == nil || snap.Run.Status.IsTerminal() || snap.Run.ProjectID != req.ProjectID {
			continue
		}
		if sameLink(snap.Run, req) {
			return id, true
		}
	}
	run, err := c.store.LatestRun(ctx, req.ProjectID, req.TargetURL, req.LinkID)
	if err != nil {
		if !errors.Is(err, promotion.ErrNotFound) {
			c.logger.Warn("active run lookup failed", zap.String("project_id", req.ProjectID), zap.Error(err))
		}
		return "", false
	}
	if !run.Status.IsTerminal() {
		return run.ID, true
	}
	return "", false
}

func (c *Coordinator) pageMeta(ctx context.Context, req CreateRequest) promotion.PageMeta {
	if req.PageMeta != nil {
		return *req.PageMeta
	}
	if c.meta == nil {
		return promotion.PageMeta{}
	}
	meta, err := c.meta.Fetch(ctx, req.TargetURL)
	if err != nil {
		c.logger.Warn("page metadata lookup failed", zap.String("target_url", req.TargetURL), zap.Error(err))
		return promotion.PageMeta{}
	}
	return meta
}

// publish stores a fresh snapshot for lock-free readers. Callers hold st.mu.
func (st *runState) publish() {
	snap := promotion.Snapshot{
		Run:   st.run,
		Nodes: st.tree.Nodes(),
		Crowd: st.tree.CrowdTasks(),
	}
	st.snap.Store(&snap)
}

func (st *runState) status() Status {
	snap := *st.snap.Load()
	return Status{Run: snap.Run, Summary: progress.Aggregate(snap)}
}

func sameLink(run promotion.Run, req CreateRequest) bool {
	if req.LinkID != "" && run.LinkID == req.LinkID {
		return true
	}
	return run.TargetURL == req.TargetURL
}

func validTarget(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
