package coordinator

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/nodetree"
	"github.com/JakeFAU/linkcascade/internal/progress"
	"github.com/JakeFAU/linkcascade/internal/promotion"
	"github.com/JakeFAU/linkcascade/internal/report"
	"github.com/JakeFAU/linkcascade/internal/scheduler"
)

// maxSteps bounds the transitions taken by one step call. The longest chain is
// queued through crowd_ready with every level skipped.
const maxSteps = 16

// effects are collected under the run lock and applied after it is released.
type effects struct {
	dispatches []promotion.Dispatch
	finalize   bool
}

// step advances the run as far as its current state allows. Callers hold st.mu.
func (c *Coordinator) step(ctx context.Context, st *runState, fx *effects) {
	for range maxSteps {
		if st.run.Status.IsTerminal() || !c.advance(ctx, st, fx) {
			return
		}
	}
}

// advance performs at most one transition and reports whether it did.
func (c *Coordinator) advance(ctx context.Context, st *runState, fx *effects) bool {
	run := st.run
	if lvl, ok := run.Status.ActiveLevel(); ok {
		return c.stepLevel(ctx, st, lvl, fx)
	}
	switch run.Status {
	case promotion.RunQueued:
		return c.openLevel(ctx, st, promotion.Level1)
	case promotion.RunPendingLevel2, promotion.RunPendingLevel3:
		lvl := promotion.Level2
		if run.Status == promotion.RunPendingLevel3 {
			lvl = promotion.Level3
		}
		if !run.LevelsEnabled.Enabled(lvl) {
			c.transition(ctx, st, nextAfter(run, lvl))
			return true
		}
		return c.openLevel(ctx, st, lvl)
	case promotion.RunPendingCrowd:
		return c.stepCrowd(ctx, st, fx)
	case promotion.RunCrowdReady:
		if !st.finalizing {
			st.finalizing = true
			fx.finalize = true
		}
		return false
	default:
		return false
	}
}

func (c *Coordinator) openLevel(ctx context.Context, st *runState, lvl promotion.Level) bool {
	if err := c.sched.CanOpen(levelInput(st.run, lvl)); err != nil {
		c.fail(ctx, st, err)
		return false
	}
	c.transition(ctx, st, promotion.ActiveStatus(lvl))
	return true
}

func (c *Coordinator) stepLevel(ctx context.Context, st *runState, lvl promotion.Level, fx *effects) bool {
	in := levelInput(st.run, lvl)
	switch c.sched.Evaluate(st.tree, in) {
	case scheduler.Met:
		c.transition(ctx, st, nextAfter(st.run, lvl))
		return true
	case scheduler.Exhausted:
		total, success := st.tree.Counts(lvl)
		if success == 0 {
			c.fail(ctx, st, &promotion.SchedulingError{Code: promotion.CodeLevelUnreachable, Level: lvl})
			return false
		}
		c.logger.Warn("level closed below requirement",
			zap.String("run_id", st.run.ID),
			zap.String("level", lvl.String()),
			zap.Int("success", success),
			zap.Int("required", in.Required),
			zap.Int("attempted", total),
		)
		c.transition(ctx, st, nextAfter(st.run, lvl))
		return true
	default:
		c.dispatchLevel(ctx, st, in, fx)
		return false
	}
}

func (c *Coordinator) dispatchLevel(ctx context.Context, st *runState, in scheduler.LevelInput, fx *effects) {
	for _, a := range c.sched.Plan(st.tree, in) {
		id, err := c.ids.NewID()
		if err != nil {
			c.logger.Error("node id generation failed", zap.String("run_id", st.run.ID), zap.Error(err))
			c.fail(ctx, st, &promotion.RunError{Code: promotion.CodeInternal, RunID: st.run.ID})
			return
		}
		now := c.clock.Now()
		anchor := st.run.Anchor
		if parent, ok := st.tree.Node(a.ParentID); ok && parent.Title != "" {
			anchor = parent.Title
		}
		node := promotion.Node{
			ID:        id,
			RunID:     st.run.ID,
			Level:     a.Level,
			ParentID:  a.ParentID,
			Adapter:   a.Adapter,
			Status:    promotion.NodeCreated,
			Anchor:    anchor,
			TargetURL: a.TargetURL,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.tree.AddNode(node); err != nil {
			c.logger.Error("add node failed", zap.String("run_id", st.run.ID), zap.Error(err))
			continue
		}
		queued, err := st.tree.SetStatus(id, promotion.NodeQueued, now)
		if err != nil {
			c.logger.Error("queue node failed", zap.String("run_id", st.run.ID), zap.Error(err))
			continue
		}
		c.saveNode(ctx, queued)
		c.events.Emit(progress.Event{
			RunID:   st.run.ID,
			TS:      now,
			Stage:   progress.StageNodeQueued,
			Level:   a.Level.String(),
			NodeID:  id,
			Adapter: a.Adapter,
		})
		fx.dispatches = append(fx.dispatches, promotion.Dispatch{
			RunID:     st.run.ID,
			NodeID:    id,
			Level:     a.Level,
			Adapter:   a.Adapter,
			TargetURL: a.TargetURL,
			Anchor:    anchor,
			Submitted: now.UnixNano(),
		})
	}
}

func (c *Coordinator) stepCrowd(ctx context.Context, st *runState, fx *effects) bool {
	run := st.run
	if !run.LevelsEnabled.Crowd {
		c.transition(ctx, st, promotion.RunCrowdReady)
		return true
	}
	tasks := st.tree.CrowdTasks()
	if len(tasks) == 0 {
		planned := c.sched.PlanCrowd(run.CrowdTarget, run.PageMeta)
		if len(planned) == 0 {
			c.logger.Info("no crowd adapters eligible", zap.String("run_id", run.ID))
			c.transition(ctx, st, promotion.RunCrowdReady)
			return true
		}
		now := c.clock.Now()
		for _, desc := range planned {
			id, err := c.ids.NewID()
			if err != nil {
				c.logger.Error("crowd task id generation failed", zap.String("run_id", run.ID), zap.Error(err))
				c.fail(ctx, st, &promotion.RunError{Code: promotion.CodeInternal, RunID: run.ID})
				return false
			}
			task := promotion.CrowdTask{
				ID:        id,
				RunID:     run.ID,
				TargetURL: run.TargetURL,
				Adapter:   desc.Slug,
				Status:    promotion.CrowdPlanned,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := st.tree.AddCrowdTask(task); err != nil {
				c.logger.Error("add crowd task failed", zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
			c.saveCrowd(ctx, task)
		}
		tasks = st.tree.CrowdTasks()
	}
	if scheduler.CrowdDone(tasks) {
		c.transition(ctx, st, promotion.RunCrowdReady)
		return true
	}
	for _, task := range c.sched.NextCrowd(tasks) {
		now := c.clock.Now()
		queued, err := st.tree.SetCrowdStatus(task.ID, promotion.CrowdQueued, now)
		if err != nil {
			c.logger.Error("queue crowd task failed", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		c.saveCrowd(ctx, queued)
		c.events.Emit(progress.Event{
			RunID:   run.ID,
			TS:      now,
			Stage:   progress.StageNodeQueued,
			Level:   promotion.LevelCrowd.String(),
			NodeID:  task.ID,
			Adapter: task.Adapter,
		})
		fx.dispatches = append(fx.dispatches, promotion.Dispatch{
			RunID:     run.ID,
			NodeID:    task.ID,
			Level:     promotion.LevelCrowd,
			Adapter:   task.Adapter,
			TargetURL: task.TargetURL,
			Anchor:    run.Anchor,
			Submitted: now.UnixNano(),
		})
	}
	return false
}

// fail closes the run with the error's taxonomy code.
func (c *Coordinator) fail(ctx context.Context, st *runState, err error) {
	code := promotion.ErrorCode(err)
	if code == "" {
		code = promotion.CodeInternal
	}
	now := c.clock.Now()
	nodes, tasks := st.tree.CancelOpen(code, now)
	for _, n := range nodes {
		c.saveNode(ctx, n)
	}
	for _, t := range tasks {
		c.saveCrowd(ctx, t)
	}
	st.run.Error = code
	c.logger.Warn("run failed", zap.String("run_id", st.run.ID), zap.String("code", code), zap.Error(err))
	c.transition(ctx, st, promotion.RunFailed)
	st.cancel()
}

// transition records a new run status, persists the run and emits the change.
func (c *Coordinator) transition(ctx context.Context, st *runState, status promotion.RunStatus) {
	now := c.clock.Now()
	prev := st.run.Status
	st.run.Status = status
	st.run.Terminal = status.IsTerminal()
	st.run.UpdatedAt = now
	if st.run.Terminal && st.run.FinishedAt == nil {
		st.run.FinishedAt = &now
	}
	snap := promotion.Snapshot{Run: st.run, Nodes: st.tree.Nodes(), Crowd: st.tree.CrowdTasks()}
	st.run.Stage = progress.StageLabel(st.run, progress.Aggregate(snap))

	if err := c.store.SaveRun(ctx, st.run); err != nil {
		c.logger.Error("save run failed", zap.String("run_id", st.run.ID), zap.Error(err))
	}
	c.logger.Debug("run transition",
		zap.String("run_id", st.run.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(status)),
	)
	c.emitStatus(st.run)
	if st.run.Terminal && c.observer != nil {
		c.observer.ObserveRun(string(status))
	}
}

func (c *Coordinator) emitStatus(run promotion.Run) {
	c.events.Emit(progress.Event{
		RunID:  run.ID,
		TS:     run.UpdatedAt,
		Stage:  progress.StageRunStatus,
		Status: run.Status,
		URL:    run.ReportURI,
		Note:   run.Error,
	})
}

func (c *Coordinator) saveNode(ctx context.Context, n promotion.Node) {
	if err := c.store.SaveNode(ctx, n); err != nil {
		c.logger.Error("save node failed", zap.String("run_id", n.RunID), zap.String("node_id", n.ID), zap.Error(err))
	}
}

func (c *Coordinator) saveCrowd(ctx context.Context, t promotion.CrowdTask) {
	if err := c.store.SaveCrowdTask(ctx, t); err != nil {
		c.logger.Error("save crowd task failed", zap.String("run_id", t.RunID), zap.String("task_id", t.ID), zap.Error(err))
	}
}

// abandonInflight fails work whose adapters were lost with a previous process.
// Callers hold st.mu.
func (c *Coordinator) abandonInflight(ctx context.Context, st *runState) {
	lost := nodetree.Outcome{FallbackReason: promotion.CodeAdapterTimeout}
	now := c.clock.Now()
	for _, n := range st.tree.Nodes() {
		if n.Status == promotion.NodeQueued {
			if _, err := st.tree.SetStatus(n.ID, promotion.NodeRunning, now); err != nil {
				continue
			}
			n.Status = promotion.NodeRunning
		}
		if n.Status != promotion.NodeRunning {
			continue
		}
		if done, err := st.tree.Complete(n.ID, lost, now); err == nil {
			c.saveNode(ctx, done)
		}
	}
	for _, t := range st.tree.CrowdTasks() {
		if t.Status != promotion.CrowdQueued && t.Status != promotion.CrowdRunning {
			continue
		}
		if done, err := st.tree.CompleteCrowd(t.ID, lost, now); err == nil {
			c.saveCrowd(ctx, done)
		}
	}
}

// apply runs the side effects collected by step.
func (c *Coordinator) apply(st *runState, fx effects) {
	if len(fx.dispatches) > 0 {
		c.effects.Add(1)
		go func() {
			defer c.effects.Done()
			c.enqueue(st, fx.dispatches)
		}()
	}
	if fx.finalize {
		c.effects.Add(1)
		go func() {
			defer c.effects.Done()
			c.finalize(st)
		}()
	}
}

func (c *Coordinator) enqueue(st *runState, dispatches []promotion.Dispatch) {
	for i, d := range dispatches {
		if err := c.queue.Enqueue(st.ctx, d); err != nil {
			if st.ctx.Err() != nil {
				return
			}
			c.logger.Error("enqueue dispatch failed",
				zap.String("run_id", d.RunID),
				zap.String("node_id", d.NodeID),
				zap.Error(err),
			)
			c.enqueueFailed(st, dispatches[i:])
			return
		}
	}
}

// enqueueFailed fails dispatches that never reached the queue.
func (c *Coordinator) enqueueFailed(st *runState, dispatches []promotion.Dispatch) {
	ctx := st.ctx
	st.mu.Lock()
	if st.run.Cancelled || st.run.Status.IsTerminal() {
		st.mu.Unlock()
		return
	}
	now := c.clock.Now()
	out := nodetree.Outcome{FallbackReason: promotion.CodeQueueUnavailable}
	for _, d := range dispatches {
		if d.Level == promotion.LevelCrowd {
			if task, err := st.tree.CompleteCrowd(d.NodeID, out, now); err == nil {
				c.saveCrowd(ctx, task)
			}
			continue
		}
		if _, err := st.tree.SetStatus(d.NodeID, promotion.NodeRunning, now); err != nil {
			continue
		}
		if node, err := st.tree.Complete(d.NodeID, out, now); err == nil {
			c.saveNode(ctx, node)
		}
	}
	var fx effects
	c.step(ctx, st, &fx)
	st.publish()
	st.mu.Unlock()
	c.apply(st, fx)
}

// finalize writes the report artifact and completes the run.
func (c *Coordinator) finalize(st *runState) {
	ctx := st.ctx
	snap := *st.snap.Load()
	runID := snap.Run.ID
	uri := c.writeReport(ctx, snap)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Cancelled || st.run.Status != promotion.RunCrowdReady {
		return
	}
	st.run.ReportURI = uri
	c.transition(ctx, st, promotion.RunReportReady)
	c.transition(ctx, st, promotion.RunCompleted)
	st.cancel()
	st.publish()
	c.logger.Info("run completed", zap.String("run_id", runID), zap.String("report_uri", uri))
}

func (c *Coordinator) writeReport(ctx context.Context, snap promotion.Snapshot) string {
	if c.blobs == nil {
		return ""
	}
	doc := report.NewDocument(snap)
	doc.Status = promotion.RunCompleted
	data, err := report.Encode(doc)
	if err != nil {
		c.logger.Warn("encode report failed", zap.String("run_id", snap.Run.ID), zap.Error(err))
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	path := c.hasher.ObjectPath(c.cfg.ReportPath, snap.Run.ID, data)
	uri, err := c.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		c.logger.Warn("report upload failed", zap.String("run_id", snap.Run.ID), zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func levelInput(run promotion.Run, lvl promotion.Level) scheduler.LevelInput {
	return scheduler.LevelInput{
		Level:     lvl,
		Required:  run.Required[lvl],
		FanOut:    run.FanOut[lvl],
		TargetURL: run.TargetURL,
		Meta:      run.PageMeta,
	}
}

// nextAfter returns the pending state following a finished level.
func nextAfter(run promotion.Run, lvl promotion.Level) promotion.RunStatus {
	for next := lvl + 1; next <= promotion.Level3; next++ {
		if run.LevelsEnabled.Enabled(next) {
			return promotion.PendingStatus(next)
		}
	}
	return promotion.RunPendingCrowd
}
