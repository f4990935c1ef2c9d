package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/nodetree"
	"github.com/JakeFAU/linkcascade/internal/progress"
	"github.com/JakeFAU/linkcascade/internal/promotion"
	"github.com/JakeFAU/linkcascade/internal/worker"
)

var _ worker.Coordinator = (*Coordinator)(nil)

// MarkRunning implements worker.Coordinator. Dispatches for unknown, cancelled
// or finished runs are dropped.
func (c *Coordinator) MarkRunning(ctx context.Context, d promotion.Dispatch) (worker.Claim, bool) {
	st, ok := c.loaded(d.RunID)
	if !ok {
		return worker.Claim{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Cancelled || st.run.Status.IsTerminal() {
		return worker.Claim{}, false
	}
	now := c.clock.Now()
	if d.Level == promotion.LevelCrowd {
		task, err := st.tree.SetCrowdStatus(d.NodeID, promotion.CrowdRunning, now)
		if err != nil {
			c.logger.Debug("crowd dispatch not runnable", zap.String("run_id", d.RunID), zap.Error(err))
			return worker.Claim{}, false
		}
		c.saveCrowd(ctx, task)
	} else {
		node, err := st.tree.SetStatus(d.NodeID, promotion.NodeRunning, now)
		if err != nil {
			c.logger.Debug("node dispatch not runnable", zap.String("run_id", d.RunID), zap.Error(err))
			return worker.Claim{}, false
		}
		c.saveNode(ctx, node)
	}
	st.publish()
	return worker.Claim{RunCtx: st.ctx, Run: st.run}, true
}

// ApplyResult implements worker.Coordinator. Results that arrive after the run
// was cancelled or finished are recorded as events only.
func (c *Coordinator) ApplyResult(ctx context.Context, d promotion.Dispatch, out nodetree.Outcome) {
	st, ok := c.loaded(d.RunID)
	if !ok {
		c.logger.Warn("result for unknown run", zap.String("run_id", d.RunID), zap.String("node_id", d.NodeID))
		return
	}
	now := c.clock.Now()
	var dur time.Duration
	if d.Submitted > 0 {
		dur = max(now.Sub(time.Unix(0, d.Submitted)), 0)
	}

	st.mu.Lock()
	if st.run.Cancelled || st.run.Status.IsTerminal() {
		st.mu.Unlock()
		c.events.Emit(progress.Event{
			RunID:   d.RunID,
			TS:      now,
			Stage:   progress.StageLateResult,
			Level:   d.Level.String(),
			NodeID:  d.NodeID,
			Adapter: d.Adapter,
			URL:     out.PublishedURL,
			Dur:     dur,
			Note:    out.FallbackReason,
		})
		c.logger.Info("late result ignored",
			zap.String("run_id", d.RunID),
			zap.String("node_id", d.NodeID),
			zap.Bool("success", out.Success),
		)
		return
	}

	evt := progress.Event{
		RunID:   d.RunID,
		TS:      now,
		Stage:   progress.StageNodeDone,
		Level:   d.Level.String(),
		NodeID:  d.NodeID,
		Adapter: d.Adapter,
		Dur:     dur,
		Note:    out.FallbackReason,
	}
	if d.Level == promotion.LevelCrowd {
		task, err := st.tree.CompleteCrowd(d.NodeID, out, now)
		if err != nil {
			st.mu.Unlock()
			c.logger.Warn("crowd result rejected", zap.String("run_id", d.RunID), zap.Error(err))
			return
		}
		c.saveCrowd(ctx, task)
		evt.Stage = progress.StageCrowdDone
		evt.Outcome = progress.CrowdOutcome(task.Status)
		evt.URL = task.PublishedURL
	} else {
		node, err := st.tree.Complete(d.NodeID, out, now)
		if err != nil {
			st.mu.Unlock()
			c.logger.Warn("node result rejected", zap.String("run_id", d.RunID), zap.Error(err))
			return
		}
		c.saveNode(ctx, node)
		evt.Outcome = progress.NodeOutcome(node.Status)
		evt.URL = node.PublishedURL
	}
	c.events.Emit(evt)

	var fx effects
	c.step(ctx, st, &fx)
	st.publish()
	st.mu.Unlock()
	c.apply(st, fx)
}

func (c *Coordinator) loaded(runID string) (*runState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.runs[runID]
	return st, ok
}
