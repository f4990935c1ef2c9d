// Package scheduler decides which adapters run next for an open cascade level.
//
// The scheduler is stateless: every decision is derived from the run's node
// tree, so it gives the same answer after a restart as before it.
package scheduler

import (
	"github.com/JakeFAU/linkcascade/internal/nodetree"
	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Catalog supplies eligible adapters in dispatch order.
type Catalog interface {
	Eligible(level promotion.Level, meta promotion.PageMeta) []promotion.AdapterDescriptor
}

// Outcome summarizes where a level stands.
type Outcome int

const (
	// Open means work is in flight or still dispatchable.
	Open Outcome = iota
	// Met means the level reached its required success count.
	Met
	// Exhausted means nothing is in flight and no untried adapter remains.
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Met:
		return "met"
	case Exhausted:
		return "exhausted"
	default:
		return "open"
	}
}

// LevelInput describes the level being scheduled.
type LevelInput struct {
	Level     promotion.Level
	Required  int
	FanOut    int
	TargetURL string
	Meta      promotion.PageMeta
}

// Assignment is one adapter invocation to create as a node.
type Assignment struct {
	Level     promotion.Level
	ParentID  string
	TargetURL string
	Adapter   string
}

// Scheduler plans dispatches bounded by the per-run pool size.
type Scheduler struct {
	catalog  Catalog
	poolSize int
}

// New constructs a Scheduler.
func New(catalog Catalog, poolSize int) *Scheduler {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Scheduler{catalog: catalog, poolSize: poolSize}
}

// PoolSize returns the in-flight bound per run.
func (s *Scheduler) PoolSize() int { return s.poolSize }

// CanOpen reports whether any adapter is eligible for the level.
func (s *Scheduler) CanOpen(in LevelInput) error {
	if len(s.catalog.Eligible(in.Level, in.Meta)) == 0 {
		return &promotion.SchedulingError{Code: promotion.CodeNoEligibleAdapters, Level: in.Level}
	}
	return nil
}

type slot struct {
	parentID  string
	targetURL string
	want      int
	success   int
	inflight  int
	tried     map[string]bool
}

func (s *Scheduler) slots(tree *nodetree.Tree, in LevelInput) []*slot {
	var out []*slot
	byParent := make(map[string]*slot)
	if in.Level == promotion.Level1 {
		root := &slot{targetURL: in.TargetURL, want: in.Required, tried: map[string]bool{}}
		out = append(out, root)
		byParent[""] = root
	} else {
		for _, parent := range tree.LevelNodes(in.Level - 1) {
			if parent.Status != promotion.NodeSuccess || parent.PublishedURL == "" {
				continue
			}
			sl := &slot{parentID: parent.ID, targetURL: parent.PublishedURL, want: in.FanOut, tried: map[string]bool{}}
			out = append(out, sl)
			byParent[parent.ID] = sl
		}
	}
	for _, n := range tree.LevelNodes(in.Level) {
		sl, ok := byParent[n.ParentID]
		if !ok {
			continue
		}
		sl.tried[n.Adapter] = true
		switch {
		case n.Status == promotion.NodeSuccess:
			sl.success++
		case !n.Status.IsTerminal():
			sl.inflight++
		}
	}
	return out
}

func levelCounts(tree *nodetree.Tree, level promotion.Level) (success, inflight int) {
	for _, n := range tree.LevelNodes(level) {
		switch {
		case n.Status == promotion.NodeSuccess:
			success++
		case !n.Status.IsTerminal():
			inflight++
		}
	}
	return success, inflight
}

// Plan returns the next assignments for the level. Each adapter is tried at
// most once per slot and assignments are spread across slots breadth-first.
func (s *Scheduler) Plan(tree *nodetree.Tree, in LevelInput) []Assignment {
	return s.plan(tree, in, s.poolSize)
}

func (s *Scheduler) plan(tree *nodetree.Tree, in LevelInput, pool int) []Assignment {
	adapters := s.catalog.Eligible(in.Level, in.Meta)
	if len(adapters) == 0 {
		return nil
	}
	success, inflight := levelCounts(tree, in.Level)
	slots := s.slots(tree, in)

	var out []Assignment
	for success+inflight < in.Required && inflight < pool {
		progressed := false
		for _, sl := range slots {
			if success+inflight >= in.Required || inflight >= pool {
				break
			}
			if sl.success+sl.inflight >= sl.want {
				continue
			}
			adapter, ok := nextUntried(adapters, sl.tried)
			if !ok {
				continue
			}
			sl.tried[adapter] = true
			sl.inflight++
			inflight++
			progressed = true
			out = append(out, Assignment{
				Level:     in.Level,
				ParentID:  sl.parentID,
				TargetURL: sl.targetURL,
				Adapter:   adapter,
			})
		}
		if !progressed {
			break
		}
	}
	return out
}

func nextUntried(adapters []promotion.AdapterDescriptor, tried map[string]bool) (string, bool) {
	for _, a := range adapters {
		if !tried[a.Slug] {
			return a.Slug, true
		}
	}
	return "", false
}

// Evaluate reports whether the level is met, exhausted or still open.
func (s *Scheduler) Evaluate(tree *nodetree.Tree, in LevelInput) Outcome {
	success, inflight := levelCounts(tree, in.Level)
	if success >= in.Required {
		return Met
	}
	if inflight > 0 {
		return Open
	}
	// Nothing in flight: the level stays open only if some slot can still dispatch.
	if len(s.plan(tree, in, 1)) > 0 {
		return Open
	}
	return Exhausted
}

// PlanCrowd picks up to target crowd adapters, one task per adapter in
// priority order.
func (s *Scheduler) PlanCrowd(target int, meta promotion.PageMeta) []promotion.AdapterDescriptor {
	adapters := s.catalog.Eligible(promotion.LevelCrowd, meta)
	if target < len(adapters) {
		adapters = adapters[:target]
	}
	return adapters
}

// NextCrowd returns planned crowd tasks to queue without exceeding the pool size.
func (s *Scheduler) NextCrowd(tasks []promotion.CrowdTask) []promotion.CrowdTask {
	inflight := 0
	for _, t := range tasks {
		if t.Status == promotion.CrowdQueued || t.Status == promotion.CrowdRunning {
			inflight++
		}
	}
	var out []promotion.CrowdTask
	for _, t := range tasks {
		if inflight >= s.poolSize {
			break
		}
		if t.Status == promotion.CrowdPlanned {
			out = append(out, t)
			inflight++
		}
	}
	return out
}

// CrowdDone reports whether every crowd task reached a terminal status.
func CrowdDone(tasks []promotion.CrowdTask) bool {
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}
