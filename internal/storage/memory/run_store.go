package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// RunStore implements promotion.RunStore in memory.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]promotion.Run
	order []string
	nodes map[string][]promotion.Node
	crowd map[string][]promotion.CrowdTask
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[string]promotion.Run),
		nodes: make(map[string][]promotion.Node),
		crowd: make(map[string][]promotion.CrowdTask),
	}
}

// SaveRun inserts or replaces a run.
func (s *RunStore) SaveRun(_ context.Context, run promotion.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		s.order = append(s.order, run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// SaveNode inserts or replaces a node of an existing run.
func (s *RunStore) SaveNode(_ context.Context, node promotion.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[node.RunID]; !ok {
		return fmt.Errorf("save node %s: run %s: %w", node.ID, node.RunID, promotion.ErrNotFound)
	}
	list := s.nodes[node.RunID]
	for i := range list {
		if list[i].ID == node.ID {
			list[i] = node
			return nil
		}
	}
	s.nodes[node.RunID] = append(list, node)
	return nil
}

// SaveCrowdTask inserts or replaces a crowd task of an existing run.
func (s *RunStore) SaveCrowdTask(_ context.Context, task promotion.CrowdTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[task.RunID]; !ok {
		return fmt.Errorf("save crowd task %s: run %s: %w", task.ID, task.RunID, promotion.ErrNotFound)
	}
	list := s.crowd[task.RunID]
	for i := range list {
		if list[i].ID == task.ID {
			list[i] = task
			return nil
		}
	}
	s.crowd[task.RunID] = append(list, task)
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (promotion.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return promotion.Run{}, fmt.Errorf("run %s: %w", runID, promotion.ErrNotFound)
	}
	return cloneRun(run), nil
}

// ListNodes returns a copy of the run's nodes in insertion order.
func (s *RunStore) ListNodes(_ context.Context, runID string) ([]promotion.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]promotion.Node(nil), s.nodes[runID]...), nil
}

// ListCrowdTasks returns a copy of the run's crowd tasks in insertion order.
func (s *RunStore) ListCrowdTasks(_ context.Context, runID string) ([]promotion.CrowdTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]promotion.CrowdTask(nil), s.crowd[runID]...), nil
}

// LatestRun returns the most recently created run of the project whose target
// URL or link id matches. Empty filters never match.
func (s *RunStore) LatestRun(_ context.Context, projectID, targetURL, linkID string) (promotion.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  promotion.Run
		found bool
	)
	for _, id := range s.order {
		run := s.runs[id]
		if run.ProjectID != projectID {
			continue
		}
		if !(targetURL != "" && run.TargetURL == targetURL) && !(linkID != "" && run.LinkID == linkID) {
			continue
		}
		if !found || !run.CreatedAt.Before(best.CreatedAt) {
			best, found = run, true
		}
	}
	if !found {
		return promotion.Run{}, fmt.Errorf("latest run for project %s: %w", projectID, promotion.ErrNotFound)
	}
	return cloneRun(best), nil
}

// ListActive returns every non-terminal run.
func (s *RunStore) ListActive(_ context.Context) ([]promotion.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []promotion.Run
	for _, id := range s.order {
		if run := s.runs[id]; !run.Status.IsTerminal() {
			out = append(out, cloneRun(run))
		}
	}
	return out, nil
}

func cloneRun(r promotion.Run) promotion.Run {
	r.Required = maps.Clone(r.Required)
	r.FanOut = maps.Clone(r.FanOut)
	r.Tags = maps.Clone(r.Tags)
	r.PageMeta.Topics = slices.Clone(r.PageMeta.Topics)
	return r
}
