// Package nodetree maintains the publication node hierarchy of a single run.
//
// A Tree is not safe for concurrent use; the run coordinator serializes access
// under its per-run lock.
package nodetree

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

var (
	// ErrUnknownNode is returned when a node or crowd task id is not in the tree.
	ErrUnknownNode = errors.New("unknown node")
	// ErrInvalidTransition is returned for backward or post-terminal status changes.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidParent is returned when a node's parent breaks the level hierarchy.
	ErrInvalidParent = errors.New("invalid parent")
)

// Outcome carries the adapter result applied to a node or crowd task.
type Outcome struct {
	Success        bool
	PublishedURL   string
	Title          string
	ManualFallback bool
	FallbackReason string
	// Comment is the message a crowd task posted or attempted to post.
	Comment *promotion.Comment
}

// Tree owns the nodes and crowd tasks of one run.
type Tree struct {
	runID      string
	nodes      []promotion.Node
	index      map[string]int
	crowd      []promotion.CrowdTask
	crowdIndex map[string]int
}

// New creates an empty tree for runID.
func New(runID string) *Tree {
	return &Tree{
		runID:      runID,
		index:      make(map[string]int),
		crowdIndex: make(map[string]int),
	}
}

// Restore rebuilds a tree from persisted records, validating every link.
func Restore(runID string, nodes []promotion.Node, crowd []promotion.CrowdTask) (*Tree, error) {
	t := New(runID)
	// Parents precede children when ordered by level.
	for _, lvl := range promotion.CascadeLevels {
		for _, n := range nodes {
			if n.Level != lvl {
				continue
			}
			if err := t.insert(n); err != nil {
				return nil, err
			}
		}
	}
	for _, task := range crowd {
		if err := t.AddCrowdTask(task); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// RunID returns the owning run.
func (t *Tree) RunID() string { return t.runID }

// AddNode inserts a node in the created state.
func (t *Tree) AddNode(n promotion.Node) error {
	if n.Status == "" {
		n.Status = promotion.NodeCreated
	}
	if n.Status != promotion.NodeCreated {
		return fmt.Errorf("node %s: new nodes must be created: %w", n.ID, ErrInvalidTransition)
	}
	return t.insert(n)
}

func (t *Tree) insert(n promotion.Node) error {
	if n.ID == "" {
		return errors.New("node id is required")
	}
	if _, dup := t.index[n.ID]; dup {
		return fmt.Errorf("node %s already exists", n.ID)
	}
	if n.RunID != t.runID {
		return fmt.Errorf("node %s belongs to run %s: %w", n.ID, n.RunID, ErrInvalidParent)
	}
	switch n.Level {
	case promotion.Level1:
		if n.ParentID != "" {
			return fmt.Errorf("level 1 node %s has a parent: %w", n.ID, ErrInvalidParent)
		}
	case promotion.Level2, promotion.Level3:
		i, ok := t.index[n.ParentID]
		if !ok {
			return fmt.Errorf("node %s parent %q: %w", n.ID, n.ParentID, ErrInvalidParent)
		}
		parent := t.nodes[i]
		if parent.Level != n.Level-1 {
			return fmt.Errorf("node %s at level %s has parent at level %s: %w", n.ID, n.Level, parent.Level, ErrInvalidParent)
		}
	default:
		return fmt.Errorf("node %s has unsupported level %d", n.ID, n.Level)
	}
	t.index[n.ID] = len(t.nodes)
	t.nodes = append(t.nodes, n)
	return nil
}

// Node returns a copy of the node with id.
func (t *Tree) Node(id string) (promotion.Node, bool) {
	i, ok := t.index[id]
	if !ok {
		return promotion.Node{}, false
	}
	return t.nodes[i], true
}

// SetStatus moves a node forward without changing its result fields.
func (t *Tree) SetStatus(id string, status promotion.NodeStatus, now time.Time) (promotion.Node, error) {
	i, ok := t.index[id]
	if !ok {
		return promotion.Node{}, fmt.Errorf("node %s: %w", id, ErrUnknownNode)
	}
	n := &t.nodes[i]
	if !n.Status.CanTransition(status) {
		return *n, fmt.Errorf("node %s %s -> %s: %w", id, n.Status, status, ErrInvalidTransition)
	}
	n.Status = status
	n.UpdatedAt = now
	return *n, nil
}

// Complete applies an adapter outcome, moving the node to success or failed.
func (t *Tree) Complete(id string, out Outcome, now time.Time) (promotion.Node, error) {
	status := promotion.NodeFailed
	if out.Success {
		status = promotion.NodeSuccess
	}
	n, err := t.SetStatus(id, status, now)
	if err != nil {
		return n, err
	}
	i := t.index[id]
	node := &t.nodes[i]
	node.PublishedURL = out.PublishedURL
	node.Title = out.Title
	node.ManualFallback = out.ManualFallback
	node.FallbackReason = out.FallbackReason
	return *node, nil
}

// Nodes returns a copy of every node in creation order.
func (t *Tree) Nodes() []promotion.Node {
	out := make([]promotion.Node, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// LevelNodes returns a copy of the nodes at level in creation order.
func (t *Tree) LevelNodes(level promotion.Level) []promotion.Node {
	var out []promotion.Node
	for _, n := range t.nodes {
		if n.Level == level {
			out = append(out, n)
		}
	}
	return out
}

// Children returns the direct children of parentID.
func (t *Tree) Children(parentID string) []promotion.Node {
	var out []promotion.Node
	for _, n := range t.nodes {
		if n.ParentID == parentID && parentID != "" {
			out = append(out, n)
		}
	}
	return out
}

// Counts returns total and successful nodes at level.
func (t *Tree) Counts(level promotion.Level) (total, success int) {
	for _, n := range t.nodes {
		if n.Level != level {
			continue
		}
		total++
		if n.Status == promotion.NodeSuccess {
			success++
		}
	}
	return total, success
}

// AddCrowdTask inserts a crowd task.
func (t *Tree) AddCrowdTask(task promotion.CrowdTask) error {
	if task.ID == "" {
		return errors.New("crowd task id is required")
	}
	if task.RunID != t.runID {
		return fmt.Errorf("crowd task %s belongs to run %s", task.ID, task.RunID)
	}
	if _, dup := t.crowdIndex[task.ID]; dup {
		return fmt.Errorf("crowd task %s already exists", task.ID)
	}
	if task.Status == "" {
		task.Status = promotion.CrowdPlanned
	}
	t.crowdIndex[task.ID] = len(t.crowd)
	t.crowd = append(t.crowd, task)
	return nil
}

// CrowdTask returns a copy of the task with id.
func (t *Tree) CrowdTask(id string) (promotion.CrowdTask, bool) {
	i, ok := t.crowdIndex[id]
	if !ok {
		return promotion.CrowdTask{}, false
	}
	return t.crowd[i], true
}

// SetCrowdStatus moves a crowd task forward.
func (t *Tree) SetCrowdStatus(id string, status promotion.CrowdStatus, now time.Time) (promotion.CrowdTask, error) {
	i, ok := t.crowdIndex[id]
	if !ok {
		return promotion.CrowdTask{}, fmt.Errorf("crowd task %s: %w", id, ErrUnknownNode)
	}
	task := &t.crowd[i]
	if task.Status.IsTerminal() || crowdRank(status) <= crowdRank(task.Status) {
		return *task, fmt.Errorf("crowd task %s %s -> %s: %w", id, task.Status, status, ErrInvalidTransition)
	}
	task.Status = status
	task.UpdatedAt = now
	return *task, nil
}

// CompleteCrowd applies an adapter outcome to a crowd task.
func (t *Tree) CompleteCrowd(id string, out Outcome, now time.Time) (promotion.CrowdTask, error) {
	status := promotion.CrowdFailed
	if out.Success {
		status = promotion.CrowdCompleted
	}
	task, err := t.SetCrowdStatus(id, status, now)
	if err != nil {
		return task, err
	}
	ct := &t.crowd[t.crowdIndex[id]]
	ct.PublishedURL = out.PublishedURL
	ct.ManualFallback = out.ManualFallback
	ct.FallbackReason = out.FallbackReason
	if c := out.Comment; c != nil {
		ct.Subject = c.Subject
		ct.Message = c.Message
		ct.AuthorName = c.AuthorName
		ct.AuthorEmail = c.AuthorEmail
	}
	return *ct, nil
}

// CrowdTasks returns a copy of every crowd task in creation order.
func (t *Tree) CrowdTasks() []promotion.CrowdTask {
	out := make([]promotion.CrowdTask, len(t.crowd))
	copy(out, t.crowd)
	return out
}

// CancelOpen cancels every non-terminal node and fails every open crowd task.
func (t *Tree) CancelOpen(reason string, now time.Time) ([]promotion.Node, []promotion.CrowdTask) {
	var nodes []promotion.Node
	for i := range t.nodes {
		n := &t.nodes[i]
		if n.Status.IsTerminal() {
			continue
		}
		n.Status = promotion.NodeCancelled
		n.FallbackReason = reason
		n.UpdatedAt = now
		nodes = append(nodes, *n)
	}
	var tasks []promotion.CrowdTask
	for i := range t.crowd {
		task := &t.crowd[i]
		if task.Status.IsTerminal() {
			continue
		}
		task.Status = promotion.CrowdFailed
		task.FallbackReason = reason
		task.UpdatedAt = now
		tasks = append(tasks, *task)
	}
	return nodes, tasks
}

func crowdRank(s promotion.CrowdStatus) int {
	switch s {
	case promotion.CrowdPlanned:
		return 0
	case promotion.CrowdQueued:
		return 1
	case promotion.CrowdRunning:
		return 2
	case promotion.CrowdCompleted, promotion.CrowdFailed:
		return 3
	default:
		return -1
	}
}
