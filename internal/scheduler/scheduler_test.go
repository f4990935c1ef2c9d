package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkcascade/internal/nodetree"
	"github.com/JakeFAU/linkcascade/internal/promotion"
	"github.com/JakeFAU/linkcascade/internal/registry"
)

var now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func catalog(t *testing.T, n int, levels ...promotion.Level) *registry.Catalog {
	t.Helper()
	var descs []promotion.AdapterDescriptor
	for i := 0; i < n; i++ {
		descs = append(descs, promotion.AdapterDescriptor{
			Slug:     fmt.Sprintf("net-%d", i),
			Priority: i,
			Enabled:  true,
			Levels:   levels,
		})
	}
	c, err := registry.New(descs...)
	require.NoError(t, err)
	return c
}

// materialize turns assignments into running nodes, like the coordinator does.
func materialize(t *testing.T, tree *nodetree.Tree, as []Assignment) []string {
	t.Helper()
	ids := make([]string, 0, len(as))
	for _, a := range as {
		id := fmt.Sprintf("%s-%s-%s", a.Level, a.ParentID, a.Adapter)
		require.NoError(t, tree.AddNode(promotion.Node{
			ID: id, RunID: tree.RunID(), Level: a.Level, ParentID: a.ParentID,
			Adapter: a.Adapter, TargetURL: a.TargetURL,
		}))
		_, err := tree.SetStatus(id, promotion.NodeQueued, now)
		require.NoError(t, err)
		_, err = tree.SetStatus(id, promotion.NodeRunning, now)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func finish(t *testing.T, tree *nodetree.Tree, id string, ok bool) {
	t.Helper()
	_, err := tree.Complete(id, nodetree.Outcome{Success: ok, PublishedURL: "https://pub/" + id}, now)
	require.NoError(t, err)
}

func TestLevel1FirstThreeSucceedLeavesOthersUntouched(t *testing.T) {
	t.Parallel()

	s := New(catalog(t, 5, promotion.Level1), 5)
	tree := nodetree.New("run")
	in := LevelInput{Level: promotion.Level1, Required: 3, TargetURL: "https://target"}

	as := s.Plan(tree, in)
	require.Len(t, as, 3)
	require.Equal(t, []string{"net-0", "net-1", "net-2"}, []string{as[0].Adapter, as[1].Adapter, as[2].Adapter})
	for _, a := range as {
		require.Equal(t, "https://target", a.TargetURL)
		require.Empty(t, a.ParentID)
	}
	ids := materialize(t, tree, as)
	require.Equal(t, Open, s.Evaluate(tree, in))
	require.Empty(t, s.Plan(tree, in), "in-flight work already covers required")

	for _, id := range ids {
		finish(t, tree, id, true)
	}
	require.Equal(t, Met, s.Evaluate(tree, in))
	require.Empty(t, s.Plan(tree, in))
	require.Len(t, tree.Nodes(), 3)
}

func TestFailureTriesNextUntriedAdapter(t *testing.T) {
	t.Parallel()

	s := New(catalog(t, 3, promotion.Level1), 1)
	tree := nodetree.New("run")
	in := LevelInput{Level: promotion.Level1, Required: 1, TargetURL: "https://target"}

	first := s.Plan(tree, in)
	require.Len(t, first, 1)
	ids := materialize(t, tree, first)
	finish(t, tree, ids[0], false)

	second := s.Plan(tree, in)
	require.Len(t, second, 1)
	require.Equal(t, "net-1", second[0].Adapter)
	ids = materialize(t, tree, second)
	finish(t, tree, ids[0], true)
	require.Equal(t, Met, s.Evaluate(tree, in))
}

func TestExhaustedWithPartialAndZeroSuccess(t *testing.T) {
	t.Parallel()

	s := New(catalog(t, 2, promotion.Level1), 4)
	in := LevelInput{Level: promotion.Level1, Required: 3, TargetURL: "https://target"}

	partial := nodetree.New("run")
	ids := materialize(t, partial, s.Plan(partial, in))
	require.Len(t, ids, 2)
	finish(t, partial, ids[0], true)
	finish(t, partial, ids[1], false)
	require.Equal(t, Exhausted, s.Evaluate(partial, in))
	require.Empty(t, s.Plan(partial, in))

	zero := nodetree.New("run")
	ids = materialize(t, zero, s.Plan(zero, in))
	for _, id := range ids {
		finish(t, zero, id, false)
	}
	require.Equal(t, Exhausted, s.Evaluate(zero, in))
}

func TestPoolSizeBoundsInflight(t *testing.T) {
	t.Parallel()

	s := New(catalog(t, 5, promotion.Level1), 2)
	tree := nodetree.New("run")
	in := LevelInput{Level: promotion.Level1, Required: 4, TargetURL: "https://target"}

	ids := materialize(t, tree, s.Plan(tree, in))
	require.Len(t, ids, 2)
	require.Empty(t, s.Plan(tree, in))
	finish(t, tree, ids[0], true)
	require.Len(t, s.Plan(tree, in), 1)
}

func TestFanOutCreatesChildrenPerSuccessfulParent(t *testing.T) {
	t.Parallel()

	c, err := registry.New(
		promotion.AdapterDescriptor{Slug: "a", Enabled: true, Levels: []promotion.Level{promotion.Level1, promotion.Level2}},
		promotion.AdapterDescriptor{Slug: "b", Enabled: true, Priority: 1, Levels: []promotion.Level{promotion.Level1, promotion.Level2}},
		promotion.AdapterDescriptor{Slug: "c", Enabled: true, Priority: 2, Levels: []promotion.Level{promotion.Level2}},
	)
	require.NoError(t, err)
	s := New(c, 10)
	tree := nodetree.New("run")

	l1 := LevelInput{Level: promotion.Level1, Required: 2, TargetURL: "https://target"}
	ids := materialize(t, tree, s.Plan(tree, l1))
	require.Len(t, ids, 2)
	finish(t, tree, ids[0], true)
	finish(t, tree, ids[1], true)

	l2 := LevelInput{Level: promotion.Level2, Required: 4, FanOut: 2}
	require.NoError(t, s.CanOpen(l2))
	as := s.Plan(tree, l2)
	require.Len(t, as, 4)
	perParent := map[string]int{}
	for _, a := range as {
		parent, ok := tree.Node(a.ParentID)
		require.True(t, ok)
		require.Equal(t, promotion.Level1, parent.Level)
		require.Equal(t, parent.PublishedURL, a.TargetURL)
		perParent[a.ParentID]++
	}
	require.Equal(t, map[string]int{ids[0]: 2, ids[1]: 2}, perParent)

	children := materialize(t, tree, as)
	for _, id := range children {
		finish(t, tree, id, true)
	}
	require.Equal(t, Met, s.Evaluate(tree, l2))
}

func TestCanOpenWithoutEligibleAdapters(t *testing.T) {
	t.Parallel()

	s := New(catalog(t, 2, promotion.Level1), 2)
	err := s.CanOpen(LevelInput{Level: promotion.Level3, Required: 1})
	require.ErrorIs(t, err, promotion.ErrNoEligibleAdapters)
}

func TestCrowdPlanning(t *testing.T) {
	t.Parallel()

	s := New(catalog(t, 4, promotion.LevelCrowd), 2)
	picked := s.PlanCrowd(3, promotion.PageMeta{})
	require.Len(t, picked, 3)
	require.Equal(t, "net-0", picked[0].Slug)
	require.Len(t, s.PlanCrowd(10, promotion.PageMeta{}), 4)

	tasks := []promotion.CrowdTask{
		{ID: "1", Status: promotion.CrowdRunning},
		{ID: "2", Status: promotion.CrowdPlanned},
		{ID: "3", Status: promotion.CrowdPlanned},
	}
	next := s.NextCrowd(tasks)
	require.Len(t, next, 1)
	require.Equal(t, "2", next[0].ID)
	require.False(t, CrowdDone(tasks))
	require.True(t, CrowdDone([]promotion.CrowdTask{{Status: promotion.CrowdFailed}, {Status: promotion.CrowdCompleted}}))
}
