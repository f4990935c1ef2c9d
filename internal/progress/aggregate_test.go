package progress

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

func fullRun(status promotion.RunStatus) promotion.Run {
	return promotion.Run{
		ID:     "run-1",
		Status: status,
		Required: map[promotion.Level]int{
			promotion.Level1: 3,
			promotion.Level2: 2,
			promotion.Level3: 2,
		},
		CrowdTarget:   4,
		LevelsEnabled: promotion.LevelsEnabled{Level1: true, Level2: true, Crowd: true},
	}
}

func TestAggregateCounts(t *testing.T) {
	t.Parallel()

	snap := promotion.Snapshot{
		Run: fullRun(promotion.RunPendingCrowd),
		Nodes: []promotion.Node{
			{ID: "1a", Level: promotion.Level1, Status: promotion.NodeSuccess},
			{ID: "1b", Level: promotion.Level1, Status: promotion.NodeSuccess},
			{ID: "1c", Level: promotion.Level1, Status: promotion.NodeSuccess},
			{ID: "1d", Level: promotion.Level1, Status: promotion.NodeFailed},
			{ID: "2a", Level: promotion.Level2, ParentID: "1a", Status: promotion.NodeSuccess},
			{ID: "2b", Level: promotion.Level2, ParentID: "1b", Status: promotion.NodeSuccess},
			{ID: "2c", Level: promotion.Level2, ParentID: "1c", Status: promotion.NodeSuccess},
		},
		Crowd: []promotion.CrowdTask{
			{ID: "c1", Status: promotion.CrowdCompleted},
			{ID: "c2", Status: promotion.CrowdFailed, ManualFallback: true},
			{ID: "c3", Status: promotion.CrowdRunning},
			{ID: "c4", Status: promotion.CrowdQueued},
			{ID: "c5", Status: promotion.CrowdPlanned},
		},
	}

	sum := Aggregate(snap)
	require.Equal(t, LevelProgress{Total: 4, Success: 3, Required: 3}, sum.Levels[promotion.Level1])
	require.Equal(t, LevelProgress{Total: 3, Success: 3, Required: 2}, sum.Levels[promotion.Level2])
	require.Equal(t, LevelProgress{Required: 2}, sum.Levels[promotion.Level3])
	require.Equal(t, CrowdProgress{
		Planned: 1, Total: 5, Target: 4, Attempted: 3,
		Completed: 1, Running: 1, Queued: 1, Failed: 1, ManualFallback: 1,
	}, sum.Crowd)
	// Level 3 is disabled; level 2 success is capped at its requirement.
	require.Equal(t, 3+2+4, sum.Target)
	require.Equal(t, 3+2+1, sum.Done)
	require.Equal(t, "crowd placements (2/5)", sum.Stage)
	require.False(t, sum.ReportReady)
}

func TestAggregateDoneNeverExceedsTarget(t *testing.T) {
	t.Parallel()

	run := fullRun(promotion.RunCompleted)
	run.ReportURI = "mem://reports/run-1/x.json"
	snap := promotion.Snapshot{Run: run}
	for i := 0; i < 6; i++ {
		snap.Nodes = append(snap.Nodes, promotion.Node{ID: string(rune('a' + i)), Level: promotion.Level1, Status: promotion.NodeSuccess})
		snap.Crowd = append(snap.Crowd, promotion.CrowdTask{ID: string(rune('k' + i)), Status: promotion.CrowdCompleted})
	}

	sum := Aggregate(snap)
	require.LessOrEqual(t, sum.Done, sum.Target)
	for lvl, lp := range sum.Levels {
		require.LessOrEqual(t, lp.Success, lp.Total, "level %s", lvl)
	}
	require.LessOrEqual(t, sum.Crowd.Completed, sum.Crowd.Total)
	require.True(t, sum.ReportReady)
	require.Equal(t, "completed", sum.Stage)
}

func TestAggregateCrowdDisabledHasNoTarget(t *testing.T) {
	t.Parallel()

	run := fullRun(promotion.RunLevel2Active)
	run.LevelsEnabled.Crowd = false
	sum := Aggregate(promotion.Snapshot{Run: run})
	require.Zero(t, sum.Crowd.Target)
	require.Equal(t, 5, sum.Target)
	require.Equal(t, "level 2 in progress (0/2)", sum.Stage)
}

func TestSummaryJSONLevelKeys(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Aggregate(promotion.Snapshot{Run: fullRun(promotion.RunIdle)}))
	require.NoError(t, err)
	var decoded struct {
		Levels map[string]LevelProgress `json:"levels"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Contains(t, decoded.Levels, "1")
	require.Contains(t, decoded.Levels, "3")
	require.Equal(t, 3, decoded.Levels["1"].Required)
}

func TestStageLabelFailed(t *testing.T) {
	t.Parallel()

	run := fullRun(promotion.RunFailed)
	run.Error = promotion.CodeLevelUnreachable
	require.Equal(t, "failed: LEVEL_UNREACHABLE", Aggregate(promotion.Snapshot{Run: run}).Stage)
	require.Equal(t, "cancelled", Aggregate(promotion.Snapshot{Run: fullRun(promotion.RunCancelled)}).Stage)
}
