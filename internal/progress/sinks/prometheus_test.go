package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkcascade/internal/progress"
	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{RunID: "r1", TS: now, Stage: progress.StageRunStatus, Status: promotion.RunQueued},
		{RunID: "r1", TS: now, Stage: progress.StageRunStatus, Status: promotion.RunQueued},
		{RunID: "r1", TS: now, Stage: progress.StageRunStatus, Status: promotion.RunLevel1Active},
		{RunID: "r1", TS: now, Stage: progress.StageNodeQueued, NodeID: "n1", Level: "1"},
		{RunID: "r1", TS: now, Stage: progress.StageNodeDone, NodeID: "n1", Level: "1", Outcome: progress.OutcomeSuccess, Dur: 2 * time.Second},
		{RunID: "r1", TS: now, Stage: progress.StageCrowdDone, NodeID: "c1", Level: "crowd", Outcome: progress.OutcomeFailed, Note: promotion.CodeFormNotFound},
		{RunID: "r1", TS: now, Stage: progress.StageRunStatus, Status: promotion.RunCancelled},
		{RunID: "r1", TS: now, Stage: progress.StageLateResult, NodeID: "n2"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("cancelled")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.transitions.WithLabelValues("queued")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.nodesQueued.WithLabelValues("1")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.nodesDone.WithLabelValues("1", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.nodesDone.WithLabelValues("crowd", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.failureReasons.WithLabelValues(promotion.CodeFormNotFound)))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.lateResults))
	require.Equal(t, 1, testutil.CollectAndCount(sink.nodeDuration, "promotion_progress_node_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
