package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/linkcascade/internal/progress"
	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// PrometheusSink exports run lifecycle and node outcome counters.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	runsFinished   *prometheus.CounterVec
	runsActive     prometheus.Gauge
	transitions    *prometheus.CounterVec
	nodesQueued    *prometheus.CounterVec
	nodesDone      *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	lateResults    prometheus.Counter
	failureReasons *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promotion_progress_runs_started_total",
			Help: "Runs that left the idle state.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promotion_progress_runs_finished_total",
			Help: "Runs that reached a terminal state, by status.",
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promotion_progress_runs_active",
			Help: "Runs started and not yet terminal.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promotion_progress_transitions_total",
			Help: "Run state transitions by target status.",
		}, []string{"status"}),
		nodesQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promotion_progress_nodes_queued_total",
			Help: "Nodes and crowd tasks queued for dispatch, by level.",
		}, []string{"level"}),
		nodesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promotion_progress_nodes_done_total",
			Help: "Finished nodes and crowd tasks by level and outcome.",
		}, []string{"level", "outcome"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promotion_progress_node_duration_seconds",
			Help:    "Adapter runtime per finished node by level.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"level"}),
		lateResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promotion_progress_late_results_total",
			Help: "Adapter results that arrived after their run was cancelled.",
		}),
		failureReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promotion_progress_failure_reasons_total",
			Help: "Failed nodes and crowd tasks by fallback reason.",
		}, []string{"reason"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsActive,
		s.transitions,
		s.nodesQueued,
		s.nodesDone,
		s.nodeDuration,
		s.lateResults,
		s.failureReasons,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStatus:
		s.handleRunEvent(evt)
	case progress.StageNodeQueued:
		s.nodesQueued.WithLabelValues(levelLabel(evt.Level)).Inc()
	case progress.StageNodeDone, progress.StageCrowdDone:
		level := levelLabel(evt.Level)
		s.nodesDone.WithLabelValues(level, evt.Outcome).Inc()
		if evt.Dur > 0 {
			s.nodeDuration.WithLabelValues(level).Observe(evt.Dur.Seconds())
		}
		if evt.Outcome == progress.OutcomeFailed && evt.Note != "" {
			s.failureReasons.WithLabelValues(evt.Note).Inc()
		}
	case progress.StageLateResult:
		s.lateResults.Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	s.transitions.WithLabelValues(string(evt.Status)).Inc()
	switch {
	case evt.Status == promotion.RunQueued:
		if s.tracker.start(evt.RunID) {
			s.runsStarted.Inc()
			s.runsActive.Inc()
		}
	case evt.Status.IsTerminal():
		s.runsFinished.WithLabelValues(string(evt.Status)).Inc()
		if s.tracker.complete(evt.RunID) {
			s.runsActive.Dec()
		}
	}
}

func levelLabel(level string) string {
	if level == "" {
		return "unknown"
	}
	return level
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
