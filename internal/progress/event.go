// Package progress defines the events emitted while a promotion run advances
// and the counters derived from a run snapshot.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStatus  Stage = "RUN_STATUS"
	StageNodeQueued Stage = "NODE_QUEUED"
	StageNodeDone   Stage = "NODE_DONE"
	StageCrowdDone  Stage = "CROWD_DONE"
	StageLateResult Stage = "LATE_RESULT"
)

// Node and crowd outcomes carried by done events.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Event captures a single step of run progress.
type Event struct {
	// RunID identifies the promotion run.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Status is the run state after a RUN_STATUS transition.
	Status promotion.RunStatus
	// Level is "1", "2", "3" or "crowd" for node and crowd events.
	Level   string
	NodeID  string
	Adapter string
	// Outcome is one of the Outcome constants for done events.
	Outcome string
	// URL is the published URL for node events or the report URI for run events.
	URL string
	// Dur is the adapter runtime for done events.
	Dur time.Duration
	// Note carries a failure code or other low-volume context.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStatus:
		if e.Status == "" {
			return errors.New("run status event requires status")
		}
	case StageNodeQueued, StageLateResult:
		if e.NodeID == "" {
			return fmt.Errorf("%s requires node id", e.Stage)
		}
	case StageNodeDone, StageCrowdDone:
		if e.NodeID == "" {
			return fmt.Errorf("%s requires node id", e.Stage)
		}
		if e.Outcome == "" {
			return fmt.Errorf("%s requires outcome", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// NodeOutcome maps a terminal node status to an event outcome.
func NodeOutcome(s promotion.NodeStatus) string {
	switch s {
	case promotion.NodeSuccess:
		return OutcomeSuccess
	case promotion.NodeCancelled:
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

// CrowdOutcome maps a terminal crowd status to an event outcome.
func CrowdOutcome(s promotion.CrowdStatus) string {
	if s == promotion.CrowdCompleted {
		return OutcomeSuccess
	}
	return OutcomeFailed
}
