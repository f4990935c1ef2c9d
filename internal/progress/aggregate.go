package progress

import (
	"fmt"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// LevelProgress counts one cascade level.
type LevelProgress struct {
	Total    int `json:"total"`
	Success  int `json:"success"`
	Required int `json:"required"`
}

// CrowdProgress counts crowd tasks by status.
type CrowdProgress struct {
	Planned        int `json:"planned"`
	Total          int `json:"total"`
	Target         int `json:"target"`
	Attempted      int `json:"attempted"`
	Completed      int `json:"completed"`
	Running        int `json:"running"`
	Queued         int `json:"queued"`
	Failed         int `json:"failed"`
	ManualFallback int `json:"manual_fallback"`
}

// Summary is the polling view of a run.
type Summary struct {
	Status      promotion.RunStatus               `json:"status"`
	Stage       string                            `json:"stage"`
	Levels      map[promotion.Level]LevelProgress `json:"levels"`
	Crowd       CrowdProgress                     `json:"crowd"`
	Done        int                               `json:"done"`
	Target      int                               `json:"target"`
	ReportReady bool                              `json:"report_ready"`
}

// Aggregate derives counters from a snapshot. The status comes from the run
// record only; counts never change it.
func Aggregate(s promotion.Snapshot) Summary {
	run := s.Run
	sum := Summary{
		Status: run.Status,
		Levels: make(map[promotion.Level]LevelProgress, len(promotion.CascadeLevels)),
	}
	for _, lvl := range promotion.CascadeLevels {
		sum.Levels[lvl] = LevelProgress{Required: run.Required[lvl]}
	}
	for _, n := range s.Nodes {
		lp, ok := sum.Levels[n.Level]
		if !ok {
			continue
		}
		lp.Total++
		if n.Status == promotion.NodeSuccess {
			lp.Success++
		}
		sum.Levels[n.Level] = lp
	}

	c := CrowdProgress{Total: len(s.Crowd)}
	if run.LevelsEnabled.Crowd {
		c.Target = run.CrowdTarget
	}
	for _, t := range s.Crowd {
		switch t.Status {
		case promotion.CrowdPlanned:
			c.Planned++
		case promotion.CrowdQueued:
			c.Queued++
		case promotion.CrowdRunning:
			c.Running++
			c.Attempted++
		case promotion.CrowdCompleted:
			c.Completed++
			c.Attempted++
		case promotion.CrowdFailed:
			c.Failed++
			c.Attempted++
		}
		if t.ManualFallback {
			c.ManualFallback++
		}
	}
	sum.Crowd = c

	for _, lvl := range promotion.CascadeLevels {
		if !run.LevelsEnabled.Enabled(lvl) {
			continue
		}
		lp := sum.Levels[lvl]
		sum.Target += lp.Required
		sum.Done += min(lp.Success, lp.Required)
	}
	sum.Target += c.Target
	sum.Done += min(c.Completed, c.Target)

	sum.ReportReady = run.Status == promotion.RunReportReady || run.Status == promotion.RunCompleted
	sum.Stage = StageLabel(run, sum)
	return sum
}

// StageLabel renders the human substate shown next to the status.
func StageLabel(run promotion.Run, sum Summary) string {
	if lvl, ok := run.Status.ActiveLevel(); ok {
		lp := sum.Levels[lvl]
		return fmt.Sprintf("level %s in progress (%d/%d)", lvl, lp.Success, lp.Required)
	}
	switch run.Status {
	case promotion.RunIdle:
		return "waiting to start"
	case promotion.RunQueued:
		return fmt.Sprintf("level 1 in progress (0/%d)", sum.Levels[promotion.Level1].Required)
	case promotion.RunPendingLevel2:
		return "level 1 finished, opening level 2"
	case promotion.RunPendingLevel3:
		return "level 2 finished, opening level 3"
	case promotion.RunPendingCrowd:
		if sum.Crowd.Total == 0 {
			return "planning crowd placements"
		}
		return fmt.Sprintf("crowd placements (%d/%d)", sum.Crowd.Completed+sum.Crowd.Failed, sum.Crowd.Total)
	case promotion.RunCrowdReady:
		return "building report"
	case promotion.RunReportReady:
		return "report ready"
	case promotion.RunCompleted:
		return "completed"
	case promotion.RunFailed:
		if run.Error != "" {
			return "failed: " + run.Error
		}
		return "failed"
	case promotion.RunCancelled:
		return "cancelled"
	default:
		return string(run.Status)
	}
}
