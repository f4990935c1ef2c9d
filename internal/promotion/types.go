// Package promotion defines core types shared across the orchestration subsystems.
package promotion

import (
	"strconv"
	"time"
)

// Level identifies a cascade tier. Crowd placements use LevelCrowd.
type Level int

// Supported levels.
const (
	Level1     Level = 1
	Level2     Level = 2
	Level3     Level = 3
	LevelCrowd Level = 4
)

// CascadeLevels lists the tiered levels in dispatch order.
var CascadeLevels = []Level{Level1, Level2, Level3}

// String renders the level the way the catalog and reports name it.
func (l Level) String() string {
	if l == LevelCrowd {
		return "crowd"
	}
	return strconv.Itoa(int(l))
}

// ParseLevel accepts "1", "2", "3" or "crowd".
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "1":
		return Level1, true
	case "2":
		return Level2, true
	case "3":
		return Level3, true
	case "crowd":
		return LevelCrowd, true
	default:
		return 0, false
	}
}

// RunStatus is the coordinator state machine value.
type RunStatus string

// Run states.
const (
	RunIdle          RunStatus = "idle"
	RunQueued        RunStatus = "queued"
	RunLevel1Active  RunStatus = "level1_active"
	RunPendingLevel2 RunStatus = "pending_level2"
	RunLevel2Active  RunStatus = "level2_active"
	RunPendingLevel3 RunStatus = "pending_level3"
	RunLevel3Active  RunStatus = "level3_active"
	RunPendingCrowd  RunStatus = "pending_crowd"
	RunCrowdReady    RunStatus = "crowd_ready"
	RunReportReady   RunStatus = "report_ready"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunCancelled     RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// ActiveStatus returns the N_active state for a cascade level.
func ActiveStatus(l Level) RunStatus {
	switch l {
	case Level1:
		return RunLevel1Active
	case Level2:
		return RunLevel2Active
	case Level3:
		return RunLevel3Active
	default:
		return ""
	}
}

// PendingStatus returns the pending_N state that precedes a level opening.
func PendingStatus(l Level) RunStatus {
	switch l {
	case Level2:
		return RunPendingLevel2
	case Level3:
		return RunPendingLevel3
	case LevelCrowd:
		return RunPendingCrowd
	default:
		return RunQueued
	}
}

// ActiveLevel reports which cascade level a status refers to, if any.
func (s RunStatus) ActiveLevel() (Level, bool) {
	switch s {
	case RunLevel1Active:
		return Level1, true
	case RunLevel2Active:
		return Level2, true
	case RunLevel3Active:
		return Level3, true
	default:
		return 0, false
	}
}

// NodeStatus is the lifecycle of a PublicationNode.
type NodeStatus string

// Node statuses.
const (
	NodeCreated   NodeStatus = "created"
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeSuccess   NodeStatus = "success"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether the node is immutable.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeSuccess || s == NodeFailed || s == NodeCancelled
}

// CanTransition enforces created -> queued -> running -> terminal, where any
// non-terminal node may also be cancelled.
func (s NodeStatus) CanTransition(next NodeStatus) bool {
	switch s {
	case NodeCreated:
		return next == NodeQueued || next == NodeCancelled
	case NodeQueued:
		return next == NodeRunning || next == NodeCancelled
	case NodeRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// CrowdStatus is the lifecycle of a CrowdTask.
type CrowdStatus string

// Crowd task statuses.
const (
	CrowdPlanned   CrowdStatus = "planned"
	CrowdQueued    CrowdStatus = "queued"
	CrowdRunning   CrowdStatus = "running"
	CrowdCompleted CrowdStatus = "completed"
	CrowdFailed    CrowdStatus = "failed"
)

// IsTerminal reports whether the task finished.
func (s CrowdStatus) IsTerminal() bool {
	return s == CrowdCompleted || s == CrowdFailed
}

// PageMeta describes the promoted page; adapters and prompts consume it.
type PageMeta struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Language    string   `json:"language,omitempty"`
	Region      string   `json:"region,omitempty"`
	Topics      []string `json:"topics,omitempty"`
}

// Run is one promotion lifecycle for one target URL.
type Run struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	LinkID        string            `json:"link_id,omitempty"`
	TargetURL     string            `json:"target_url"`
	Anchor        string            `json:"anchor,omitempty"`
	Language      string            `json:"language,omitempty"`
	Wish          string            `json:"wish,omitempty"`
	Status        RunStatus         `json:"status"`
	Stage         string            `json:"stage"`
	Required      map[Level]int     `json:"required"`
	FanOut        map[Level]int     `json:"fan_out"`
	CrowdTarget   int               `json:"crowd_target"`
	LevelsEnabled LevelsEnabled     `json:"levels_enabled"`
	Terminal      bool              `json:"terminal"`
	Cancelled     bool              `json:"cancelled"`
	Error         string            `json:"error,omitempty"`
	ReportURI     string            `json:"report_uri,omitempty"`
	PageMeta      PageMeta          `json:"page_meta"`
	TestMode      bool              `json:"test_mode"`
	Tags          map[string]string `json:"tags,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
}

// LevelsEnabled mirrors the per-level enable flags captured at run creation.
type LevelsEnabled struct {
	Level1 bool `json:"level1"`
	Level2 bool `json:"level2"`
	Level3 bool `json:"level3"`
	Crowd  bool `json:"crowd"`
}

// Enabled reports whether the level participates in the run.
func (e LevelsEnabled) Enabled(l Level) bool {
	switch l {
	case Level1:
		return e.Level1
	case Level2:
		return e.Level2
	case Level3:
		return e.Level3
	case LevelCrowd:
		return e.Crowd
	default:
		return false
	}
}

// Node is a PublicationNode in the run's cascade tree.
type Node struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	Level          Level      `json:"level"`
	ParentID       string     `json:"parent_id,omitempty"`
	Adapter        string     `json:"adapter"`
	Status         NodeStatus `json:"status"`
	PublishedURL   string     `json:"published_url,omitempty"`
	Title          string     `json:"title,omitempty"`
	Anchor         string     `json:"anchor"`
	TargetURL      string     `json:"target_url"`
	ManualFallback bool       `json:"manual_fallback"`
	FallbackReason string     `json:"fallback_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CrowdTask is an independent placement linking to the target.
type CrowdTask struct {
	ID             string      `json:"id"`
	RunID          string      `json:"run_id"`
	TargetURL      string      `json:"target_url"`
	Adapter        string      `json:"adapter"`
	Status         CrowdStatus `json:"status"`
	ManualFallback bool        `json:"manual_fallback"`
	FallbackReason string      `json:"fallback_reason,omitempty"`
	PublishedURL   string      `json:"published_url,omitempty"`
	Subject        string      `json:"subject,omitempty"`
	Message        string      `json:"message,omitempty"`
	AuthorName     string      `json:"author_name,omitempty"`
	AuthorEmail    string      `json:"author_email,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// AdapterKind selects the Publisher implementation serving a descriptor.
type AdapterKind string

// Adapter kinds.
const (
	KindProcess     AdapterKind = "process"
	KindTelegraph   AdapterKind = "telegraph"
	KindBrowserForm AdapterKind = "browserform"
	KindMemory      AdapterKind = "memory"
)

// ContentKind states what payload an adapter posts.
type ContentKind string

// Content kinds.
const (
	ContentArticle ContentKind = "article"
	ContentPoll    ContentKind = "poll"
	ContentNone    ContentKind = "none"
)

// AdapterDescriptor is immutable catalog data about one network adapter.
type AdapterDescriptor struct {
	Slug     string            `json:"slug" yaml:"slug"`
	Title    string            `json:"title" yaml:"title"`
	Levels   []Level           `json:"levels" yaml:"-"`
	Priority int               `json:"priority" yaml:"priority"`
	Enabled  bool              `json:"enabled" yaml:"enabled"`
	Regions  []string          `json:"regions,omitempty" yaml:"regions"`
	Topics   []string          `json:"topics,omitempty" yaml:"topics"`
	Kind     AdapterKind       `json:"kind" yaml:"kind"`
	Content  ContentKind       `json:"content" yaml:"content"`
	Command  []string          `json:"command,omitempty" yaml:"command"`
	Options  map[string]string `json:"options,omitempty" yaml:"options"`
}

// AppliesTo reports whether the adapter serves the level.
func (d AdapterDescriptor) AppliesTo(l Level) bool {
	for _, lv := range d.Levels {
		if lv == l {
			return true
		}
	}
	return false
}

// Snapshot is a consistent copy of one run's committed state.
type Snapshot struct {
	Run   Run         `json:"run"`
	Nodes []Node      `json:"nodes"`
	Crowd []CrowdTask `json:"crowd"`
}
