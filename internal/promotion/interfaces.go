package promotion

import (
	"context"
	"io"
	"time"
)

// RunStore persists runs, nodes and crowd tasks.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	SaveNode(ctx context.Context, node Node) error
	SaveCrowdTask(ctx context.Context, task CrowdTask) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListNodes(ctx context.Context, runID string) ([]Node, error)
	ListCrowdTasks(ctx context.Context, runID string) ([]CrowdTask, error)
	// LatestRun returns the newest run for a project matching the target URL or link id.
	LatestRun(ctx context.Context, projectID, targetURL, linkID string) (Run, error)
	// ListActive returns every non-terminal run, oldest first.
	ListActive(ctx context.Context) ([]Run, error)
}

// BlobStore writes report artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Notifier pushes run lifecycle events to a broker topic.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for adapter dispatches.
type Queue interface {
	Enqueue(ctx context.Context, item Dispatch) error
	Dequeue(ctx context.Context) (Dispatch, error)
}

// Publisher is the capability every network adapter implements.
type Publisher interface {
	Publish(ctx context.Context, job Job) (Result, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run, node and task IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Dispatch is one queued adapter invocation for a node or crowd task.
type Dispatch struct {
	RunID     string
	NodeID    string
	Level     Level
	Adapter   string
	TargetURL string
	Anchor    string
	Submitted int64
}

// Article is pre-generated long-form content shared across adapters.
type Article struct {
	Title string    `json:"title"`
	HTML  string    `json:"html"`
	Links LinkStats `json:"links"`
}

// Poll is structured content for poll-style adapters.
type Poll struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Description string   `json:"description"`
}

// Comment is a crowd placement message and the identity it is posted under.
type Comment struct {
	Subject     string `json:"subject"`
	Message     string `json:"message"`
	AuthorName  string `json:"authorName,omitempty"`
	AuthorEmail string `json:"authorEmail,omitempty"`
}

// LinkStats summarizes the links found in generated HTML.
type LinkStats struct {
	Total       int  `json:"total"`
	Own         int  `json:"own"`
	External    int  `json:"external"`
	ExactAnchor bool `json:"exact_anchor"`
}

// Job is the descriptor handed to a Publisher; it is also the process-boundary payload.
type Job struct {
	RunID           string            `json:"runId,omitempty"`
	NodeID          string            `json:"nodeId,omitempty"`
	Level           string            `json:"level,omitempty"`
	Network         string            `json:"network,omitempty"`
	URL             string            `json:"url"`
	Anchor          string            `json:"anchor"`
	Language        string            `json:"language"`
	AIProvider      string            `json:"aiProvider,omitempty"`
	AIAPIKey        string            `json:"aiApiKey,omitempty"`
	Wish            string            `json:"wish,omitempty"`
	PageMeta        PageMeta          `json:"pageMeta"`
	TestMode        bool              `json:"testMode"`
	PreparedArticle *Article          `json:"preparedArticle,omitempty"`
	PreparedPoll    *Poll             `json:"preparedPoll,omitempty"`
	Comment         *Comment          `json:"comment,omitempty"`
	Options         map[string]string `json:"options,omitempty"`
}

// Verification describes how a published link can be re-checked later.
type Verification struct {
	SupportsLinkCheck bool   `json:"supportsLinkCheck"`
	SupportsTextCheck bool   `json:"supportsTextCheck"`
	LinkURL           string `json:"linkUrl,omitempty"`
	Text              string `json:"text,omitempty"`
}

// Result is the terminal outcome reported by a Publisher.
type Result struct {
	OK             bool          `json:"ok"`
	Network        string        `json:"network"`
	Title          string        `json:"title,omitempty"`
	PublishedURL   string        `json:"publishedUrl,omitempty"`
	LogFile        string        `json:"logFile,omitempty"`
	Error          string        `json:"error,omitempty"`
	ManualFallback bool          `json:"manualFallback,omitempty"`
	Verification   *Verification `json:"verification,omitempty"`
}
