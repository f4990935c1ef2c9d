// Package report turns a run snapshot into the level-grouped report consumed
// by the UI and stored as the run artifact.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// NodeEntry is one publication in a level list.
type NodeEntry struct {
	ID             string               `json:"id"`
	ParentID       string               `json:"parent_id"`
	Network        string               `json:"network"`
	URL            string               `json:"url"`
	Title          string               `json:"title,omitempty"`
	TargetURL      string               `json:"target_url"`
	Anchor         string               `json:"anchor"`
	Status         promotion.NodeStatus `json:"status"`
	ManualFallback bool                 `json:"manual_fallback"`
	FallbackReason string               `json:"fallback_reason"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// CrowdEntry is one crowd placement.
type CrowdEntry struct {
	TaskID         string                `json:"task_id"`
	Network        string                `json:"network"`
	TargetURL      string                `json:"target_url"`
	URL            string                `json:"url,omitempty"`
	Status         promotion.CrowdStatus `json:"status"`
	ManualFallback bool                  `json:"manual_fallback"`
	Subject        string                `json:"subject"`
	Message        string                `json:"message"`
	AuthorName     string                `json:"author_name"`
	AuthorEmail    string                `json:"author_email"`
	FallbackReason string                `json:"fallback_reason"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Report groups nodes by level. Lists are never nil so they encode as [].
type Report struct {
	Level1 []NodeEntry  `json:"level1"`
	Level2 []NodeEntry  `json:"level2"`
	Level3 []NodeEntry  `json:"level3"`
	Crowd  []CrowdEntry `json:"crowd"`
}

// Document is the report envelope returned by the API and written to blob storage.
type Document struct {
	OK            bool                    `json:"ok"`
	RunID         string                  `json:"run_id"`
	Status        promotion.RunStatus     `json:"status"`
	TargetURL     string                  `json:"target_url"`
	LevelsEnabled promotion.LevelsEnabled `json:"levels_enabled"`
	Report        Report                  `json:"report"`
}

// Build groups the snapshot by level. It is pure: equal snapshots yield equal
// reports. Entries are ordered by creation time, then id.
func Build(s promotion.Snapshot) Report {
	nodes := append([]promotion.Node(nil), s.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool {
		return createdBefore(nodes[i].CreatedAt, nodes[i].ID, nodes[j].CreatedAt, nodes[j].ID)
	})
	crowd := append([]promotion.CrowdTask(nil), s.Crowd...)
	sort.SliceStable(crowd, func(i, j int) bool {
		return createdBefore(crowd[i].CreatedAt, crowd[i].ID, crowd[j].CreatedAt, crowd[j].ID)
	})

	r := Report{
		Level1: []NodeEntry{},
		Level2: []NodeEntry{},
		Level3: []NodeEntry{},
		Crowd:  make([]CrowdEntry, 0, len(crowd)),
	}
	for _, n := range nodes {
		entry := nodeEntry(n)
		switch n.Level {
		case promotion.Level1:
			r.Level1 = append(r.Level1, entry)
		case promotion.Level2:
			r.Level2 = append(r.Level2, entry)
		case promotion.Level3:
			r.Level3 = append(r.Level3, entry)
		}
	}
	for _, t := range crowd {
		r.Crowd = append(r.Crowd, crowdEntry(t))
	}
	return r
}

// NewDocument wraps Build with the run header.
func NewDocument(s promotion.Snapshot) Document {
	return Document{
		OK:            true,
		RunID:         s.Run.ID,
		Status:        s.Run.Status,
		TargetURL:     s.Run.TargetURL,
		LevelsEnabled: s.Run.LevelsEnabled,
		Report:        Build(s),
	}
}

// Encode renders the document as indented JSON with a trailing newline.
func Encode(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return buf.Bytes(), nil
}

func createdBefore(a time.Time, aID string, b time.Time, bID string) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return aID < bID
}

func nodeEntry(n promotion.Node) NodeEntry {
	return NodeEntry{
		ID:             n.ID,
		ParentID:       n.ParentID,
		Network:        n.Adapter,
		URL:            n.PublishedURL,
		Title:          n.Title,
		TargetURL:      n.TargetURL,
		Anchor:         n.Anchor,
		Status:         n.Status,
		ManualFallback: n.ManualFallback,
		FallbackReason: n.FallbackReason,
		UpdatedAt:      n.UpdatedAt,
	}
}

func crowdEntry(t promotion.CrowdTask) CrowdEntry {
	return CrowdEntry{
		TaskID:         t.ID,
		Network:        t.Adapter,
		TargetURL:      t.TargetURL,
		URL:            t.PublishedURL,
		Status:         t.Status,
		ManualFallback: t.ManualFallback,
		Subject:        t.Subject,
		Message:        t.Message,
		AuthorName:     t.AuthorName,
		AuthorEmail:    t.AuthorEmail,
		FallbackReason: t.FallbackReason,
		UpdatedAt:      t.UpdatedAt,
	}
}
