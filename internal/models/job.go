package models

import (
	"fmt"
	"strings"
	"time"
)

// MaxItemID is the largest item identifier accepted on submission.
const MaxItemID int64 = 1_000_000_007

// Priority is the scheduling tier of a job and all of its batches.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Rank orders priorities for dispatch; higher runs first. Unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the known tiers.
func (p Priority) Valid() bool { return p.Rank() > 0 }

// ParsePriority accepts the tier name in any case.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("priority must be HIGH, MEDIUM, or LOW, got %q", s)
	}
	return p, nil
}

// Priorities lists tiers from highest to lowest.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityMedium, PriorityLow}
}

// Status is shared by jobs and batches.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func (s Status) step() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.step() >= 0 }

// CanAdvanceTo reports whether moving from s to next keeps the batch lifecycle forward-only.
func (s Status) CanAdvanceTo(next Status) bool {
	return s.Valid() && next.Valid() && next.step() > s.step()
}

// Job is one client submission.
type Job struct {
	ID        string    `json:"job_id"`
	Priority  Priority  `json:"priority"`
	Status    Status    `json:"status"`
	Batches   []Batch   `json:"batches"`
	CreatedAt time.Time `json:"created_at"`
}

// Batch is the unit of scheduling and execution.
type Batch struct {
	ID          string     `json:"batch_id"`
	ItemIDs     []int64    `json:"item_ids"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
