package models

import (
	"fmt"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Action is the per-lead operation a batch job applies.
type Action string

const (
	ActionSyncStatus Action = "sync_status"
	ActionRetier     Action = "retier"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionSyncStatus, ActionRetier:
		return Action(s), nil
	case "":
		return ActionSyncStatus, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// ActionParams tunes how an action is applied to each lead.
type ActionParams struct {
	// Force bypasses the minimum sync interval guard.
	Force bool `json:"force"`
}

// JobCounters are the progress counters of a batch job.
type JobCounters struct {
	Total            int `json:"total"`
	Processed        int `json:"processed"`
	Succeeded        int `json:"succeeded"`
	Failed           int `json:"failed"`
	Skipped          int `json:"skipped"`
	BatchesTotal     int `json:"batches_total"`
	BatchesCompleted int `json:"batches_completed"`
}

// Add returns the element-wise sum of two counter sets.
func (c JobCounters) Add(d JobCounters) JobCounters {
	return JobCounters{
		Total:            c.Total + d.Total,
		Processed:        c.Processed + d.Processed,
		Succeeded:        c.Succeeded + d.Succeeded,
		Failed:           c.Failed + d.Failed,
		Skipped:          c.Skipped + d.Skipped,
		BatchesTotal:     c.BatchesTotal + d.BatchesTotal,
		BatchesCompleted: c.BatchesCompleted + d.BatchesCompleted,
	}
}

// BatchJob represents one tier run persisted in Postgres.
type BatchJob struct {
	ID          string       `json:"id"`
	OrgID       string       `json:"org_id"`
	Tier        Tier         `json:"tier"`
	Action      Action       `json:"action"`
	Params      ActionParams `json:"params"`
	Status      string       `json:"status"`
	Counters    JobCounters  `json:"counters"`
	Error       *string      `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Terminal reports whether the job will not change again.
func (j BatchJob) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
