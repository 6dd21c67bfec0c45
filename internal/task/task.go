// Package task defines the run-tracking Task entity shared by the orchestrator,
// the persistence layer and the HTTP API.
package task

import (
	"time"
)

type (
	TaskStatus string
	Task       struct {
		ID                    int64          `json:"id"`
		Type                  string         `json:"task_type"`
		Status                TaskStatus     `json:"status"`
		ProgressPercentage    float64        `json:"progress_percentage"`
		CurrentPhase          string         `json:"current_phase,omitempty"`
		CurrentStep           int            `json:"current_step"`
		TotalSteps            int            `json:"total_steps"`
		ErrorMessage          string         `json:"error_message,omitempty"`
		CancellationRequested bool           `json:"cancellation_requested"`
		CreatedAt             time.Time      `json:"created_at"`
		StartTime             *time.Time     `json:"start_time,omitempty"`
		EndTime               *time.Time     `json:"end_time,omitempty"`
		LastUpdated           time.Time      `json:"last_updated"`
		Parameters            map[string]any `json:"parameters,omitempty"`
		Metadata              map[string]any `json:"metadata,omitempty"`
	}
)

const (
	PendingStatus   TaskStatus = "PENDING"
	RunningStatus   TaskStatus = "RUNNING"
	CompletedStatus TaskStatus = "COMPLETED"
	FailedStatus    TaskStatus = "FAILED"
)

const AlgorithmTaskType = "NOOS_ALGORITHM"

func NewTask(taskType string, parameters map[string]any, totalSteps int) *Task {
	now := time.Now()
	return &Task{
		Type:        taskType,
		Status:      PendingStatus,
		TotalSteps:  totalSteps,
		CreatedAt:   now,
		LastUpdated: now,
		Parameters:  parameters,
		Metadata:    map[string]any{},
	}
}

func (s TaskStatus) IsTerminal() bool {
	return s == CompletedStatus || s == FailedStatus
}

func (s TaskStatus) Valid() bool {
	switch s {
	case PendingStatus, RunningStatus, CompletedStatus, FailedStatus:
		return true
	}
	return false
}

// Advance moves the task to a new phase. Progress never decreases.
func (t *Task) Advance(phase string, step int, progress float64) {
	t.CurrentPhase = phase
	if step > t.CurrentStep {
		t.CurrentStep = step
	}
	if progress > 100 {
		progress = 100
	}
	if progress > t.ProgressPercentage {
		t.ProgressPercentage = progress
	}
	t.LastUpdated = time.Now()
}

func (t *Task) Duration() time.Duration {
	if t.StartTime == nil {
		return 0
	}
	if t.EndTime == nil {
		return time.Since(*t.StartTime)
	}
	return t.EndTime.Sub(*t.StartTime)
}

func (t *Task) SetMetadata(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Metadata[key] = value
}
