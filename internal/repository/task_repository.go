package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/noos/internal/task"
)

var ErrTaskNotFound = errors.New("task not found")

type TaskRepository interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	ListTasks(ctx context.Context) ([]*task.Task, error)
	GetRecentTasks(ctx context.Context, limit int) ([]*task.Task, error)
	GetTasksByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]*task.Task, error)
	CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error)
	MarkRunning(ctx context.Context, id int64, startedAt time.Time) error
	UpdateProgress(ctx context.Context, t *task.Task) error
	CompleteTask(ctx context.Context, t *task.Task) error
	FailTask(ctx context.Context, id int64, reason string, metadata map[string]any) error
	RequestCancellation(ctx context.Context, id int64) error
	IsCancellationRequested(ctx context.Context, id int64) (bool, error)
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	FailUnfinished(ctx context.Context, reason string) ([]int64, error)
}

// ErrInvalidTransition is returned when a status change does not apply to the
// task's current state, e.g. completing a task that is no longer running.
var ErrInvalidTransition = errors.New("invalid task state transition")
