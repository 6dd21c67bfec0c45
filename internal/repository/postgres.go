package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/task"
)

type PostgresTaskRepository struct {
	db  *sql.DB
	log *logger.Logger
}

const taskColumns = `
	id, task_type, status, progress_percentage, COALESCE(current_phase, ''),
	current_step, total_steps, COALESCE(error_message, ''), cancellation_requested,
	created_at, start_time, end_time, last_updated, parameters, metadata`

func NewPostgresTaskRepository(db *sql.DB, lg *logger.Logger) *PostgresTaskRepository {
	return &PostgresTaskRepository{db: db, log: orNop(lg)}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (*task.Task, error) {
	var t task.Task
	var status string
	var startTime, endTime sql.NullTime
	var parameters, metadata []byte

	if err := s.Scan(
		&t.ID,
		&t.Type,
		&status,
		&t.ProgressPercentage,
		&t.CurrentPhase,
		&t.CurrentStep,
		&t.TotalSteps,
		&t.ErrorMessage,
		&t.CancellationRequested,
		&t.CreatedAt,
		&startTime,
		&endTime,
		&t.LastUpdated,
		&parameters,
		&metadata,
	); err != nil {
		return nil, err
	}

	t.Status = task.TaskStatus(status)
	if !t.Status.Valid() {
		return nil, fmt.Errorf("task %d has unknown status %q", t.ID, status)
	}
	if startTime.Valid {
		t.StartTime = &startTime.Time
	}
	if endTime.Valid {
		t.EndTime = &endTime.Time
	}

	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &t.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &t, nil
}

// marshalJSON encodes v for a JSONB column. A nil map becomes SQL NULL.
func marshalJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// CreateTask inserts t and sets its database-assigned id.
func (r *PostgresTaskRepository) CreateTask(ctx context.Context, t *task.Task) error {
	parameters, err := marshalJSON(t.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO tasks (
			task_type, status, progress_percentage, current_phase, current_step,
			total_steps, created_at, last_updated, parameters, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	err = r.db.QueryRowContext(
		ctx,
		query,
		t.Type,
		string(t.Status),
		t.ProgressPercentage,
		t.CurrentPhase,
		t.CurrentStep,
		t.TotalSteps,
		t.CreatedAt,
		t.LastUpdated,
		parameters,
		metadata,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

func (r *PostgresTaskRepository) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	query := `SELECT` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}

	return t, nil
}

func (r *PostgresTaskRepository) ListTasks(ctx context.Context) ([]*task.Task, error) {
	query := `SELECT` + taskColumns + ` FROM tasks ORDER BY created_at DESC, id DESC`
	return r.queryTasks(ctx, query)
}

func (r *PostgresTaskRepository) GetRecentTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	query := `SELECT` + taskColumns + ` FROM tasks ORDER BY created_at DESC, id DESC LIMIT $1`
	return r.queryTasks(ctx, query, limit)
}

func (r *PostgresTaskRepository) GetTasksByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]*task.Task, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	query := `SELECT` + taskColumns + ` FROM tasks WHERE status = ANY($1) ORDER BY created_at DESC, id DESC`
	return r.queryTasks(ctx, query, pq.Array(values))
}

func (r *PostgresTaskRepository) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	defer closeRows(r.log, rows)

	tasks := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (r *PostgresTaskRepository) CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM tasks GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	defer closeRows(r.log, rows)

	counts := map[task.TaskStatus]int{
		task.PendingStatus:   0,
		task.RunningStatus:   0,
		task.CompletedStatus: 0,
		task.FailedStatus:    0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[task.TaskStatus(status)] = count
	}

	return counts, rows.Err()
}

func (r *PostgresTaskRepository) MarkRunning(ctx context.Context, id int64, startedAt time.Time) error {
	query := `
		UPDATE tasks
		SET status = 'RUNNING',
		    start_time = $2,
		    last_updated = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`
	res, err := r.db.ExecContext(ctx, query, id, startedAt)
	if err != nil {
		return fmt.Errorf("failed to mark task %d running: %w", id, err)
	}

	return r.expectTransition(ctx, res, id)
}

// UpdateProgress persists the phase and metadata of a running task. Progress
// and step only ever move forward.
func (r *PostgresTaskRepository) UpdateProgress(ctx context.Context, t *task.Task) error {
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE tasks
		SET current_phase = $2,
		    current_step = GREATEST(current_step, $3),
		    progress_percentage = GREATEST(progress_percentage, $4),
		    metadata = COALESCE($5, metadata),
		    last_updated = NOW()
		WHERE id = $1 AND status = 'RUNNING'
	`
	res, err := r.db.ExecContext(ctx, query, t.ID, t.CurrentPhase, t.CurrentStep, t.ProgressPercentage, metadata)
	if err != nil {
		return fmt.Errorf("failed to update progress of task %d: %w", t.ID, err)
	}

	return r.expectTransition(ctx, res, t.ID)
}

func (r *PostgresTaskRepository) CompleteTask(ctx context.Context, t *task.Task) error {
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE tasks
		SET status = 'COMPLETED',
		    progress_percentage = 100,
		    current_phase = $2,
		    current_step = GREATEST(current_step, $3),
		    end_time = NOW(),
		    metadata = COALESCE($4, metadata),
		    last_updated = NOW()
		WHERE id = $1 AND status = 'RUNNING'
	`
	res, err := r.db.ExecContext(ctx, query, t.ID, t.CurrentPhase, t.CurrentStep, metadata)
	if err != nil {
		return fmt.Errorf("failed to complete task %d: %w", t.ID, err)
	}

	return r.expectTransition(ctx, res, t.ID)
}

// FailTask moves a pending or running task to FAILED. Terminal tasks are left untouched.
func (r *PostgresTaskRepository) FailTask(ctx context.Context, id int64, reason string, metadata map[string]any) error {
	payload, err := marshalJSON(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE tasks
		SET status = 'FAILED',
		    error_message = $2,
		    end_time = NOW(),
		    metadata = COALESCE($3, metadata),
		    last_updated = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')
	`
	res, err := r.db.ExecContext(ctx, query, id, reason, payload)
	if err != nil {
		return fmt.Errorf("failed to fail task %d: %w", id, err)
	}

	return r.expectTransition(ctx, res, id)
}

func (r *PostgresTaskRepository) RequestCancellation(ctx context.Context, id int64) error {
	query := `
		UPDATE tasks
		SET cancellation_requested = TRUE,
		    last_updated = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to request cancellation of task %d: %w", id, err)
	}

	return r.expectTransition(ctx, res, id)
}

func (r *PostgresTaskRepository) IsCancellationRequested(ctx context.Context, id int64) (bool, error) {
	var requested bool
	err := r.db.QueryRowContext(ctx, `SELECT cancellation_requested FROM tasks WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrTaskNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancellation flag of task %d: %w", id, err)
	}

	return requested, nil
}

// PurgeTerminalBefore deletes completed and failed tasks that ended before cutoff.
func (r *PostgresTaskRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM tasks
		WHERE status IN ('COMPLETED', 'FAILED')
		  AND COALESCE(end_time, created_at) < $1
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}

	return res.RowsAffected()
}

// FailUnfinished marks every PENDING or RUNNING task FAILED and returns their
// ids. Only safe while no run is executing, i.e. before the pools start.
func (r *PostgresTaskRepository) FailUnfinished(ctx context.Context, reason string) ([]int64, error) {
	query := `
		UPDATE tasks
		SET status = 'FAILED',
		    error_message = $1,
		    end_time = NOW(),
		    last_updated = NOW()
		WHERE status IN ('PENDING', 'RUNNING')
		RETURNING id
	`
	rows, err := r.db.QueryContext(ctx, query, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to fail unfinished tasks: %w", err)
	}
	defer closeRows(r.log, rows)

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// expectTransition turns a zero-row update into ErrTaskNotFound or
// ErrInvalidTransition depending on whether the task exists.
func (r *PostgresTaskRepository) expectTransition(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check task %d: %w", id, err)
	}
	if !exists {
		return ErrTaskNotFound
	}

	return fmt.Errorf("task %d: %w", id, ErrInvalidTransition)
}
