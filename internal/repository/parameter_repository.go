package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/params"
)

type ParameterRepository interface {
	params.Store
	ListParameters(ctx context.Context) ([]params.AlgorithmParameters, error)
	GetParameters(ctx context.Context, id int64) (*params.AlgorithmParameters, error)
	CreateParameters(ctx context.Context, p *params.AlgorithmParameters) error
	UpdateParameters(ctx context.Context, p *params.AlgorithmParameters) error
	ActivateParameters(ctx context.Context, id int64) error
	DeactivateParameters(ctx context.Context, id int64) error
}

type PostgresParameterRepository struct {
	db  *sql.DB
	log *logger.Logger
}

const parameterColumns = `
	id, name, version, liquidation_threshold, bestseller_multiplier,
	min_volume_threshold, consistency_threshold, analysis_start_date,
	analysis_end_date, core_duration_months, bestseller_duration_days,
	is_active, COALESCE(label, ''), created_at, updated_at`

func NewPostgresParameterRepository(db *sql.DB, lg *logger.Logger) *PostgresParameterRepository {
	return &PostgresParameterRepository{db: db, log: orNop(lg)}
}

func scanParameters(s rowScanner) (*params.AlgorithmParameters, error) {
	var p params.AlgorithmParameters
	var start, end sql.NullTime

	if err := s.Scan(
		&p.ID,
		&p.Name,
		&p.Version,
		&p.LiquidationThreshold,
		&p.BestsellerMultiplier,
		&p.MinVolumeThreshold,
		&p.ConsistencyThreshold,
		&start,
		&end,
		&p.CoreDurationMonths,
		&p.BestsellerDurationDays,
		&p.IsActive,
		&p.Label,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if start.Valid {
		p.AnalysisStartDate = params.Day(start.Time)
	}
	if end.Valid {
		p.AnalysisEndDate = params.Day(end.Time)
	}

	return &p, nil
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return params.Day(t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetActive returns the active set registered under name, or params.ErrNotFound.
func (r *PostgresParameterRepository) GetActive(ctx context.Context, name string) (*params.AlgorithmParameters, error) {
	query := `SELECT` + parameterColumns + ` FROM algorithm_parameters WHERE name = $1 AND is_active`

	p, err := scanParameters(r.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, params.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active parameters %q: %w", name, err)
	}

	return p, nil
}

func (r *PostgresParameterRepository) ListParameters(ctx context.Context) ([]params.AlgorithmParameters, error) {
	query := `SELECT` + parameterColumns + ` FROM algorithm_parameters ORDER BY name, version DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list parameters: %w", err)
	}

	defer closeRows(r.log, rows)

	sets := make([]params.AlgorithmParameters, 0)
	for rows.Next() {
		p, err := scanParameters(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, *p)
	}

	return sets, rows.Err()
}

func (r *PostgresParameterRepository) GetParameters(ctx context.Context, id int64) (*params.AlgorithmParameters, error) {
	query := `SELECT` + parameterColumns + ` FROM algorithm_parameters WHERE id = $1`

	p, err := scanParameters(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, params.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parameters %d: %w", id, err)
	}

	return p, nil
}

// CreateParameters stores p as the next version of its name. When p is marked
// active, the previously active set of the same name is deactivated in the
// same transaction.
func (r *PostgresParameterRepository) CreateParameters(ctx context.Context, p *params.AlgorithmParameters) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(r.log, tx, "failed to rollback parameter creation")

	if p.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE algorithm_parameters SET is_active = FALSE, updated_at = NOW() WHERE name = $1 AND is_active`,
			p.Name,
		); err != nil {
			return fmt.Errorf("failed to deactivate parameters %q: %w", p.Name, err)
		}
	}

	query := `
		INSERT INTO algorithm_parameters (
			name, version, liquidation_threshold, bestseller_multiplier,
			min_volume_threshold, consistency_threshold, analysis_start_date,
			analysis_end_date, core_duration_months, bestseller_duration_days,
			is_active, label
		) VALUES (
			$1,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM algorithm_parameters WHERE name = $1),
			$2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING id, version, created_at, updated_at
	`
	err = tx.QueryRowContext(
		ctx,
		query,
		p.Name,
		p.LiquidationThreshold,
		p.BestsellerMultiplier,
		p.MinVolumeThreshold,
		p.ConsistencyThreshold,
		nullDate(p.AnalysisStartDate),
		nullDate(p.AnalysisEndDate),
		p.CoreDurationMonths,
		p.BestsellerDurationDays,
		p.IsActive,
		nullString(p.Label),
	).Scan(&p.ID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create parameters %q: %w", p.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit parameters %q: %w", p.Name, err)
	}

	return nil
}

// UpdateParameters overwrites the thresholds of an existing set and bumps its
// version. Activation state is changed only through Activate/Deactivate.
func (r *PostgresParameterRepository) UpdateParameters(ctx context.Context, p *params.AlgorithmParameters) error {
	query := `
		UPDATE algorithm_parameters
		SET liquidation_threshold = $2,
		    bestseller_multiplier = $3,
		    min_volume_threshold = $4,
		    consistency_threshold = $5,
		    analysis_start_date = $6,
		    analysis_end_date = $7,
		    core_duration_months = $8,
		    bestseller_duration_days = $9,
		    label = $10,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING version, is_active, updated_at
	`
	err := r.db.QueryRowContext(
		ctx,
		query,
		p.ID,
		p.LiquidationThreshold,
		p.BestsellerMultiplier,
		p.MinVolumeThreshold,
		p.ConsistencyThreshold,
		nullDate(p.AnalysisStartDate),
		nullDate(p.AnalysisEndDate),
		p.CoreDurationMonths,
		p.BestsellerDurationDays,
		nullString(p.Label),
	).Scan(&p.Version, &p.IsActive, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return params.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update parameters %d: %w", p.ID, err)
	}

	return nil
}

// ActivateParameters makes id the only active set of its name.
func (r *PostgresParameterRepository) ActivateParameters(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(r.log, tx, "failed to rollback activation", "id", id)

	var name string
	err = tx.QueryRowContext(ctx, `SELECT name FROM algorithm_parameters WHERE id = $1 FOR UPDATE`, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return params.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock parameters %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE algorithm_parameters SET is_active = FALSE, updated_at = NOW() WHERE name = $1 AND is_active AND id <> $2`,
		name, id,
	); err != nil {
		return fmt.Errorf("failed to deactivate parameters %q: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE algorithm_parameters SET is_active = TRUE, updated_at = NOW() WHERE id = $1`,
		id,
	); err != nil {
		return fmt.Errorf("failed to activate parameters %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activation of parameters %d: %w", id, err)
	}

	return nil
}

func (r *PostgresParameterRepository) DeactivateParameters(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE algorithm_parameters SET is_active = FALSE, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate parameters %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return params.ErrNotFound
	}

	return nil
}
