package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/noos/internal/classify"
	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/repository/models"
)

const resultInsertBatch = 500

const resultColumns = `
	id, category, style_code, rate_of_sale, type, revenue_contribution_pct,
	total_quantity, total_revenue, days_available, days_with_sales,
	avg_discount, consistency, algorithm_run_id, calculated_date`

type ResultRepository interface {
	SaveResults(ctx context.Context, runID int64, results []classify.NoosResult) error
	GetLatestResults(ctx context.Context, limit int) ([]classify.NoosResult, error)
	GetResultsByRun(ctx context.Context, runID int64) ([]classify.NoosResult, error)
	GetResultsByCategory(ctx context.Context, category string, runID int64) ([]classify.NoosResult, error)
	GetResultsByType(ctx context.Context, t classify.Type, runID int64) ([]classify.NoosResult, error)
	CountResults(ctx context.Context) (int, error)
	CountByType(ctx context.Context) (map[classify.Type]int, error)
	GetSummary(ctx context.Context, runID int64) ([]models.TypeSummary, error)
	ListRuns(ctx context.Context, limit int) ([]models.RunInfo, error)
	DeleteRun(ctx context.Context, runID int64) (int64, error)
}

type PostgresResultRepository struct {
	db  *sql.DB
	log *logger.Logger
}

func NewPostgresResultRepository(db *sql.DB, lg *logger.Logger) *PostgresResultRepository {
	return &PostgresResultRepository{db: db, log: orNop(lg)}
}

// SaveResults writes every row of one run in a single transaction. Either all
// rows become visible or none do.
func (r *PostgresResultRepository) SaveResults(ctx context.Context, runID int64, results []classify.NoosResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(r.log, tx, "failed to rollback results", "run_id", runID)

	for start := 0; start < len(results); start += resultInsertBatch {
		end := min(start+resultInsertBatch, len(results))
		query, args := buildResultInsert(runID, results[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert results of run %d: %w", runID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results of run %d: %w", runID, err)
	}

	return nil
}

func buildResultInsert(runID int64, batch []classify.NoosResult) (string, []any) {
	const perRow = 13

	var sb strings.Builder
	sb.WriteString(`INSERT INTO noos_results (
		category, style_code, rate_of_sale, type, revenue_contribution_pct,
		total_quantity, total_revenue, days_available, days_with_sales,
		avg_discount, consistency, algorithm_run_id, calculated_date
	) VALUES `)

	args := make([]any, 0, len(batch)*perRow)
	for i, res := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < perRow; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*perRow+j+1)
		}
		sb.WriteByte(')')

		args = append(args,
			res.Category,
			res.StyleCode,
			res.RateOfSale,
			string(res.Type),
			res.RevenueContributionPct,
			res.TotalQuantity,
			res.TotalRevenue,
			res.DaysAvailable,
			res.DaysWithSales,
			res.AvgDiscount,
			res.Consistency,
			runID,
			res.CalculatedDate,
		)
	}

	return sb.String(), args
}

func (r *PostgresResultRepository) GetLatestResults(ctx context.Context, limit int) ([]classify.NoosResult, error) {
	query := `SELECT` + resultColumns + `
		FROM noos_results
		ORDER BY calculated_date DESC, id DESC
		LIMIT $1`
	return r.queryResults(ctx, query, limit)
}

func (r *PostgresResultRepository) GetResultsByRun(ctx context.Context, runID int64) ([]classify.NoosResult, error) {
	query := `SELECT` + resultColumns + `
		FROM noos_results
		WHERE algorithm_run_id = $1
		ORDER BY category, style_code`
	return r.queryResults(ctx, query, runID)
}

// GetResultsByCategory lists a category's results by revenue contribution.
// runID 0 searches every run.
func (r *PostgresResultRepository) GetResultsByCategory(ctx context.Context, category string, runID int64) ([]classify.NoosResult, error) {
	query := `SELECT` + resultColumns + `
		FROM noos_results
		WHERE category = $1 AND ($2::bigint = 0 OR algorithm_run_id = $2)
		ORDER BY revenue_contribution_pct DESC, style_code`
	return r.queryResults(ctx, query, category, runID)
}

func (r *PostgresResultRepository) GetResultsByType(ctx context.Context, t classify.Type, runID int64) ([]classify.NoosResult, error) {
	query := `SELECT` + resultColumns + `
		FROM noos_results
		WHERE type = $1 AND ($2::bigint = 0 OR algorithm_run_id = $2)
		ORDER BY revenue_contribution_pct DESC, style_code`
	return r.queryResults(ctx, query, string(t), runID)
}

func (r *PostgresResultRepository) queryResults(ctx context.Context, query string, args ...any) ([]classify.NoosResult, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}

	defer closeRows(r.log, rows)

	results := make([]classify.NoosResult, 0)
	for rows.Next() {
		var res classify.NoosResult
		var resultType string
		if err := rows.Scan(
			&res.ID,
			&res.Category,
			&res.StyleCode,
			&res.RateOfSale,
			&resultType,
			&res.RevenueContributionPct,
			&res.TotalQuantity,
			&res.TotalRevenue,
			&res.DaysAvailable,
			&res.DaysWithSales,
			&res.AvgDiscount,
			&res.Consistency,
			&res.AlgorithmRunID,
			&res.CalculatedDate,
		); err != nil {
			return nil, err
		}
		res.Type = classify.Type(resultType)
		results = append(results, res)
	}

	return results, rows.Err()
}

func (r *PostgresResultRepository) CountResults(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM noos_results`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return count, nil
}

func (r *PostgresResultRepository) CountByType(ctx context.Context) (map[classify.Type]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM noos_results GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count results by type: %w", err)
	}

	defer closeRows(r.log, rows)

	counts := make(map[classify.Type]int)
	for rows.Next() {
		var resultType string
		var count int
		if err := rows.Scan(&resultType, &count); err != nil {
			return nil, err
		}
		counts[classify.Type(resultType)] = count
	}

	return counts, rows.Err()
}

// GetSummary aggregates one run per type. runID 0 selects the most recent run.
func (r *PostgresResultRepository) GetSummary(ctx context.Context, runID int64) ([]models.TypeSummary, error) {
	query := `
		SELECT
			type, COUNT(*),
			COALESCE(SUM(total_revenue), 0),
			COALESCE(SUM(total_quantity), 0),
			COALESCE(AVG(rate_of_sale), 0),
			COALESCE(AVG(revenue_contribution_pct), 0)
		FROM noos_results
		WHERE algorithm_run_id = CASE
			WHEN $1::bigint = 0 THEN (SELECT MAX(algorithm_run_id) FROM noos_results)
			ELSE $1
		END
		GROUP BY type
		ORDER BY type
	`
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize results: %w", err)
	}

	defer closeRows(r.log, rows)

	summary := make([]models.TypeSummary, 0)
	for rows.Next() {
		var s models.TypeSummary
		if err := rows.Scan(
			&s.Type,
			&s.Count,
			&s.TotalRevenue,
			&s.TotalQuantity,
			&s.AvgRateOfSale,
			&s.AvgContribution,
		); err != nil {
			return nil, err
		}
		summary = append(summary, s)
	}

	return summary, rows.Err()
}

func (r *PostgresResultRepository) ListRuns(ctx context.Context, limit int) ([]models.RunInfo, error) {
	query := `
		SELECT algorithm_run_id, COUNT(*), MAX(calculated_date)
		FROM noos_results
		GROUP BY algorithm_run_id
		ORDER BY algorithm_run_id DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	defer closeRows(r.log, rows)

	runs := make([]models.RunInfo, 0)
	for rows.Next() {
		var run models.RunInfo
		var calculated time.Time
		if err := rows.Scan(&run.RunID, &run.ResultCount, &calculated); err != nil {
			return nil, err
		}
		run.CalculatedDate = calculated
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (r *PostgresResultRepository) DeleteRun(ctx context.Context, runID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM noos_results WHERE algorithm_run_id = $1`, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete results of run %d: %w", runID, err)
	}
	return res.RowsAffected()
}
