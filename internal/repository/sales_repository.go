package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/sales"
)

// PostgresSalesSource streams sales rows joined to their SKU, style and store.
// Missing master rows surface as empty codes so the aggregator can count them.
type PostgresSalesSource struct {
	db  *sql.DB
	log *logger.Logger
}

func NewPostgresSalesSource(db *sql.DB, lg *logger.Logger) *PostgresSalesSource {
	return &PostgresSalesSource{db: db, log: orNop(lg)}
}

func (s *PostgresSalesSource) StreamSales(ctx context.Context, w sales.Window, fn func(sales.SaleRow) error) error {
	query := `
		SELECT
			s.sale_date, s.sku_code,
			COALESCE(st.store_code, ''),
			COALESCE(sy.style_code, ''),
			COALESCE(sy.category, ''),
			s.quantity, s.discount, s.revenue,
			COALESCE(k.mrp, 0)
		FROM sales s
		LEFT JOIN skus k ON k.sku_code = s.sku_code
		LEFT JOIN styles sy ON sy.id = k.style_id
		LEFT JOIN stores st ON st.store_code = s.store_code
		WHERE s.sale_date BETWEEN $1 AND $2
		ORDER BY s.sale_date, s.id
	`
	rows, err := s.db.QueryContext(ctx, query, w.Start, w.End)
	if err != nil {
		return fmt.Errorf("failed to query sales: %w", err)
	}

	defer closeRows(s.log, rows)

	for rows.Next() {
		var r sales.SaleRow
		if err := rows.Scan(
			&r.Date,
			&r.SKU,
			&r.Store,
			&r.StyleCode,
			&r.Category,
			&r.Quantity,
			&r.Discount,
			&r.Revenue,
			&r.MRP,
		); err != nil {
			return fmt.Errorf("failed to scan sale row: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}

	return rows.Err()
}

// PostgresStockCalendar reads the days each style was on the shelf.
type PostgresStockCalendar struct {
	db  *sql.DB
	log *logger.Logger
}

func NewPostgresStockCalendar(db *sql.DB, lg *logger.Logger) *PostgresStockCalendar {
	return &PostgresStockCalendar{db: db, log: orNop(lg)}
}

func (c *PostgresStockCalendar) StockedDays(ctx context.Context, w sales.Window) (map[string][]time.Time, error) {
	query := `
		SELECT style_code, stock_date
		FROM style_stock_days
		WHERE stock_date BETWEEN $1 AND $2
		ORDER BY style_code, stock_date
	`
	rows, err := c.db.QueryContext(ctx, query, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock calendar: %w", err)
	}

	defer closeRows(c.log, rows)

	days := make(map[string][]time.Time)
	for rows.Next() {
		var style string
		var day time.Time
		if err := rows.Scan(&style, &day); err != nil {
			return nil, err
		}
		days[style] = append(days[style], day)
	}

	return days, rows.Err()
}
