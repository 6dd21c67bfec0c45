// Package sales turns raw sales rows into per-style demand metrics over an
// analysis window.
package sales

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nadmax/noos/internal/logger"
)

// cancelCheckEvery bounds how many rows are read between context checks.
const cancelCheckEvery = 1024

// Source streams the sales rows dated inside a window.
type Source interface {
	StreamSales(ctx context.Context, w Window, fn func(SaleRow) error) error
}

// StockCalendar reports, per style code, the days any SKU of the style was stocked.
type StockCalendar interface {
	StockedDays(ctx context.Context, w Window) (map[string][]time.Time, error)
}

type Input struct {
	Window               Window
	LiquidationThreshold float64
	BestsellerDays       int
	CoreMonths           int
}

type Aggregator struct {
	source   Source
	calendar StockCalendar
	log      *logger.Logger
}

// NewAggregator builds an aggregator. calendar may be nil, in which case every
// style is treated as available for the whole window.
func NewAggregator(source Source, calendar StockCalendar, log *logger.Logger) *Aggregator {
	return &Aggregator{
		source:   source,
		calendar: calendar,
		log:      log.With("component", "SalesAggregator"),
	}
}

type styleAcc struct {
	category    string
	discountSum float64
	included    int
	full        counter
	recent      counter
	core        counter
}

type counter struct {
	quantity int
	revenue  float64
	saleDays map[time.Time]struct{}
}

func (c *counter) add(r SaleRow) {
	c.quantity += r.Quantity
	c.revenue += r.Revenue
	if r.Quantity > 0 {
		if c.saleDays == nil {
			c.saleDays = make(map[time.Time]struct{})
		}
		c.saleDays[day(r.Date)] = struct{}{}
	}
}

func (a *Aggregator) Aggregate(ctx context.Context, in Input) (*Result, error) {
	if in.Window.Days() == 0 {
		return nil, fmt.Errorf("empty analysis window %s..%s", in.Window.Start.Format("2006-01-02"), in.Window.End.Format("2006-01-02"))
	}

	recentWindow := in.Window.LastDays(in.BestsellerDays)
	coreWindow := in.Window.LastMonths(in.CoreMonths)

	res := &Result{Window: in.Window}
	styles := make(map[string]*styleAcc)

	err := a.source.StreamSales(ctx, in.Window, func(r SaleRow) error {
		res.RowsRead++
		if res.RowsRead%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if !in.Window.Contains(r.Date) {
			return nil
		}
		if r.StyleCode == "" || r.Store == "" {
			res.Warnings++
			a.log.Debug("skipping sale with unknown master data",
				"sku", r.SKU, "store", r.Store, "date", r.Date.Format("2006-01-02"))
			return nil
		}

		acc, ok := styles[r.StyleCode]
		if !ok {
			acc = &styleAcc{category: r.Category}
			styles[r.StyleCode] = acc
		}

		if r.IsLiquidation(in.LiquidationThreshold) {
			res.RowsLiquidated++
			return nil
		}

		res.RowsIncluded++
		acc.included++
		acc.discountSum += r.Discount
		acc.full.add(r)
		if recentWindow.Contains(r.Date) {
			acc.recent.add(r)
		}
		if coreWindow.Contains(r.Date) {
			acc.core.add(r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read sales: %w", err)
	}

	stocked := a.stockedDays(ctx, in.Window, res)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byCategory := make(map[string]*CategoryMetrics)
	for code, acc := range styles {
		days, known := stocked[code]
		if !known {
			res.FallbackStyles++
		}

		m := StyleMetrics{
			StyleCode:     code,
			Category:      acc.category,
			TotalQuantity: acc.full.quantity,
			TotalRevenue:  acc.full.revenue,
			StockFallback: !known,
		}
		if acc.included > 0 {
			m.AvgDiscount = acc.discountSum / float64(acc.included)
		}

		full := windowStats(acc.full, in.Window, days, known)
		m.DaysAvailable = full.DaysAvailable
		m.DaysWithSales = full.DaysWithSales
		m.Recent = windowStats(acc.recent, recentWindow, days, known)
		m.Core = windowStats(acc.core, coreWindow, days, known)

		cat, ok := byCategory[acc.category]
		if !ok {
			cat = &CategoryMetrics{Category: acc.category}
			byCategory[acc.category] = cat
		}
		cat.TotalRevenue += m.TotalRevenue
		cat.Styles = append(cat.Styles, m)
	}

	res.Categories = make([]CategoryMetrics, 0, len(byCategory))
	for _, cat := range byCategory {
		sort.Slice(cat.Styles, func(i, j int) bool {
			return cat.Styles[i].StyleCode < cat.Styles[j].StyleCode
		})
		res.Categories = append(res.Categories, *cat)
	}
	sort.Slice(res.Categories, func(i, j int) bool {
		return res.Categories[i].Category < res.Categories[j].Category
	})

	if res.Warnings > 0 {
		a.log.Warn("skipped sales with unknown style or store", "rows", res.Warnings)
	}

	a.log.Info("sales aggregated",
		"rows_read", res.RowsRead,
		"rows_included", res.RowsIncluded,
		"rows_liquidated", res.RowsLiquidated,
		"warnings", res.Warnings,
		"styles", len(styles),
		"fallback_styles", res.FallbackStyles,
	)

	return res, nil
}

func (a *Aggregator) stockedDays(ctx context.Context, w Window, res *Result) map[string][]time.Time {
	if a.calendar == nil {
		res.CalendarUnavailable = true
		return nil
	}

	days, err := a.calendar.StockedDays(ctx, w)
	if err != nil {
		res.CalendarUnavailable = true
		a.log.Warn("stock calendar unavailable, using full window as days available", "error", err)
		return nil
	}
	return days
}

// windowStats counts availability inside w. Without calendar data the whole
// window counts as available. Availability never drops below the number of
// days with sales.
func windowStats(c counter, w Window, stocked []time.Time, known bool) WindowStats {
	s := WindowStats{
		Quantity:      c.quantity,
		Revenue:       c.revenue,
		DaysWithSales: len(c.saleDays),
	}

	if known {
		seen := make(map[time.Time]struct{}, len(stocked))
		for _, d := range stocked {
			if w.Contains(d) {
				seen[day(d)] = struct{}{}
			}
		}
		s.DaysAvailable = len(seen)
	} else {
		s.DaysAvailable = w.Days()
	}

	if s.DaysWithSales > s.DaysAvailable {
		s.DaysAvailable = s.DaysWithSales
	}
	return s
}
