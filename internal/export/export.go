// Package export writes classification results as tab separated files and
// archives completed runs to disk.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/noos/internal/classify"
	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/notify"
	"github.com/nadmax/noos/internal/task"
)

var header = []string{
	"category",
	"style_code",
	"type",
	"rate_of_sale",
	"revenue_contribution_pct",
	"total_quantity",
	"total_revenue",
	"days_available",
	"days_with_sales",
	"avg_discount",
	"consistency",
	"algorithm_run_id",
	"calculated_date",
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// Rows returns the header followed by one record per result.
func Rows(results []classify.NoosResult) [][]string {
	data := make([][]string, 0, len(results)+1)
	data = append(data, header)
	for _, r := range results {
		data = append(data, []string{
			r.Category,
			r.StyleCode,
			string(r.Type),
			formatFloat(r.RateOfSale),
			formatFloat(r.RevenueContributionPct),
			strconv.Itoa(r.TotalQuantity),
			formatFloat(r.TotalRevenue),
			strconv.Itoa(r.DaysAvailable),
			strconv.Itoa(r.DaysWithSales),
			formatFloat(r.AvgDiscount),
			formatFloat(r.Consistency),
			strconv.FormatInt(r.AlgorithmRunID, 10),
			r.CalculatedDate.UTC().Format(time.RFC3339),
		})
	}
	return data
}

func WriteTSV(w io.Writer, results []classify.NoosResult) error {
	writer := csv.NewWriter(w)
	writer.Comma = '\t'
	if err := writer.WriteAll(Rows(results)); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

// Filename is the archive name for a run, stamped with the given time.
func Filename(runID int64, at time.Time) string {
	return fmt.Sprintf("noos_run_%d_%s.tsv", runID, at.Format("20060102_150405"))
}

type Archiver struct {
	dir      string
	notifier notify.Notifier
	log      *logger.Logger
	now      func() time.Time
}

func NewArchiver(dir string, notifier notify.Notifier, log *logger.Logger) *Archiver {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Archiver{
		dir:      dir,
		notifier: notifier,
		log:      log.With("component", "Archiver"),
		now:      time.Now,
	}
}

// Archive writes the run's results to the export directory and sends a
// summary notification. A failed notification does not fail the archive.
func (a *Archiver) Archive(ctx context.Context, t *task.Task, results []classify.NoosResult) error {
	path, err := a.save(t.ID, results)
	if err != nil {
		return fmt.Errorf("failed to archive run %d: %w", t.ID, err)
	}
	a.log.Info("run archived", "run_id", t.ID, "path", path, "rows", len(results))

	subject := fmt.Sprintf("NOOS run %d completed", t.ID)
	if err := a.notifier.Notify(ctx, subject, summary(t, results, path)); err != nil {
		a.log.Warn("run notification failed", "run_id", t.ID, "error", err)
	}
	return nil
}

func (a *Archiver) save(runID int64, results []classify.NoosResult) (path string, err error) {
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return "", err
	}

	path = filepath.Join(a.dir, Filename(runID, a.now()))
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return path, WriteTSV(file, results)
}

func summary(t *task.Task, results []classify.NoosResult, path string) string {
	counts := map[string]int{}
	for _, r := range results {
		counts[string(r.Type)]++
	}
	types := make([]string, 0, len(counts))
	for k := range counts {
		types = append(types, k)
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "Run %d classified %d styles.\n", t.ID, len(results))
	for _, k := range types {
		fmt.Fprintf(&b, "  %s: %d\n", k, counts[k])
	}
	if d := t.Duration(); d > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", d.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "Export: %s\n", path)
	return b.String()
}
