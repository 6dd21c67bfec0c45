// Package params holds the tunable thresholds of a classification run and
// resolves the snapshot a run executes with.
package params

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

var ErrNotFound = errors.New("parameter set not found")

type AlgorithmParameters struct {
	ID                     int64     `json:"id"`
	Name                   string    `json:"name"`
	Version                int       `json:"version"`
	LiquidationThreshold   float64   `json:"liquidation_threshold"`
	BestsellerMultiplier   float64   `json:"bestseller_multiplier"`
	MinVolumeThreshold     float64   `json:"min_volume_threshold"`
	ConsistencyThreshold   float64   `json:"consistency_threshold"`
	AnalysisStartDate      time.Time `json:"analysis_start_date"`
	AnalysisEndDate        time.Time `json:"analysis_end_date"`
	CoreDurationMonths     int       `json:"core_duration_months"`
	BestsellerDurationDays int       `json:"bestseller_duration_days"`
	IsActive               bool      `json:"is_active"`
	Label                  string    `json:"label,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// ValidationError collects every rule a parameter set violates.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid parameters: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Defaults returns the built-in parameter set with a 90 day window ending on now's date.
func Defaults(now time.Time) AlgorithmParameters {
	end := Day(now)
	return AlgorithmParameters{
		Name:                   "default",
		Version:                1,
		LiquidationThreshold:   50,
		BestsellerMultiplier:   1.2,
		MinVolumeThreshold:     25,
		ConsistencyThreshold:   0.75,
		AnalysisStartDate:      end.AddDate(0, 0, -89),
		AnalysisEndDate:        end,
		CoreDurationMonths:     6,
		BestsellerDurationDays: 90,
	}
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (p AlgorithmParameters) Validate() error {
	verr := &ValidationError{}

	if strings.TrimSpace(p.Name) == "" {
		verr.add("name is required")
	}
	if p.LiquidationThreshold < 0 || p.LiquidationThreshold > 100 {
		verr.add("liquidation_threshold must be within [0, 100], got %v", p.LiquidationThreshold)
	}
	if p.BestsellerMultiplier <= 0 {
		verr.add("bestseller_multiplier must be greater than 0, got %v", p.BestsellerMultiplier)
	}
	if p.MinVolumeThreshold < 0 {
		verr.add("min_volume_threshold must not be negative, got %v", p.MinVolumeThreshold)
	}
	if p.ConsistencyThreshold < 0 || p.ConsistencyThreshold > 1 {
		verr.add("consistency_threshold must be within [0, 1], got %v", p.ConsistencyThreshold)
	}
	if p.AnalysisStartDate.IsZero() || p.AnalysisEndDate.IsZero() {
		verr.add("analysis_start_date and analysis_end_date are required")
	} else if p.AnalysisStartDate.After(p.AnalysisEndDate) {
		verr.add("analysis_start_date %s is after analysis_end_date %s",
			p.AnalysisStartDate.Format(DateLayout), p.AnalysisEndDate.Format(DateLayout))
	}
	if p.CoreDurationMonths < 0 {
		verr.add("core_duration_months must not be negative")
	}
	if p.BestsellerDurationDays < 0 {
		verr.add("bestseller_duration_days must not be negative")
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

// Snapshot flattens the set into the free-form map stored on a Task.
func (p AlgorithmParameters) Snapshot() map[string]any {
	snap := map[string]any{
		"name":                     p.Name,
		"version":                  p.Version,
		"liquidation_threshold":    p.LiquidationThreshold,
		"bestseller_multiplier":    p.BestsellerMultiplier,
		"min_volume_threshold":     p.MinVolumeThreshold,
		"consistency_threshold":    p.ConsistencyThreshold,
		"analysis_start_date":      p.AnalysisStartDate.Format(DateLayout),
		"analysis_end_date":        p.AnalysisEndDate.Format(DateLayout),
		"core_duration_months":     p.CoreDurationMonths,
		"bestseller_duration_days": p.BestsellerDurationDays,
	}
	if p.ID != 0 {
		snap["parameter_set_id"] = p.ID
	}
	if p.Label != "" {
		snap["label"] = p.Label
	}
	return snap
}
