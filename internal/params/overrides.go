package params

import (
	"fmt"
	"strings"
	"time"
)

// Overrides is the submission payload. Nil or empty fields keep the base value.
type Overrides struct {
	LiquidationThreshold   *float64 `json:"liquidation_threshold"`
	BestsellerMultiplier   *float64 `json:"bestseller_multiplier"`
	MinVolumeThreshold     *float64 `json:"min_volume_threshold"`
	ConsistencyThreshold   *float64 `json:"consistency_threshold"`
	AnalysisStartDate      string   `json:"analysis_start_date"`
	AnalysisEndDate        string   `json:"analysis_end_date"`
	CoreDurationMonths     *int     `json:"core_duration_months"`
	BestsellerDurationDays *int     `json:"bestseller_duration_days"`
	Label                  string   `json:"label"`
}

// Apply returns base with the overrides applied. Malformed dates are reported as a
// ValidationError.
func (o Overrides) Apply(base AlgorithmParameters) (AlgorithmParameters, error) {
	out := base
	verr := &ValidationError{}

	if o.LiquidationThreshold != nil {
		out.LiquidationThreshold = *o.LiquidationThreshold
	}
	if o.BestsellerMultiplier != nil {
		out.BestsellerMultiplier = *o.BestsellerMultiplier
	}
	if o.MinVolumeThreshold != nil {
		out.MinVolumeThreshold = *o.MinVolumeThreshold
	}
	if o.ConsistencyThreshold != nil {
		out.ConsistencyThreshold = *o.ConsistencyThreshold
	}
	if o.CoreDurationMonths != nil {
		out.CoreDurationMonths = *o.CoreDurationMonths
	}
	if o.BestsellerDurationDays != nil {
		out.BestsellerDurationDays = *o.BestsellerDurationDays
	}
	if o.AnalysisStartDate != "" {
		d, err := ParseDate(o.AnalysisStartDate)
		if err != nil {
			verr.add("analysis_start_date: %v", err)
		} else {
			out.AnalysisStartDate = d
		}
	}
	if o.AnalysisEndDate != "" {
		d, err := ParseDate(o.AnalysisEndDate)
		if err != nil {
			verr.add("analysis_end_date: %v", err)
		} else {
			out.AnalysisEndDate = d
		}
	}
	if o.Label != "" {
		out.Label = o.Label
	}

	if len(verr.Problems) > 0 {
		return base, verr
	}
	return out, nil
}

// ParseDate accepts YYYY-MM-DD or an RFC3339 timestamp and returns the UTC day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.Parse(DateLayout, s); err == nil {
		return d, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", s)
	}
	return Day(t), nil
}
