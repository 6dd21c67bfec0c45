// Package classify assigns each style an inventory planning bucket from its
// aggregated sales metrics.
//
// Per category the engine computes the average rate-of-sale over the analysis
// window, then evaluates each style in a fixed order, first match wins:
//
//	bestseller: quantity >= min volume AND ros >= multiplier * category average,
//	            and at least one unit sold within the bestseller lookback
//	core:       days with sales / days available >= consistency threshold
//	            over the core lookback
//	fashion:    everything else
//
// Quantity and ros are the analysis-window figures stored on each result, so
// every row can be checked against its own label. Styles with no volume or no
// revenue are always fashion.
package classify

import (
	"context"
	"sort"
	"time"

	"github.com/nadmax/noos/internal/params"
	"github.com/nadmax/noos/internal/sales"
)

type Type string

const (
	BestsellerType Type = "bestseller"
	CoreType       Type = "core"
	FashionType    Type = "fashion"
)

// epsilon absorbs float noise so values sitting exactly on a threshold qualify.
const epsilon = 1e-9

type NoosResult struct {
	ID                     int64     `json:"id,omitempty"`
	Category               string    `json:"category"`
	StyleCode              string    `json:"style_code"`
	RateOfSale             float64   `json:"rate_of_sale"`
	Type                   Type      `json:"type"`
	RevenueContributionPct float64   `json:"revenue_contribution_pct"`
	TotalQuantity          int       `json:"total_quantity"`
	TotalRevenue           float64   `json:"total_revenue"`
	DaysAvailable          int       `json:"days_available"`
	DaysWithSales          int       `json:"days_with_sales"`
	AvgDiscount            float64   `json:"avg_discount"`
	Consistency            float64   `json:"consistency"`
	AlgorithmRunID         int64     `json:"algorithm_run_id"`
	CalculatedDate         time.Time `json:"calculated_date"`
}

type Thresholds struct {
	BestsellerMultiplier float64
	MinVolumeThreshold   float64
	ConsistencyThreshold float64
}

func ThresholdsFrom(p params.AlgorithmParameters) Thresholds {
	return Thresholds{
		BestsellerMultiplier: p.BestsellerMultiplier,
		MinVolumeThreshold:   p.MinVolumeThreshold,
		ConsistencyThreshold: p.ConsistencyThreshold,
	}
}

type Outcome struct {
	Results []NoosResult
	Counts  map[Type]int
}

type Engine struct {
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Classify labels every style in agg. All rows share runID and one calculated date.
func (e *Engine) Classify(ctx context.Context, agg *sales.Result, th Thresholds, runID int64) (*Outcome, error) {
	out := &Outcome{Counts: map[Type]int{}}
	calculated := e.now().UTC()

	categories := append([]sales.CategoryMetrics(nil), agg.Categories...)
	sort.Slice(categories, func(i, j int) bool {
		return categories[i].Category < categories[j].Category
	})

	for _, cat := range categories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		styles := append([]sales.StyleMetrics(nil), cat.Styles...)
		sort.Slice(styles, func(i, j int) bool { return styles[i].StyleCode < styles[j].StyleCode })

		avg := CategoryAverageROS(styles)
		for _, s := range styles {
			t := Decide(s, avg, th)
			out.Counts[t]++
			out.Results = append(out.Results, NoosResult{
				Category:               cat.Category,
				StyleCode:              s.StyleCode,
				RateOfSale:             s.RateOfSale(),
				Type:                   t,
				RevenueContributionPct: contribution(s.TotalRevenue, cat.TotalRevenue),
				TotalQuantity:          s.TotalQuantity,
				TotalRevenue:           s.TotalRevenue,
				DaysAvailable:          s.DaysAvailable,
				DaysWithSales:          s.DaysWithSales,
				AvgDiscount:            s.AvgDiscount,
				Consistency:            s.Core.Consistency(),
				AlgorithmRunID:         runID,
				CalculatedDate:         calculated,
			})
		}
	}

	return out, nil
}

// CategoryAverageROS averages the analysis-window rate-of-sale over styles that
// were available at least one day.
func CategoryAverageROS(styles []sales.StyleMetrics) float64 {
	var sum float64
	n := 0
	for _, s := range styles {
		if s.DaysAvailable <= 0 {
			continue
		}
		sum += s.RateOfSale()
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func Decide(s sales.StyleMetrics, categoryAvg float64, th Thresholds) Type {
	if s.TotalQuantity <= 0 || s.TotalRevenue <= 0 {
		return FashionType
	}
	if IsBestseller(s, categoryAvg, th) {
		return BestsellerType
	}
	if IsCore(s.Core, th) {
		return CoreType
	}
	return FashionType
}

// IsBestseller applies the volume gate and the rate-of-sale bar to the
// analysis-window metrics. A style with no sales inside the lookback is stale
// and never qualifies.
func IsBestseller(s sales.StyleMetrics, categoryAvg float64, th Thresholds) bool {
	if s.TotalQuantity <= 0 || s.DaysAvailable <= 0 || categoryAvg <= 0 {
		return false
	}
	if s.Recent.Quantity <= 0 {
		return false
	}
	if !atLeast(float64(s.TotalQuantity), th.MinVolumeThreshold) {
		return false
	}
	return atLeast(s.RateOfSale(), th.BestsellerMultiplier*categoryAvg)
}

func IsCore(core sales.WindowStats, th Thresholds) bool {
	if core.DaysAvailable <= 0 {
		return false
	}
	return atLeast(core.Consistency(), th.ConsistencyThreshold)
}

func atLeast(v, threshold float64) bool {
	return v >= threshold-epsilon
}

func contribution(styleRevenue, categoryRevenue float64) float64 {
	if categoryRevenue <= 0 {
		return 0
	}
	return styleRevenue / categoryRevenue * 100
}
