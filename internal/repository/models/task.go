// Package models contains the aggregate read models returned by the repository layer.
package models

import "time"

// TypeSummary aggregates the results of one classification type.
type TypeSummary struct {
	Type            string  `json:"type"`
	Count           int     `json:"count"`
	TotalRevenue    float64 `json:"total_revenue"`
	TotalQuantity   int     `json:"total_quantity"`
	AvgRateOfSale   float64 `json:"avg_rate_of_sale"`
	AvgContribution float64 `json:"avg_revenue_contribution_pct"`
}

type RunInfo struct {
	RunID          int64     `json:"algorithm_run_id"`
	ResultCount    int       `json:"result_count"`
	CalculatedDate time.Time `json:"calculated_date"`
}
