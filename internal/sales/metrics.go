package sales

import "time"

// SaleRow is one raw sales line joined to its SKU, style and store master data.
// StyleCode or Store is empty when the referenced master row is missing.
type SaleRow struct {
	Date      time.Time
	SKU       string
	Store     string
	StyleCode string
	Category  string
	Quantity  int
	Discount  float64
	Revenue   float64
	MRP       float64
}

// IsLiquidation reports whether the row is a clearance sale that must be left
// out of demand analysis. Rows without a usable MRP are never liquidation.
func (r SaleRow) IsLiquidation(thresholdPct float64) bool {
	if r.MRP <= 0 {
		return false
	}
	return r.Discount/r.MRP*100 > thresholdPct
}

// WindowStats are the counters of one style over one window.
type WindowStats struct {
	Quantity      int     `json:"quantity"`
	Revenue       float64 `json:"revenue"`
	DaysAvailable int     `json:"days_available"`
	DaysWithSales int     `json:"days_with_sales"`
}

// RateOfSale is units per available day; zero when nothing was available.
func (s WindowStats) RateOfSale() float64 {
	if s.DaysAvailable <= 0 {
		return 0
	}
	return float64(s.Quantity) / float64(s.DaysAvailable)
}

// Consistency is the share of available days with at least one sale.
func (s WindowStats) Consistency() float64 {
	if s.DaysAvailable <= 0 {
		return 0
	}
	return float64(s.DaysWithSales) / float64(s.DaysAvailable)
}

type StyleMetrics struct {
	StyleCode     string  `json:"style_code"`
	Category      string  `json:"category"`
	TotalQuantity int     `json:"total_quantity"`
	TotalRevenue  float64 `json:"total_revenue"`
	AvgDiscount   float64 `json:"avg_discount"`
	DaysAvailable int     `json:"days_available"`
	DaysWithSales int     `json:"days_with_sales"`
	// Recent covers the bestseller lookback, Core the core lookback.
	Recent        WindowStats `json:"recent"`
	Core          WindowStats `json:"core"`
	StockFallback bool        `json:"stock_fallback"`
}

func (m StyleMetrics) Full() WindowStats {
	return WindowStats{
		Quantity:      m.TotalQuantity,
		Revenue:       m.TotalRevenue,
		DaysAvailable: m.DaysAvailable,
		DaysWithSales: m.DaysWithSales,
	}
}

func (m StyleMetrics) RateOfSale() float64 {
	return m.Full().RateOfSale()
}

type CategoryMetrics struct {
	Category     string         `json:"category"`
	TotalRevenue float64        `json:"total_revenue"`
	Styles       []StyleMetrics `json:"styles"`
}

type Result struct {
	Window         Window            `json:"window"`
	Categories     []CategoryMetrics `json:"categories"`
	RowsRead       int               `json:"rows_read"`
	RowsIncluded   int               `json:"rows_included"`
	RowsLiquidated int               `json:"rows_liquidated"`
	// Warnings counts rows skipped because their SKU, style or store is unknown.
	Warnings            int  `json:"warnings"`
	FallbackStyles      int  `json:"fallback_styles"`
	CalendarUnavailable bool `json:"calendar_unavailable"`
}

func (r *Result) StyleCount() int {
	n := 0
	for _, c := range r.Categories {
		n += len(c.Styles)
	}
	return n
}
