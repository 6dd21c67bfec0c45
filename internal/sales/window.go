package sales

import "time"

// Window is an inclusive range of UTC days.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewWindow(start, end time.Time) Window {
	return Window{Start: day(start), End: day(end)}
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Days is the number of calendar days in the window, zero when inverted.
func (w Window) Days() int {
	if w.End.Before(w.Start) {
		return 0
	}
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

func (w Window) Contains(t time.Time) bool {
	d := day(t)
	return !d.Before(w.Start) && !d.After(w.End)
}

// LastDays is the trailing n-day slice of w. Non-positive or over-long n yields w.
func (w Window) LastDays(n int) Window {
	if n <= 0 || n >= w.Days() {
		return w
	}
	return Window{Start: w.End.AddDate(0, 0, -(n - 1)), End: w.End}
}

// LastMonths is the trailing n-month slice of w, clamped to w.
func (w Window) LastMonths(n int) Window {
	if n <= 0 {
		return w
	}
	start := minusMonths(w.End, n).AddDate(0, 0, 1)
	if !start.After(w.Start) {
		return w
	}
	return Window{Start: start, End: w.End}
}

// minusMonths steps back n calendar months, clamping to the target month's last day.
func minusMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m-time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}
