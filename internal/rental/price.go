package rental

import (
	"math"
	"time"
)

// Tariff components. Whole weeks, days and hours are charged flat; anything shorter than a full hour is free.
const (
	pricePerWeek = 10.0
	pricePerDay  = 2.0
	pricePerHour = 0.1
)

// Price computes the charge for a rental running from start to end, plus any extra charge, rounded to cents. The
// duration is decomposed greedily into whole weeks, days and hours; the sub-hour remainder is not billed.
func Price(start, end time.Time, extra float64) float64 {
	elapsed := end.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	weeks := elapsed / (7 * 24 * time.Hour)
	elapsed -= weeks * 7 * 24 * time.Hour
	days := elapsed / (24 * time.Hour)
	elapsed -= days * 24 * time.Hour
	hours := elapsed / time.Hour

	total := float64(weeks)*pricePerWeek + float64(days)*pricePerDay + float64(hours)*pricePerHour + extra
	return math.Round(total*100) / 100
}
