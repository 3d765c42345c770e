package geo

import (
	"fmt"
	"math"
)

// FormatDistance renders meters as "N m" below one kilometer and "N.N km"
// otherwise. Negative distances are a caller bug.
func FormatDistance(meters float64) string {
	if meters < 0 {
		panic(fmt.Sprintf("geo: negative distance %v", meters))
	}
	if rounded := math.Round(meters); rounded < 1000 {
		return fmt.Sprintf("%d m", int64(rounded))
	}
	return fmt.Sprintf("%.1f km", meters/1000)
}

// FormatDuration renders seconds as "Hh Mm" from one hour up, else "Mm".
// Minutes are truncated.
func FormatDuration(seconds float64) string {
	if seconds < 0 {
		panic(fmt.Sprintf("geo: negative duration %v", seconds))
	}
	total := int64(seconds)
	hours := total / 3600
	minutes := (total % 3600) / 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
