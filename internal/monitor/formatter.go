package monitor

import (
	"fmt"
	"time"
)

// FormatUnits formats a budget amount as "950", "12.3K" or "4.1M".
func FormatUnits(units int64) string {
	switch {
	case units >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(units)/1_000_000)
	case units >= 1_000:
		return fmt.Sprintf("%.1fK", float64(units)/1_000)
	default:
		return fmt.Sprintf("%d", units)
	}
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatDuration formats d as "Xh Ym", "Xm Ys" or "X.Xs".
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	hours := int64(d / time.Hour)
	minutes := int64(d%time.Hour) / int64(time.Minute)
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	seconds := int64(d%time.Minute) / int64(time.Second)
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
