package utils

import "fmt"

// FormatDuration formats milliseconds into HH:MM:SS format
func FormatDuration(totalMs int64) string {
	totalSeconds := totalMs / 1000
	h := totalSeconds / 3600
	m := (totalSeconds % 3600) / 60
	s := totalSeconds % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// FormatHours formats milliseconds as fractional hours, e.g. "10.2h"
func FormatHours(totalMs int64) string {
	return fmt.Sprintf("%.1fh", float64(totalMs)/3600000)
}
