package logger

import (
	"strings"
	"time"
)

// RoundMS rounds duration to whole milliseconds so log lines stay compact.
func RoundMS(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d.Round(time.Millisecond)
}

// SummarizeStrings renders up to limit values as a comma list and reports
// whether any were dropped.
func SummarizeStrings(values []string, limit int) (string, bool) {
	if limit <= 0 {
		return "", len(values) > 0
	}
	shown := values
	truncated := false
	if len(shown) > limit {
		shown = shown[:limit]
		truncated = true
	}
	return strings.Join(shown, ", "), truncated
}

// MaskNumber hides the middle of a phone-number session id, keeping enough
// of both ends to correlate log lines without logging the full number.
func MaskNumber(number string) string {
	if len(number) <= 6 {
		return number
	}
	return number[:4] + strings.Repeat("*", len(number)-6) + number[len(number)-2:]
}
