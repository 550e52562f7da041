package ports

import (
	"strings"
	"time"
)

// TimeLayout is a fixed-width UTC layout so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and any RFC3339 variant; empty input yields the zero time.
func ParseTime(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, trimmed)
}
