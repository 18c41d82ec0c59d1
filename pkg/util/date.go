package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTime accepts RFC3339(Nano), a plain date and unix seconds or milliseconds.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		if ts > 1e11 { // ms
			return time.UnixMilli(ts).UTC(), true
		}
		return time.Unix(ts, 0).UTC(), true
	}
	return time.Time{}, false
}

// ParseTimeDefault parses time or returns default if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}

// PeriodKey formats the calibration period (YYYYMM) a timestamp belongs to.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("200601")
}

// ParsePeriod validates a YYYYMM key and returns the first instant of that month.
func ParsePeriod(key string) (time.Time, error) {
	if len(key) != 6 {
		return time.Time{}, fmt.Errorf("period %q: want YYYYMM", key)
	}
	t, err := time.Parse("200601", key)
	if err != nil {
		return time.Time{}, fmt.Errorf("period %q: %w", key, err)
	}
	return t, nil
}
