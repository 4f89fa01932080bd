package utils

import (
	"fmt"
	"strconv"
	"time"
)

// Clock returns the current time; components accept one so tests can pin it.
type Clock func() time.Time

// SystemClock returns time.Now in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseTimestamp accepts RFC3339 text or integer epoch milliseconds.
func ParseTimestamp(value string) (time.Time, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return ParseRFC3339(value)
}

// MinTime returns the earlier of a and b, ignoring zero values.
func MinTime(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

// MaxTime returns the later of a and b.
func MaxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
