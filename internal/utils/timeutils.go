package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseRFC3339Optional behaves like ParseRFC3339 but treats an empty string
// as the zero time rather than an error. Used for optional endsAt fields.
func ParseRFC3339Optional(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return ParseRFC3339(value)
}

// MaxTime returns the later of two timestamps.
func MaxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
