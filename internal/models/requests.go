package models

import (
	"fmt"
	"strings"
	"time"
)

// TimeRange bounds an analytics or query window. Zero values are open ends.
type TimeRange struct {
	Start time.Time `json:"startTime,omitempty"`
	End   time.Time `json:"endTime,omitempty"`
}

// Contains reports whether t falls inside the inclusive range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Validate rejects ranges whose end precedes their start.
func (r TimeRange) Validate() error {
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return fmt.Errorf("endTime %s precedes startTime %s", r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Granularity is the bucket width of a trend query.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

// ParseGranularity converts a case-insensitive granularity name.
func ParseGranularity(value string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(value)))
	switch g {
	case GranularityMinute, GranularityHour, GranularityDay:
		return g, nil
	}
	return "", fmt.Errorf("unknown granularity %q", value)
}

// Truncate floors t to the start of its bucket in loc.
func (g Granularity) Truncate(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	switch g {
	case GranularityMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	}
}

// Label formats a bucket start for display.
func (g Granularity) Label(bucket time.Time) string {
	switch g {
	case GranularityMinute:
		return bucket.Format("2006-01-02 15:04")
	case GranularityDay:
		return bucket.Format("2006-01-02")
	default:
		return bucket.Format("2006-01-02 15:00")
	}
}

// IncidentUpdate carries operator-supplied incident changes.
type IncidentUpdate struct {
	Status   *Status  `json:"status,omitempty"`
	Assignee *string  `json:"assignee,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u IncidentUpdate) Empty() bool {
	return u.Status == nil && u.Assignee == nil && u.Tags == nil
}

// IncidentStats summarises the incident population.
type IncidentStats struct {
	Total        int              `json:"total"`
	Open         int              `json:"open"`
	Acknowledged int              `json:"acknowledged"`
	Resolved     int              `json:"resolved"`
	SLABreached  int              `json:"slaBreached"`
	BySeverity   map[Severity]int `json:"bySeverity"`
	TopServices  []ServiceCount   `json:"topServices"`
}

// ServiceCount pairs a service with a count.
type ServiceCount struct {
	ServiceName string `json:"serviceName"`
	Count       int    `json:"count"`
}
