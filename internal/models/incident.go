package models

import (
	"fmt"
	"strings"
	"time"
)

// UnknownErrorCode substitutes for events that carry no error code.
const UnknownErrorCode = "UNKNOWN"

// CorrelationKey groups related error events into one incident.
type CorrelationKey struct {
	ServiceName string `json:"serviceName"`
	ErrorCode   string `json:"errorCode"`
}

// NewCorrelationKey normalises an empty error code to UNKNOWN.
func NewCorrelationKey(service, errorCode string) CorrelationKey {
	code := strings.TrimSpace(errorCode)
	if code == "" {
		code = UnknownErrorCode
	}
	return CorrelationKey{ServiceName: service, ErrorCode: code}
}

func (k CorrelationKey) String() string {
	return k.ServiceName + "|" + k.ErrorCode
}

// Status is the lifecycle stage of an incident.
type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

func (s Status) rank() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusAcknowledged:
		return 1
	case StatusResolved:
		return 2
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() >= 0 }

// Active reports whether an incident in this status still accepts merges.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusAcknowledged
}

// CanTransition reports whether moving from s to next is a forward move.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// ParseStatus converts a case-insensitive status name.
func ParseStatus(value string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(value)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", value)
	}
	return st, nil
}

// Incident aggregates correlated error events.
// Version is the optimistic concurrency token maintained by the incident store.
type Incident struct {
	ID                       string         `json:"id"`
	Key                      CorrelationKey `json:"correlationKey"`
	Title                    string         `json:"title"`
	Description              string         `json:"description"`
	Severity                 Severity       `json:"severity"`
	Status                   Status         `json:"status"`
	LogIDs                   []string       `json:"logIds"`
	ErrorCount               int            `json:"errorCount"`
	AffectedServices         []string       `json:"affectedServices"`
	AffectedServicesOverflow int            `json:"affectedServicesOverflow,omitempty"`
	AffectedUsers            []string       `json:"affectedUsers"`
	AffectedUsersOverflow    int            `json:"affectedUsersOverflow,omitempty"`
	DetectedAt               time.Time      `json:"detectedAt"`
	FirstOccurrence          time.Time      `json:"firstOccurrence"`
	LastOccurrence           time.Time      `json:"lastOccurrence"`
	ResolvedAt               *time.Time     `json:"resolvedAt,omitempty"`
	SLABreached              bool           `json:"slaBreached"`
	BreachTime               *time.Time     `json:"breachTime,omitempty"`
	Tags                     []string       `json:"tags"`
	Assignee                 string         `json:"assignee,omitempty"`
	UpdatedAt                time.Time      `json:"updatedAt"`
	Version                  int64          `json:"version"`
}

// HasLog reports whether id already contributes to the incident.
func (i *Incident) HasLog(id string) bool {
	for _, existing := range i.LogIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of i.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	out := *i
	out.LogIDs = append([]string(nil), i.LogIDs...)
	out.AffectedServices = append([]string(nil), i.AffectedServices...)
	out.AffectedUsers = append([]string(nil), i.AffectedUsers...)
	out.Tags = append([]string(nil), i.Tags...)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		out.ResolvedAt = &t
	}
	if i.BreachTime != nil {
		t := *i.BreachTime
		out.BreachTime = &t
	}
	return &out
}

// RegenerateSummary rewrites the derived title and description.
func (i *Incident) RegenerateSummary() {
	i.Title = fmt.Sprintf("[%s] %s - %d errors detected", i.Key.ErrorCode, i.Key.ServiceName, i.ErrorCount)
	i.Description = fmt.Sprintf("Detected %d related errors across %d service(s) affecting %d user(s)",
		i.ErrorCount, len(i.AffectedServices)+i.AffectedServicesOverflow, len(i.AffectedUsers)+i.AffectedUsersOverflow)
}

// IncidentEventType names a lifecycle change published to notifiers.
type IncidentEventType string

const (
	EventCreated      IncidentEventType = "created"
	EventEscalated    IncidentEventType = "escalated"
	EventSLABreached  IncidentEventType = "sla_breached"
	EventAcknowledged IncidentEventType = "acknowledged"
	EventResolved     IncidentEventType = "resolved"
)

// IncidentEvent is a lifecycle notification.
type IncidentEvent struct {
	Type     IncidentEventType `json:"type"`
	Incident *Incident         `json:"incident"`
	At       time.Time         `json:"at"`
}
