// Package store defines the log and incident persistence contracts consumed by
// the correlation, scheduling and analytics components, plus in-memory backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

var (
	// ErrDuplicate is matched by DuplicateError.
	ErrDuplicate = errors.New("duplicate log event")
	// ErrConflict signals a stale version or an open incident already present for the key.
	ErrConflict = errors.New("incident version conflict")
	// ErrNotFound signals that no incident has the requested id.
	ErrNotFound = errors.New("incident not found")
	// ErrInvalidTransition signals a backward status move.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnavailable signals a timeout or connectivity failure; callers may retry.
	ErrUnavailable = errors.New("store unavailable")
)

// DuplicateError is returned by Append when the event id already exists.
type DuplicateError struct {
	ID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("log event %s already stored", e.ID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// LogFilter selects log events. Zero fields do not constrain the match.
type LogFilter struct {
	Service        string
	Severity       *models.Severity
	ErrorClassOnly bool
	ErrorCode      string
	RequestID      string
	Range          models.TimeRange
}

// Match reports whether ev satisfies every set field.
func (f LogFilter) Match(ev models.LogEvent) bool {
	if f.Service != "" && ev.ServiceName != f.Service {
		return false
	}
	if f.Severity != nil && ev.Severity != *f.Severity {
		return false
	}
	if f.ErrorClassOnly && !ev.Severity.IsErrorClass() {
		return false
	}
	if f.ErrorCode != "" && ev.ErrorCode != f.ErrorCode {
		return false
	}
	if f.RequestID != "" && ev.RequestID != f.RequestID {
		return false
	}
	return f.Range.Contains(ev.Timestamp)
}

// LogStore is an append-only queryable event log.
type LogStore interface {
	// Append stores ev and returns its id, or a *DuplicateError.
	Append(ctx context.Context, ev models.LogEvent) (string, error)
	// Query orders by timestamp descending, or ascending when tracing by request id.
	Query(ctx context.Context, filter LogFilter, limit, offset int) ([]models.LogEvent, error)
	// Get returns the events with the given ids; unknown ids are skipped.
	Get(ctx context.Context, ids []string) ([]models.LogEvent, error)
	// Scan visits every matching event from a point-in-time snapshot.
	Scan(ctx context.Context, filter LogFilter, fn func(models.LogEvent) error) error
	Count(ctx context.Context, filter LogFilter) (int, error)
}

// IncidentFilter selects incidents. Zero fields do not constrain the match.
type IncidentFilter struct {
	Statuses             []models.Status
	Severity             *models.Severity
	Service              string
	SLABreached          *bool
	LastOccurrenceBefore time.Time
}

// Active restricts a filter to OPEN and ACKNOWLEDGED incidents.
func (f IncidentFilter) Active() IncidentFilter {
	f.Statuses = []models.Status{models.StatusOpen, models.StatusAcknowledged}
	return f
}

// Match reports whether inc satisfies every set field.
func (f IncidentFilter) Match(inc *models.Incident) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if inc.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Severity != nil && inc.Severity != *f.Severity {
		return false
	}
	if f.Service != "" && inc.Key.ServiceName != f.Service {
		return false
	}
	if f.SLABreached != nil && inc.SLABreached != *f.SLABreached {
		return false
	}
	if !f.LastOccurrenceBefore.IsZero() && !inc.LastOccurrence.Before(f.LastOccurrenceBefore) {
		return false
	}
	return true
}

// StatusUpdate describes an operator or scheduler change to an incident.
// ExpectedVersion of zero skips the version check.
type StatusUpdate struct {
	Status          models.Status
	At              time.Time
	Assignee        *string
	Tags            []string
	ExpectedVersion int64
}

// IncidentStore is the keyed record of incident state.
type IncidentStore interface {
	// FindOpenByKey returns the active incident for key, or nil when none exists.
	FindOpenByKey(ctx context.Context, key models.CorrelationKey) (*models.Incident, error)
	// FindByLog returns the incident, in any status, that first counted logID,
	// or nil when no incident references it.
	FindByLog(ctx context.Context, logID string) (*models.Incident, error)
	// Get returns nil without error when id is unknown.
	Get(ctx context.Context, id string) (*models.Incident, error)
	// Upsert creates inc when Version is zero and no active incident holds its key,
	// otherwise replaces the stored record only if Version matches. The stored copy
	// is returned with its version advanced. Both paths may fail with ErrConflict.
	Upsert(ctx context.Context, inc *models.Incident) (*models.Incident, error)
	// Find orders by detectedAt descending, or ascending when SLABreached is set.
	Find(ctx context.Context, filter IncidentFilter, limit, offset int) ([]*models.Incident, error)
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*models.Incident, error)
	Stats(ctx context.Context) (models.IncidentStats, error)
}

func checkCtx(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return utils.Unavailable(op, "store call abandoned", errors.Join(ErrUnavailable, err))
	}
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
