// Package incidents exposes the operator view of incidents: listing, detail
// with contributing logs, status changes and summary statistics.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-incidents/internal/locks"
	"github.com/miradorstack/mirador-incidents/internal/metrics"
	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/rules"
	"github.com/miradorstack/mirador-incidents/internal/store"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

const (
	DefaultListLimit     = 20
	MaxListLimit         = 100
	DefaultCriticalLimit = 10
)

// Publisher receives lifecycle events after they are committed.
type Publisher interface {
	Publish(ctx context.Context, ev models.IncidentEvent) error
}

// Options wires optional collaborators. Locker must be shared with the
// correlation engine and scheduler.
type Options struct {
	Locker    locks.Locker
	Publisher Publisher
	Clock     utils.Clock
}

// Detail is an incident with the log events that contributed to it, newest first.
type Detail struct {
	Incident *models.Incident  `json:"incident"`
	Logs     []models.LogEvent `json:"logs"`
}

// Manager serves operator queries and updates.
type Manager struct {
	incidents store.IncidentStore
	logs      store.LogStore
	locker    locks.Locker
	publisher Publisher
	clock     utils.Clock
	logger    *slog.Logger
}

// NewManager constructs a Manager.
func NewManager(logger *slog.Logger, incidents store.IncidentStore, logs store.LogStore, opts Options) *Manager {
	if opts.Locker == nil {
		opts.Locker = locks.NewKeyedMutex()
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock
	}
	return &Manager{
		incidents: incidents,
		logs:      logs,
		locker:    opts.Locker,
		publisher: opts.Publisher,
		clock:     opts.Clock,
		logger:    utils.Component(logger, "incidents"),
	}
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// List returns incidents matching filter, newest detection first.
func (m *Manager) List(ctx context.Context, filter store.IncidentFilter, limit, offset int) ([]*models.Incident, error) {
	if offset < 0 {
		return nil, utils.InvalidInput("incidents.list", "offset must not be negative")
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, utils.InvalidInput("incidents.list", fmt.Sprintf("unknown status %q", st))
		}
	}
	return m.incidents.Find(ctx, filter, ClampLimit(limit, DefaultListLimit), offset)
}

// Detail returns nil without error when id is unknown.
func (m *Manager) Detail(ctx context.Context, id string) (*Detail, error) {
	if strings.TrimSpace(id) == "" {
		return nil, utils.InvalidInput("incidents.detail", "incident id is required")
	}
	inc, err := m.incidents.Get(ctx, id)
	if err != nil || inc == nil {
		return nil, err
	}
	logs, err := m.logs.Get(ctx, inc.LogIDs)
	if err != nil {
		return nil, fmt.Errorf("load logs for incident %s: %w", id, err)
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Timestamp.After(logs[j].Timestamp) })
	return &Detail{Incident: inc, Logs: logs}, nil
}

// Update applies an operator change under the incident's key lock. Status may
// only move forward; repeating the current status is a no-op. Returns nil
// without error when id is unknown.
func (m *Manager) Update(ctx context.Context, id string, update models.IncidentUpdate) (*models.Incident, error) {
	const op = "incidents.update"
	if strings.TrimSpace(id) == "" {
		return nil, utils.InvalidInput(op, "incident id is required")
	}
	if update.Empty() {
		return nil, utils.InvalidInput(op, "nothing to update")
	}
	if update.Status != nil && !update.Status.Valid() {
		return nil, utils.InvalidInput(op, fmt.Sprintf("unknown status %q", *update.Status))
	}

	current, err := m.incidents.Get(ctx, id)
	if err != nil || current == nil {
		return nil, err
	}
	release, err := m.locker.Acquire(ctx, current.Key.String())
	if err != nil {
		return nil, err
	}
	defer release()

	current, err = m.incidents.Get(ctx, id)
	if err != nil || current == nil {
		return nil, err
	}
	su := store.StatusUpdate{At: m.clock(), Assignee: update.Assignee, ExpectedVersion: current.Version}
	if update.Status != nil {
		su.Status = *update.Status
		if su.Status != current.Status && !current.Status.CanTransition(su.Status) {
			return nil, utils.InvalidInput(op, fmt.Sprintf("cannot move incident from %s to %s", current.Status, su.Status))
		}
	}
	if update.Tags != nil {
		su.Tags = normaliseTags(update.Tags)
	}

	updated, err := m.incidents.UpdateStatus(ctx, id, su)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case errors.Is(err, store.ErrInvalidTransition):
		return nil, utils.InvalidInput(op, err.Error())
	case errors.Is(err, store.ErrConflict):
		return nil, utils.Conflict(op, "incident changed concurrently", err)
	case err != nil:
		return nil, err
	}

	if updated.Status != current.Status {
		m.logger.Info("incident status changed",
			slog.String("incident_id", id),
			slog.String("from", string(current.Status)),
			slog.String("to", string(updated.Status)))
		switch updated.Status {
		case models.StatusAcknowledged:
			m.publish(ctx, models.EventAcknowledged, updated)
		case models.StatusResolved:
			metrics.ObserveResolved("operator", 1)
			m.publish(ctx, models.EventResolved, updated)
		}
	}
	return updated, nil
}

func normaliseTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		out = rules.AppendUnique(out, strings.TrimSpace(tag))
	}
	return out
}

// Critical returns active CRITICAL incidents, newest first.
func (m *Manager) Critical(ctx context.Context, limit int) ([]*models.Incident, error) {
	critical := models.SeverityCritical
	filter := store.IncidentFilter{Severity: &critical}.Active()
	return m.incidents.Find(ctx, filter, ClampLimit(limit, DefaultCriticalLimit), 0)
}

// SLABreached returns active incidents past their SLA, oldest first.
func (m *Manager) SLABreached(ctx context.Context, limit, offset int) ([]*models.Incident, error) {
	breached := true
	filter := store.IncidentFilter{SLABreached: &breached}.Active()
	return m.incidents.Find(ctx, filter, ClampLimit(limit, DefaultListLimit), offset)
}

// Stats summarises the incident population.
func (m *Manager) Stats(ctx context.Context) (models.IncidentStats, error) {
	return m.incidents.Stats(ctx)
}

func (m *Manager) publish(ctx context.Context, t models.IncidentEventType, inc *models.Incident) {
	if m.publisher == nil {
		return
	}
	_ = m.publisher.Publish(ctx, models.IncidentEvent{Type: t, Incident: inc, At: m.clock()})
}
