// Package notify publishes incident lifecycle events to external sinks.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-incidents/internal/metrics"
	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

// Notifier delivers a single incident event.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev models.IncidentEvent) error
	Close() error
}

// Dispatcher fans events out to every configured notifier. Delivery is best
// effort: failures are logged and counted but never returned to the caller,
// since the incident write that produced the event has already committed.
type Dispatcher struct {
	sinks   []Notifier
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher builds a Dispatcher. A zero timeout defaults to 5s per sink.
func NewDispatcher(logger *slog.Logger, timeout time.Duration, sinks ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	active := make([]Notifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return &Dispatcher{sinks: active, timeout: timeout, logger: utils.Component(logger, "notify")}
}

// Publish delivers ev to each sink and returns the joined delivery errors for
// callers that want them; the engine ignores the result.
func (d *Dispatcher) Publish(ctx context.Context, ev models.IncidentEvent) error {
	if d == nil || len(d.sinks) == 0 {
		return nil
	}
	var errs []error
	for _, sink := range d.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Notify(sinkCtx, ev)
		cancel()
		metrics.ObserveNotification(sink.Name(), err)
		if err != nil {
			d.logger.Warn("incident notification failed",
				slog.String("sink", sink.Name()),
				slog.String("event", string(ev.Type)),
				slog.String("incident_id", incidentID(ev)),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of sinks.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.sinks)
}

func incidentID(ev models.IncidentEvent) string {
	if ev.Incident == nil {
		return ""
	}
	return ev.Incident.ID
}
