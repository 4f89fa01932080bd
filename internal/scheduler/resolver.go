// Package scheduler runs the periodic incident sweep: inactive incidents are
// resolved and remaining active ones have their SLA re-evaluated.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-incidents/internal/locks"
	"github.com/miradorstack/mirador-incidents/internal/metrics"
	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/sla"
	"github.com/miradorstack/mirador-incidents/internal/store"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

// DefaultInactivity is how long an incident must be quiet before auto-resolution.
const DefaultInactivity = 60 * time.Minute

// Publisher receives lifecycle events after they are committed.
type Publisher interface {
	Publish(ctx context.Context, ev models.IncidentEvent) error
}

// Pruner drops log events older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Options tunes a Resolver. Zero values select defaults.
type Options struct {
	Inactivity time.Duration
	Interval   time.Duration
	Locker     locks.Locker
	Publisher  Publisher
	// Pruner and Retention enable log retention as part of each sweep.
	Pruner    Pruner
	Retention time.Duration
	Clock     utils.Clock
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Resolved int `json:"resolved"`
	Breached int `json:"breached"`
	// Skipped counts candidates that changed under the sweep and will be
	// reconsidered next tick.
	Skipped    int `json:"skipped"`
	PrunedLogs int `json:"prunedLogs"`
}

// Resolver sweeps the incident store.
type Resolver struct {
	incidents  store.IncidentStore
	monitor    *sla.Monitor
	locker     locks.Locker
	publisher  Publisher
	pruner     Pruner
	retention  time.Duration
	inactivity time.Duration
	interval   time.Duration
	clock      utils.Clock
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewResolver constructs a Resolver. It must share its Locker with the
// correlation engine so a resolve never interleaves with a merge on the same key.
func NewResolver(logger *slog.Logger, incidents store.IncidentStore, monitor *sla.Monitor, opts Options) *Resolver {
	if opts.Inactivity <= 0 {
		opts.Inactivity = DefaultInactivity
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Locker == nil {
		opts.Locker = locks.NewKeyedMutex()
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock
	}
	if monitor == nil {
		monitor = sla.NewMonitor(sla.Policy{})
	}
	return &Resolver{
		incidents:  incidents,
		monitor:    monitor,
		locker:     opts.Locker,
		publisher:  opts.Publisher,
		pruner:     opts.Pruner,
		retention:  opts.Retention,
		inactivity: opts.Inactivity,
		interval:   opts.Interval,
		clock:      opts.Clock,
		logger:     utils.Component(logger, "scheduler"),
		tracer:     otel.Tracer("mirador-incidents/scheduler"),
	}
}

// Run sweeps every interval until ctx is cancelled. A failed sweep is logged
// and retried on the next tick.
func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("auto-resolution scheduler started",
		slog.Duration("interval", r.interval),
		slog.Duration("inactivity", r.inactivity))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("auto-resolution scheduler stopped")
			return
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("sweep failed", slog.Any("error", err))
				continue
			}
			if res.Resolved > 0 || res.Breached > 0 {
				r.logger.Info("sweep completed",
					slog.Int("resolved", res.Resolved),
					slog.Int("breached", res.Breached),
					slog.Int("skipped", res.Skipped))
			}
		}
	}
}

// Sweep runs one pass with the configured inactivity threshold.
func (r *Resolver) Sweep(ctx context.Context) (SweepResult, error) {
	return r.AutoResolve(ctx, r.inactivity)
}

// AutoResolve runs one pass resolving incidents quiet for longer than
// inactivity. Resolving nothing is a normal outcome; the error reports store
// failures, alongside the counts of what did complete.
func (r *Resolver) AutoResolve(ctx context.Context, inactivity time.Duration) (SweepResult, error) {
	if inactivity <= 0 {
		inactivity = r.inactivity
	}
	started := time.Now()
	ctx, span := r.tracer.Start(ctx, "scheduler.sweep", trace.WithAttributes(
		attribute.String("inactivity", inactivity.String()),
	))
	defer span.End()

	now := r.clock()
	var res SweepResult
	var errs []error

	if err := r.resolveInactive(ctx, now, now.Add(-inactivity), &res); err != nil {
		errs = append(errs, err)
	}
	if err := r.checkSLA(ctx, now, &res); err != nil {
		errs = append(errs, err)
	}
	if r.pruner != nil && r.retention > 0 {
		pruned, err := r.pruner.Prune(ctx, now.Add(-r.retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("prune logs: %w", err))
		}
		res.PrunedLogs = pruned
	}

	err := errors.Join(errs...)
	metrics.ObserveSweep(time.Since(started), err)
	metrics.ObserveResolved("inactivity", res.Resolved)
	metrics.ObserveSLABreach(res.Breached)
	span.SetAttributes(
		attribute.Int("resolved", res.Resolved),
		attribute.Int("breached", res.Breached),
		attribute.Int("skipped", res.Skipped),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (r *Resolver) resolveInactive(ctx context.Context, now, cutoff time.Time, res *SweepResult) error {
	candidates, err := r.incidents.Find(ctx, store.IncidentFilter{LastOccurrenceBefore: cutoff}.Active(), 0, 0)
	if err != nil {
		return fmt.Errorf("find inactive incidents: %w", err)
	}
	var errs []error
	for _, cand := range candidates {
		resolved, err := r.resolveOne(ctx, cand, now, cutoff)
		switch {
		case err != nil:
			errs = append(errs, err)
		case resolved != nil:
			res.Resolved++
			r.logger.Info("incident auto-resolved",
				slog.String("incident_id", resolved.ID),
				slog.String("correlation_key", resolved.Key.String()),
				slog.Time("last_occurrence", resolved.LastOccurrence))
			r.publish(ctx, models.EventResolved, resolved, now)
		default:
			res.Skipped++
		}
	}
	return errors.Join(errs...)
}

// resolveOne re-reads the candidate under its key lock and resolves it only if
// it is still active and still quiet. A nil incident without error means skipped.
func (r *Resolver) resolveOne(ctx context.Context, cand *models.Incident, now, cutoff time.Time) (*models.Incident, error) {
	release, err := r.locker.Acquire(ctx, cand.Key.String())
	if err != nil {
		return nil, err
	}
	defer release()

	fresh, err := r.incidents.Get(ctx, cand.ID)
	if err != nil {
		return nil, fmt.Errorf("reload incident %s: %w", cand.ID, err)
	}
	if fresh == nil || !fresh.Status.Active() || !fresh.LastOccurrence.Before(cutoff) {
		return nil, nil
	}
	resolved, err := r.incidents.UpdateStatus(ctx, fresh.ID, store.StatusUpdate{
		Status:          models.StatusResolved,
		At:              now,
		ExpectedVersion: fresh.Version,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalidTransition) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve incident %s: %w", fresh.ID, err)
	}
	return resolved, nil
}

func (r *Resolver) checkSLA(ctx context.Context, now time.Time, res *SweepResult) error {
	notBreached := false
	candidates, err := r.incidents.Find(ctx, store.IncidentFilter{SLABreached: &notBreached}.Active(), 0, 0)
	if err != nil {
		return fmt.Errorf("find incidents within SLA: %w", err)
	}
	var errs []error
	for _, cand := range candidates {
		if !r.monitor.Due(cand, now) {
			continue
		}
		breached, err := r.breachOne(ctx, cand, now)
		switch {
		case err != nil:
			errs = append(errs, err)
		case breached != nil:
			res.Breached++
			r.logger.Info("incident breached SLA",
				slog.String("incident_id", breached.ID),
				slog.String("severity", breached.Severity.String()))
			r.publish(ctx, models.EventSLABreached, breached, now)
		default:
			res.Skipped++
		}
	}
	return errors.Join(errs...)
}

func (r *Resolver) breachOne(ctx context.Context, cand *models.Incident, now time.Time) (*models.Incident, error) {
	release, err := r.locker.Acquire(ctx, cand.Key.String())
	if err != nil {
		return nil, err
	}
	defer release()

	fresh, err := r.incidents.Get(ctx, cand.ID)
	if err != nil {
		return nil, fmt.Errorf("reload incident %s: %w", cand.ID, err)
	}
	if fresh == nil || !r.monitor.Apply(fresh, now) {
		return nil, nil
	}
	stored, err := r.incidents.Upsert(ctx, fresh)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalidTransition) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record SLA breach for %s: %w", fresh.ID, err)
	}
	return stored, nil
}

func (r *Resolver) publish(ctx context.Context, t models.IncidentEventType, inc *models.Incident, at time.Time) {
	if r.publisher == nil {
		return
	}
	_ = r.publisher.Publish(ctx, models.IncidentEvent{Type: t, Incident: inc, At: at})
}
