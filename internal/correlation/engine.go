// Package correlation turns error-class log events into deduplicated incidents,
// keeping at most one active incident per (service, error code) key.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-incidents/internal/locks"
	"github.com/miradorstack/mirador-incidents/internal/metrics"
	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/rules"
	"github.com/miradorstack/mirador-incidents/internal/sla"
	"github.com/miradorstack/mirador-incidents/internal/store"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

// Decision is the branch an evaluation took.
type Decision string

const (
	DecisionCreate Decision = "create"
	DecisionMerge  Decision = "merge"
	// DecisionSkip marks events below error class; they never touch incidents.
	DecisionSkip Decision = "skip"
)

// Result reports what Evaluate did. A skipped event carries no Incident unless
// it was a redelivery of an event an incident already counted.
type Result struct {
	Decision Decision
	Incident *models.Incident
	// Attempts counts store round trips, including retried conflicts.
	Attempts int
	// Redelivered is set when the event id already contributed to the incident.
	Redelivered bool
	Escalated   bool
	Breached    bool
}

// Publisher receives lifecycle events after they are committed.
type Publisher interface {
	Publish(ctx context.Context, ev models.IncidentEvent) error
}

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	Locker      locks.Locker
	Router      *rules.RuleEngine
	Publisher   Publisher
	MaxRetries  int
	MaxAffected int
	Clock       utils.Clock
}

const (
	defaultMaxRetries  = 5
	defaultMaxAffected = 1000
)

// Engine evaluates events against the incident store.
type Engine struct {
	incidents   store.IncidentStore
	monitor     *sla.Monitor
	locker      locks.Locker
	router      *rules.RuleEngine
	publisher   Publisher
	maxRetries  int
	maxAffected int
	clock       utils.Clock
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewEngine constructs a correlation engine.
func NewEngine(logger *slog.Logger, incidents store.IncidentStore, monitor *sla.Monitor, opts Options) *Engine {
	if opts.Locker == nil {
		opts.Locker = locks.NewKeyedMutex()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxAffected <= 0 {
		opts.MaxAffected = defaultMaxAffected
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock
	}
	if monitor == nil {
		monitor = sla.NewMonitor(sla.Policy{})
	}
	return &Engine{
		incidents:   incidents,
		monitor:     monitor,
		locker:      opts.Locker,
		router:      opts.Router,
		publisher:   opts.Publisher,
		maxRetries:  opts.MaxRetries,
		maxAffected: opts.MaxAffected,
		clock:       opts.Clock,
		logger:      utils.Component(logger, "correlation"),
		tracer:      otel.Tracer("mirador-incidents/correlation"),
	}
}

// Validate rejects events that cannot be correlated.
func Validate(ev models.LogEvent) error {
	switch {
	case strings.TrimSpace(ev.ServiceName) == "":
		return utils.InvalidInput("correlation.evaluate", "serviceName is required")
	case ev.ID == "":
		return utils.InvalidInput("correlation.evaluate", "event id is required")
	case ev.Timestamp.IsZero():
		return utils.InvalidInput("correlation.evaluate", "timestamp is required")
	case !ev.Severity.Valid():
		return utils.InvalidInput("correlation.evaluate", fmt.Sprintf("invalid severity %d", ev.Severity))
	}
	return nil
}

// Evaluate folds ev into the active incident for its key, creating one when
// none is active. Work for one key is serialised through the locker and every
// write is a compare-and-swap, retried up to the configured bound.
func (e *Engine) Evaluate(ctx context.Context, ev models.LogEvent) (Result, error) {
	if err := Validate(ev); err != nil {
		return Result{}, err
	}
	started := time.Now()
	if !ev.Severity.IsErrorClass() {
		metrics.ObserveDecision(string(DecisionSkip), time.Since(started))
		return Result{Decision: DecisionSkip}, nil
	}

	key := ev.Key()
	ctx, span := e.tracer.Start(ctx, "correlation.evaluate", trace.WithAttributes(
		attribute.String("service", key.ServiceName),
		attribute.String("error_code", key.ErrorCode),
		attribute.String("event_id", ev.ID),
	))
	defer span.End()

	res, err := e.evaluateLocked(ctx, key, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("decision", string(res.Decision)),
		attribute.String("incident_id", res.Incident.ID),
		attribute.Int("attempts", res.Attempts),
	)
	metrics.ObserveDecision(string(res.Decision), time.Since(started))
	if res.Breached {
		metrics.ObserveSLABreach(1)
	}
	e.publish(ctx, res)
	return res, nil
}

func (e *Engine) evaluateLocked(ctx context.Context, key models.CorrelationKey, ev models.LogEvent) (Result, error) {
	release, err := e.locker.Acquire(ctx, key.String())
	if err != nil {
		return Result{}, err
	}
	defer release()

	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		now := e.clock()
		current, err := e.incidents.FindOpenByKey(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("find open incident for %s: %w", key, err)
		}

		var res Result
		if current == nil {
			owner, findErr := e.incidents.FindByLog(ctx, ev.ID)
			if findErr != nil {
				return Result{}, fmt.Errorf("find incident for log %s: %w", ev.ID, findErr)
			}
			if owner != nil {
				// Already counted by an incident that has since been resolved.
				return Result{Decision: DecisionSkip, Incident: owner, Attempts: attempt, Redelivered: true}, nil
			}
			res, err = e.create(ctx, key, ev, now)
		} else {
			res, err = e.merge(ctx, current, ev, now)
		}
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrInvalidTransition) && !errors.Is(err, store.ErrNotFound) {
			return Result{}, err
		}
		lastErr = err
		metrics.ObserveConflict()
		e.logger.Debug("incident upsert conflict, retrying",
			slog.String("correlation_key", key.String()),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	}
	return Result{}, utils.Conflict("correlation.evaluate",
		fmt.Sprintf("gave up on %s after %d attempts", key, e.maxRetries), lastErr)
}

func (e *Engine) create(ctx context.Context, key models.CorrelationKey, ev models.LogEvent, now time.Time) (Result, error) {
	occurred := clamp(ev.Timestamp, now)
	inc := &models.Incident{
		ID:              uuid.NewString(),
		Key:             key,
		Severity:        ev.Severity,
		Status:          models.StatusOpen,
		LogIDs:          []string{ev.ID},
		ErrorCount:      1,
		DetectedAt:      now,
		FirstOccurrence: occurred,
		LastOccurrence:  occurred,
		Tags:            []string{"auto-detected", strings.ToLower(key.ErrorCode)},
	}
	e.addAffected(inc, ev)
	e.router.Route(ev).Apply(inc)
	inc.RegenerateSummary()
	breached := e.monitor.Apply(inc, now)

	stored, err := e.incidents.Upsert(ctx, inc)
	if err != nil {
		return Result{}, err
	}
	e.logger.Info("incident created",
		slog.String("incident_id", stored.ID),
		slog.String("correlation_key", key.String()),
		slog.String("severity", stored.Severity.String()),
		slog.Bool("sla_breached", stored.SLABreached))
	return Result{Decision: DecisionCreate, Incident: stored, Breached: breached}, nil
}

func (e *Engine) merge(ctx context.Context, current *models.Incident, ev models.LogEvent, now time.Time) (Result, error) {
	if current.HasLog(ev.ID) {
		// Redelivery: the contribution is already counted, but elapsed time
		// may still have pushed the incident past its SLA.
		if !e.monitor.Due(current, now) {
			return Result{Decision: DecisionMerge, Incident: current, Redelivered: true}, nil
		}
		e.monitor.Apply(current, now)
		stored, err := e.incidents.Upsert(ctx, current)
		if err != nil {
			return Result{}, err
		}
		return Result{Decision: DecisionMerge, Incident: stored, Redelivered: true, Breached: true}, nil
	}

	inc := current.Clone()
	occurred := clamp(ev.Timestamp, now)
	inc.LogIDs = append(inc.LogIDs, ev.ID)
	inc.ErrorCount = len(inc.LogIDs)
	inc.FirstOccurrence = utils.MinTime(inc.FirstOccurrence, occurred)
	inc.LastOccurrence = utils.MaxTime(inc.LastOccurrence, occurred)
	e.addAffected(inc, ev)

	previous := inc.Severity
	inc.Severity = models.MaxSeverity(inc.Severity, ev.Severity)
	inc.RegenerateSummary()
	breached := e.monitor.Apply(inc, now)

	stored, err := e.incidents.Upsert(ctx, inc)
	if err != nil {
		return Result{}, err
	}
	escalated := stored.Severity > previous
	if escalated {
		e.logger.Info("incident escalated",
			slog.String("incident_id", stored.ID),
			slog.String("from", previous.String()),
			slog.String("to", stored.Severity.String()))
	}
	return Result{Decision: DecisionMerge, Incident: stored, Escalated: escalated, Breached: breached}, nil
}

func (e *Engine) addAffected(inc *models.Incident, ev models.LogEvent) {
	inc.AffectedServices = addCapped(inc.AffectedServices, &inc.AffectedServicesOverflow, ev.ServiceName, e.maxAffected)
	if ev.UserID != "" {
		inc.AffectedUsers = addCapped(inc.AffectedUsers, &inc.AffectedUsersOverflow, ev.UserID, e.maxAffected)
	}
}

// addCapped adds value to set unless present. Once set holds limit members,
// new values only advance overflow, so overflow counts additions beyond the
// cap rather than exact distinct values.
func addCapped(set []string, overflow *int, value string, limit int) []string {
	for _, existing := range set {
		if existing == value {
			return set
		}
	}
	if len(set) >= limit {
		*overflow++
		return set
	}
	return append(set, value)
}

func (e *Engine) publish(ctx context.Context, res Result) {
	if e.publisher == nil || res.Incident == nil {
		return
	}
	at := e.clock()
	send := func(t models.IncidentEventType) {
		_ = e.publisher.Publish(ctx, models.IncidentEvent{Type: t, Incident: res.Incident, At: at})
	}
	if res.Decision == DecisionCreate {
		send(models.EventCreated)
	}
	if res.Escalated {
		send(models.EventEscalated)
	}
	if res.Breached {
		send(models.EventSLABreached)
	}
}

// clamp caps producer timestamps at now so skewed clocks cannot push
// lastOccurrence into the future.
func clamp(ts, now time.Time) time.Time {
	if ts.After(now) {
		return now
	}
	return ts
}
