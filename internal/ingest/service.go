package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-incidents/internal/correlation"
	"github.com/miradorstack/mirador-incidents/internal/metrics"
	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/store"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Evaluator folds an event into incident state.
type Evaluator interface {
	Evaluate(ctx context.Context, ev models.LogEvent) (correlation.Result, error)
}

// Result reports what happened to one ingested event.
type Result struct {
	EventID    string               `json:"id"`
	Duplicate  bool                 `json:"duplicate,omitempty"`
	Decision   correlation.Decision `json:"decision"`
	IncidentID string               `json:"incidentId,omitempty"`
}

// Service appends events and runs correlation.
type Service struct {
	logs      store.LogStore
	evaluator Evaluator
	logger    *slog.Logger
}

// NewService constructs the ingestion service.
func NewService(logger *slog.Logger, logs store.LogStore, evaluator Evaluator) *Service {
	return &Service{logs: logs, evaluator: evaluator, logger: utils.Component(logger, "ingest")}
}

// Ingest validates, stores and correlates one event. An event whose id is
// already stored is treated as a redelivery: correlation still runs and is
// idempotent on the event id.
func (s *Service) Ingest(ctx context.Context, ev models.LogEvent) (Result, error) {
	ev, err := Normalize(ev)
	if err != nil {
		metrics.ObserveIngest(metrics.OutcomeInvalid)
		return Result{}, err
	}
	return s.ingest(ctx, ev)
}

// IngestBatch validates every event before writing any, then ingests them in
// timestamp order. On a store failure the results gathered so far are
// returned with the error; retrying the whole batch is safe.
func (s *Service) IngestBatch(ctx context.Context, events []models.LogEvent) ([]Result, error) {
	normalized, err := NormalizeBatch(events)
	if err != nil {
		metrics.ObserveIngest(metrics.OutcomeInvalid)
		return nil, err
	}
	sort.SliceStable(normalized, func(i, j int) bool {
		return normalized[i].Timestamp.Before(normalized[j].Timestamp)
	})

	results := make([]Result, 0, len(normalized))
	for _, ev := range normalized {
		res, err := s.ingest(ctx, ev)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) ingest(ctx context.Context, ev models.LogEvent) (Result, error) {
	res := Result{EventID: ev.ID}
	if _, err := s.logs.Append(ctx, ev); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			metrics.ObserveIngest(metrics.OutcomeError)
			s.logger.Error("log append failed", slog.String("event_id", ev.ID), slog.Any("error", err))
			return res, err
		}
		if err := s.checkRedelivery(ctx, ev); err != nil {
			return res, err
		}
		res.Duplicate = true
	}

	decision, err := s.evaluator.Evaluate(ctx, ev)
	if err != nil {
		metrics.ObserveIngest(metrics.OutcomeError)
		s.logger.Error("correlation failed",
			slog.String("event_id", ev.ID),
			slog.String("correlation_key", ev.Key().String()),
			slog.Any("error", err))
		return res, err
	}
	res.Decision = decision.Decision
	if decision.Incident != nil {
		res.IncidentID = decision.Incident.ID
	}

	if res.Duplicate {
		metrics.ObserveIngest(metrics.OutcomeDuplicate)
	} else {
		metrics.ObserveIngest(metrics.OutcomeSuccess)
	}
	return res, nil
}

// checkRedelivery accepts a reused id only when it names the event already
// stored; any other payload under that id is rejected without correlating.
func (s *Service) checkRedelivery(ctx context.Context, ev models.LogEvent) error {
	stored, err := s.logs.Get(ctx, []string{ev.ID})
	if err != nil {
		metrics.ObserveIngest(metrics.OutcomeError)
		return err
	}
	if len(stored) == 1 && sameEvent(stored[0], ev) {
		return nil
	}
	metrics.ObserveIngest(metrics.OutcomeInvalid)
	s.logger.Warn("event id reused for a different event", slog.String("event_id", ev.ID))
	return utils.InvalidInput("ingest.append", fmt.Sprintf("event id %s already identifies a different event", ev.ID))
}

func sameEvent(a, b models.LogEvent) bool {
	return a.Key() == b.Key() &&
		a.Severity == b.Severity &&
		a.Timestamp.Equal(b.Timestamp)
}

// QueryLogs returns stored events matching filter, newest first.
func (s *Service) QueryLogs(ctx context.Context, filter store.LogFilter, limit, offset int) ([]models.LogEvent, error) {
	if err := filter.Range.Validate(); err != nil {
		return nil, utils.InvalidInput("ingest.query_logs", err.Error())
	}
	if offset < 0 {
		return nil, utils.InvalidInput("ingest.query_logs", "offset must not be negative")
	}
	return s.logs.Query(ctx, filter, clamp(limit), offset)
}

// TraceRequest returns every event sharing requestID, oldest first.
func (s *Service) TraceRequest(ctx context.Context, requestID string) ([]models.LogEvent, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, utils.InvalidInput("ingest.trace_request", "requestId is required")
	}
	return s.logs.Query(ctx, store.LogFilter{RequestID: requestID}, 0, 0)
}

func clamp(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
