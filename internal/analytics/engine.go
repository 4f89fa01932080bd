// Package analytics answers read-only, time-windowed aggregations over the
// log store: error frequency, trends, severity mix, service health and error
// signature correlation.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-incidents/internal/cache"
	"github.com/miradorstack/mirador-incidents/internal/metrics"
	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/store"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

const (
	// DefaultWindow applies to health, frequency and correlation queries.
	DefaultWindow = time.Hour
	// DefaultTrendWindow applies to trend and spike queries.
	DefaultTrendWindow = 24 * time.Hour

	maxCorrelations = 20
	cachePrefix     = "analytics:"
)

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	// Cache enables cache-aside result caching when CacheTTL is positive.
	Cache              cache.Provider
	CacheTTL           time.Duration
	Location           *time.Location
	DefaultGranularity models.Granularity
	Clock              utils.Clock
}

// Engine computes aggregations. It holds no state between queries apart from
// the optional result cache.
type Engine struct {
	logs        store.LogStore
	cache       cache.Provider
	ttl         time.Duration
	loc         *time.Location
	granularity models.Granularity
	clock       utils.Clock
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewEngine constructs an analytics engine over logs.
func NewEngine(logger *slog.Logger, logs store.LogStore, opts Options) *Engine {
	if opts.Cache == nil || opts.CacheTTL <= 0 {
		opts.Cache = cache.NoopProvider{}
		opts.CacheTTL = 0
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.DefaultGranularity == "" {
		opts.DefaultGranularity = models.GranularityHour
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock
	}
	return &Engine{
		logs:        logs,
		cache:       opts.Cache,
		ttl:         opts.CacheTTL,
		loc:         opts.Location,
		granularity: opts.DefaultGranularity,
		clock:       opts.Clock,
		logger:      utils.Component(logger, "analytics"),
		tracer:      otel.Tracer("mirador-incidents/analytics"),
	}
}

// resolveRange fills open ends of rng: a missing end is now, a missing start
// is end minus window.
func (e *Engine) resolveRange(op string, rng models.TimeRange, window time.Duration) (models.TimeRange, error) {
	if err := rng.Validate(); err != nil {
		return models.TimeRange{}, utils.InvalidInput(op, err.Error())
	}
	if rng.End.IsZero() {
		rng.End = e.clock()
		if !rng.Start.IsZero() && rng.End.Before(rng.Start) {
			return models.TimeRange{}, utils.InvalidInput(op, "startTime is in the future")
		}
	}
	if rng.Start.IsZero() {
		rng.Start = rng.End.Add(-window)
	}
	return rng, nil
}

// run wraps one query with tracing, metrics and cache-aside lookups. The
// cache key covers the query name, the resolved range and any extra params.
func run[T any](ctx context.Context, e *Engine, query string, rng models.TimeRange, params string, compute func(context.Context) (T, error)) (T, error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "analytics."+query, trace.WithAttributes(
		attribute.String("range.start", rng.Start.Format(time.RFC3339Nano)),
		attribute.String("range.end", rng.End.Format(time.RFC3339Nano)),
	))
	defer span.End()

	key := fmt.Sprintf("%s%s:%d:%d:%s", cachePrefix, query, rng.Start.UnixNano(), rng.End.UnixNano(), params)
	var out T
	if e.ttl > 0 {
		if raw, err := e.cache.Get(ctx, key); err == nil {
			if jsonErr := json.Unmarshal(raw, &out); jsonErr == nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				metrics.ObserveAnalytics(query, time.Since(started), nil)
				return out, nil
			}
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Debug("analytics cache read failed", slog.String("query", query), slog.Any("error", err))
		}
	}

	out, err := compute(ctx)
	metrics.ObserveAnalytics(query, time.Since(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var zero T
		return zero, err
	}

	if e.ttl > 0 {
		if raw, jsonErr := json.Marshal(out); jsonErr == nil {
			if setErr := e.cache.Set(ctx, key, raw, e.ttl); setErr != nil {
				e.logger.Debug("analytics cache write failed", slog.String("query", query), slog.Any("error", setErr))
			}
		}
	}
	return out, nil
}

// scan visits matching events, converting store failures into retryable errors.
func (e *Engine) scan(ctx context.Context, op string, filter store.LogFilter, fn func(models.LogEvent)) error {
	err := e.logs.Scan(ctx, filter, func(ev models.LogEvent) error {
		fn(ev)
		return nil
	})
	if err == nil {
		return nil
	}
	if utils.KindOf(err) != utils.KindInternal {
		return err
	}
	return utils.Unavailable(op, "log store scan failed", err)
}
