package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirador_incidents"

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeDuplicate labels redelivered events.
	OutcomeDuplicate = "duplicate"
	// OutcomeInvalid labels events rejected by validation.
	OutcomeInvalid = "invalid"
)

var (
	eventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Log events received, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	correlationDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_decisions_total",
			Help:      "Correlation outcomes per evaluated event (create, merge, skip).",
		},
		[]string{"decision"},
	)

	correlationConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_conflicts_total",
			Help:      "Optimistic upsert conflicts retried by the correlation engine.",
		},
	)

	correlationEvaluateSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correlation_evaluate_seconds",
			Help:      "Latency of a single correlation evaluation.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		},
	)

	incidentsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_resolved_total",
			Help:      "Incidents moved to RESOLVED, partitioned by reason (inactivity, operator).",
		},
		[]string{"reason"},
	)

	slaBreachesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_breaches_total",
			Help:      "Incidents that crossed their SLA threshold.",
		},
	)

	sweepSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_seconds",
			Help:      "Auto-resolution sweep duration, partitioned by outcome.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	analyticsQuerySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analytics_query_seconds",
			Help:      "Analytics aggregation latency per query.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"query", "outcome"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Incident notifications published, partitioned by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)
)

// Register attaches mirador-incidents collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsIngestedTotal,
		correlationDecisionsTotal,
		correlationConflictsTotal,
		correlationEvaluateSeconds,
		incidentsResolvedTotal,
		slaBreachesTotal,
		sweepSeconds,
		analyticsQuerySeconds,
		notificationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func outcomeLabel(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// ObserveIngest counts one received event.
func ObserveIngest(outcome string) {
	eventsIngestedTotal.WithLabelValues(outcome).Inc()
}

// ObserveDecision records a correlation decision and its latency.
func ObserveDecision(decision string, duration time.Duration) {
	correlationDecisionsTotal.WithLabelValues(decision).Inc()
	correlationEvaluateSeconds.Observe(seconds(duration))
}

// ObserveConflict counts one retried upsert conflict.
func ObserveConflict() {
	correlationConflictsTotal.Inc()
}

// ObserveResolved counts incidents resolved for reason.
func ObserveResolved(reason string, n int) {
	if n <= 0 {
		return
	}
	incidentsResolvedTotal.WithLabelValues(reason).Add(float64(n))
}

// ObserveSLABreach counts incidents newly marked as breached.
func ObserveSLABreach(n int) {
	if n <= 0 {
		return
	}
	slaBreachesTotal.Add(float64(n))
}

// ObserveSweep records a sweep duration.
func ObserveSweep(duration time.Duration, err error) {
	sweepSeconds.WithLabelValues(outcomeLabel(err)).Observe(seconds(duration))
}

// ObserveAnalytics records an analytics query duration.
func ObserveAnalytics(query string, duration time.Duration, err error) {
	analyticsQuerySeconds.WithLabelValues(query, outcomeLabel(err)).Observe(seconds(duration))
}

// ObserveNotification counts a publish attempt on sink.
func ObserveNotification(sink string, err error) {
	notificationsTotal.WithLabelValues(sink, outcomeLabel(err)).Inc()
}
