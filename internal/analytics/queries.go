package analytics

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/store"
)

// ServiceErrors counts error-class events for one service.
type ServiceErrors struct {
	ServiceName string    `json:"serviceName"`
	ErrorCount  int       `json:"errorCount"`
	LastErrorAt time.Time `json:"lastErrorAt,omitempty"`
}

// TrendPoint is one bucket of an error trend.
type TrendPoint struct {
	Bucket string    `json:"bucket"`
	Start  time.Time `json:"start"`
	Count  int       `json:"count"`
}

// SeverityCount counts events of one severity.
type SeverityCount struct {
	Severity models.Severity `json:"severity"`
	Count    int             `json:"count"`
}

// ServiceHealth scores a service from its error ratio. Score is in [0, 100].
type ServiceHealth struct {
	ServiceName string  `json:"serviceName"`
	TotalLogs   int     `json:"totalLogs"`
	ErrorCount  int     `json:"errorCount"`
	Score       float64 `json:"healthScore"`
}

// ErrorSignature groups error-class events by service and error code.
type ErrorSignature struct {
	ServiceName   string   `json:"serviceName"`
	ErrorCode     string   `json:"errorCode"`
	Count         int      `json:"count"`
	AffectedUsers []string `json:"affectedUsers"`
	UserCount     int      `json:"userCount"`
}

// LogCount counts events for a (service, severity) pair.
type LogCount struct {
	ServiceName string          `json:"serviceName"`
	Severity    models.Severity `json:"severity"`
	Count       int             `json:"count"`
}

func errorsOnly(rng models.TimeRange) store.LogFilter {
	return store.LogFilter{ErrorClassOnly: true, Range: rng}
}

// ErrorFrequency counts error-class events per service, most errors first.
// Ties are ordered by service name.
func (e *Engine) ErrorFrequency(ctx context.Context, rng models.TimeRange) ([]ServiceErrors, error) {
	const op = "analytics.error_frequency"
	rng, err := e.resolveRange(op, rng, DefaultWindow)
	if err != nil {
		return nil, err
	}
	return run(ctx, e, "error_frequency", rng, "", func(ctx context.Context) ([]ServiceErrors, error) {
		return e.serviceErrors(ctx, op, rng)
	})
}

// TopFailingServices returns the limit services with the most errors and the
// time of each one's latest error.
func (e *Engine) TopFailingServices(ctx context.Context, rng models.TimeRange, limit int) ([]ServiceErrors, error) {
	const op = "analytics.top_failing_services"
	if limit <= 0 {
		limit = 10
	}
	rng, err := e.resolveRange(op, rng, DefaultWindow)
	if err != nil {
		return nil, err
	}
	return run(ctx, e, "top_failing_services", rng, strconv.Itoa(limit), func(ctx context.Context) ([]ServiceErrors, error) {
		out, err := e.serviceErrors(ctx, op, rng)
		if err != nil {
			return nil, err
		}
		if len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

func (e *Engine) serviceErrors(ctx context.Context, op string, rng models.TimeRange) ([]ServiceErrors, error) {
	byService := make(map[string]*ServiceErrors)
	err := e.scan(ctx, op, errorsOnly(rng), func(ev models.LogEvent) {
		entry, ok := byService[ev.ServiceName]
		if !ok {
			entry = &ServiceErrors{ServiceName: ev.ServiceName}
			byService[ev.ServiceName] = entry
		}
		entry.ErrorCount++
		if ev.Timestamp.After(entry.LastErrorAt) {
			entry.LastErrorAt = ev.Timestamp
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]ServiceErrors, 0, len(byService))
	for _, entry := range byService {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ErrorCount != out[j].ErrorCount {
			return out[i].ErrorCount > out[j].ErrorCount
		}
		return out[i].ServiceName < out[j].ServiceName
	})
	return out, nil
}

// ErrorTrends buckets error-class events by granularity in the engine's
// timezone, oldest bucket first. Buckets without events are omitted.
func (e *Engine) ErrorTrends(ctx context.Context, rng models.TimeRange, granularity models.Granularity) ([]TrendPoint, error) {
	const op = "analytics.error_trends"
	if granularity == "" {
		granularity = e.granularity
	}
	rng, err := e.resolveRange(op, rng, DefaultTrendWindow)
	if err != nil {
		return nil, err
	}
	return run(ctx, e, "error_trends", rng, string(granularity), func(ctx context.Context) ([]TrendPoint, error) {
		return e.trend(ctx, op, rng, granularity)
	})
}

func (e *Engine) trend(ctx context.Context, op string, rng models.TimeRange, granularity models.Granularity) ([]TrendPoint, error) {
	buckets := make(map[time.Time]int)
	err := e.scan(ctx, op, errorsOnly(rng), func(ev models.LogEvent) {
		buckets[granularity.Truncate(ev.Timestamp, e.loc)]++
	})
	if err != nil {
		return nil, err
	}
	out := make([]TrendPoint, 0, len(buckets))
	for start, count := range buckets {
		out = append(out, TrendPoint{Bucket: granularity.Label(start), Start: start, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// SeverityBreakdown counts every event by severity, most severe first.
// Severities with no events are omitted.
func (e *Engine) SeverityBreakdown(ctx context.Context, rng models.TimeRange) ([]SeverityCount, error) {
	const op = "analytics.severity_breakdown"
	rng, err := e.resolveRange(op, rng, DefaultWindow)
	if err != nil {
		return nil, err
	}
	return run(ctx, e, "severity_breakdown", rng, "", func(ctx context.Context) ([]SeverityCount, error) {
		counts := make(map[models.Severity]int)
		err := e.scan(ctx, op, store.LogFilter{Range: rng}, func(ev models.LogEvent) {
			counts[ev.Severity]++
		})
		if err != nil {
			return nil, err
		}
		out := make([]SeverityCount, 0, len(counts))
		severities := models.Severities()
		for i := len(severities) - 1; i >= 0; i-- {
			if n := counts[severities[i]]; n > 0 {
				out = append(out, SeverityCount{Severity: severities[i], Count: n})
			}
		}
		return out, nil
	})
}

// ServiceHealth scores every service that logged within rng, worst first.
// Services with no logs in range are absent rather than scored.
func (e *Engine) ServiceHealth(ctx context.Context, rng models.TimeRange) ([]ServiceHealth, error) {
	const op = "analytics.service_health"
	rng, err := e.resolveRange(op, rng, DefaultWindow)
	if err != nil {
		return nil, err
	}
	return run(ctx, e, "service_health", rng, "", func(ctx context.Context) ([]ServiceHealth, error) {
		byService := make(map[string]*ServiceHealth)
		err := e.scan(ctx, op, store.LogFilter{Range: rng}, func(ev models.LogEvent) {
			h, ok := byService[ev.ServiceName]
			if !ok {
				h = &ServiceHealth{ServiceName: ev.ServiceName}
				byService[ev.ServiceName] = h
			}
			h.TotalLogs++
			if ev.Severity.IsErrorClass() {
				h.ErrorCount++
			}
		})
		if err != nil {
			return nil, err
		}
		out := make([]ServiceHealth, 0, len(byService))
		for _, h := range byService {
			if h.TotalLogs == 0 {
				continue
			}
			h.Score = HealthScore(h.ErrorCount, h.TotalLogs)
			out = append(out, *h)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Score != out[j].Score {
				return out[i].Score < out[j].Score
			}
			return out[i].ServiceName < out[j].ServiceName
		})
		return out, nil
	})
}

// HealthScore is (1 - errors/total) * 100. Callers must not pass total <= 0.
func HealthScore(errorCount, total int) float64 {
	return (1 - float64(errorCount)/float64(total)) * 100
}

// ErrorCorrelation groups error-class events by service and error code with
// the distinct users each signature reached, largest first, capped at 20.
func (e *Engine) ErrorCorrelation(ctx context.Context, rng models.TimeRange) ([]ErrorSignature, error) {
	const op = "analytics.error_correlation"
	rng, err := e.resolveRange(op, rng, DefaultWindow)
	if err != nil {
		return nil, err
	}
	return run(ctx, e, "error_correlation", rng, "", func(ctx context.Context) ([]ErrorSignature, error) {
		type group struct {
			count int
			users map[string]struct{}
		}
		groups := make(map[models.CorrelationKey]*group)
		err := e.scan(ctx, op, errorsOnly(rng), func(ev models.LogEvent) {
			key := ev.Key()
			g, ok := groups[key]
			if !ok {
				g = &group{users: make(map[string]struct{})}
				groups[key] = g
			}
			g.count++
			if ev.UserID != "" {
				g.users[ev.UserID] = struct{}{}
			}
		})
		if err != nil {
			return nil, err
		}
		out := make([]ErrorSignature, 0, len(groups))
		for key, g := range groups {
			users := make([]string, 0, len(g.users))
			for u := range g.users {
				users = append(users, u)
			}
			sort.Strings(users)
			out = append(out, ErrorSignature{
				ServiceName:   key.ServiceName,
				ErrorCode:     key.ErrorCode,
				Count:         g.count,
				AffectedUsers: users,
				UserCount:     len(users),
			})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Count != out[j].Count {
				return out[i].Count > out[j].Count
			}
			if out[i].ServiceName != out[j].ServiceName {
				return out[i].ServiceName < out[j].ServiceName
			}
			return out[i].ErrorCode < out[j].ErrorCode
		})
		if len(out) > maxCorrelations {
			out = out[:maxCorrelations]
		}
		return out, nil
	})
}

// LogCounts counts all events by service and severity, largest first.
func (e *Engine) LogCounts(ctx context.Context, rng models.TimeRange) ([]LogCount, error) {
	const op = "analytics.log_counts"
	rng, err := e.resolveRange(op, rng, DefaultWindow)
	if err != nil {
		return nil, err
	}
	return run(ctx, e, "log_counts", rng, "", func(ctx context.Context) ([]LogCount, error) {
		type pair struct {
			service  string
			severity models.Severity
		}
		counts := make(map[pair]int)
		err := e.scan(ctx, op, store.LogFilter{Range: rng}, func(ev models.LogEvent) {
			counts[pair{ev.ServiceName, ev.Severity}]++
		})
		if err != nil {
			return nil, err
		}
		out := make([]LogCount, 0, len(counts))
		for p, n := range counts {
			out = append(out, LogCount{ServiceName: p.service, Severity: p.severity, Count: n})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Count != out[j].Count {
				return out[i].Count > out[j].Count
			}
			if out[i].ServiceName != out[j].ServiceName {
				return out[i].ServiceName < out[j].ServiceName
			}
			return out[i].Severity > out[j].Severity
		})
		return out, nil
	})
}
