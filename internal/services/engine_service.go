package services

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-incidents/internal/analytics"
	"github.com/miradorstack/mirador-incidents/internal/api"
	"github.com/miradorstack/mirador-incidents/internal/incidents"
	"github.com/miradorstack/mirador-incidents/internal/ingest"
	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/scheduler"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

// EngineService implements the gRPC IncidentEngine service.
type EngineService struct {
	logger    *slog.Logger
	ingest    *ingest.Service
	incidents *incidents.Manager
	analytics *analytics.Engine
	resolver  *scheduler.Resolver
	timeout   time.Duration
	latencies *utils.LatencyTracker
}

// NewEngineService constructs the service facade. timeout bounds every store
// round trip made on behalf of a request; zero leaves the caller's deadline.
func NewEngineService(logger *slog.Logger, ingestSvc *ingest.Service, manager *incidents.Manager, engine *analytics.Engine, resolver *scheduler.Resolver, timeout time.Duration) *EngineService {
	return &EngineService{
		logger:    utils.Component(logger, "grpc"),
		ingest:    ingestSvc,
		incidents: manager,
		analytics: engine,
		resolver:  resolver,
		timeout:   timeout,
		latencies: utils.NewLatencyTracker(1024),
	}
}

var _ api.IncidentEngineServer = (*EngineService)(nil)

func (s *EngineService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// toStatus maps the domain error taxonomy onto gRPC codes.
func (s *EngineService) toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch utils.KindOf(err) {
	case utils.KindInvalidInput:
		code = codes.InvalidArgument
	case utils.KindNotFound:
		code = codes.NotFound
	case utils.KindConflict:
		code = codes.Aborted
	case utils.KindUnavailable:
		code = codes.Unavailable
	}
	if code == codes.Internal || code == codes.Unavailable {
		s.logger.Error(op+" failed", slog.Any("error", err))
	}
	return status.Error(code, err.Error())
}

func invalid(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

// Ingest stores one event and runs correlation.
func (s *EngineService) Ingest(ctx context.Context, req *api.IngestRequest) (*api.IngestResponse, error) {
	ev, err := api.FromEventInput(req.Event)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	start := time.Now()
	res, err := s.ingest.Ingest(ctx, ev)
	if err != nil {
		return nil, s.toStatus("ingest", err)
	}
	s.observe(time.Since(start))
	return &api.IngestResponse{Result: res}, nil
}

// IngestBatch stores a batch in timestamp order.
func (s *EngineService) IngestBatch(ctx context.Context, req *api.IngestBatchRequest) (*api.IngestBatchResponse, error) {
	events, err := api.FromEventInputs(req.Events)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	start := time.Now()
	results, err := s.ingest.IngestBatch(ctx, events)
	if err != nil {
		return nil, s.toStatus("ingest batch", err)
	}
	s.observe(time.Since(start))
	return &api.IngestBatchResponse{Results: results}, nil
}

func (s *EngineService) observe(d time.Duration) {
	s.latencies.Observe(d)
	if total := s.latencies.Total(); total%20 == 0 {
		summary := s.latencies.Summary()
		s.logger.Info("ingest latency", slog.Duration("p95", summary.P95), slog.Int("samples", summary.Samples))
	}
}

func (s *EngineService) QueryLogs(ctx context.Context, req *api.QueryLogsRequest) (*api.LogsResponse, error) {
	filter, err := api.FromQueryLogsRequest(req)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	logs, err := s.ingest.QueryLogs(ctx, filter, req.Limit, req.Offset)
	if err != nil {
		return nil, s.toStatus("query logs", err)
	}
	return &api.LogsResponse{Logs: logs}, nil
}

func (s *EngineService) TraceRequest(ctx context.Context, req *api.TraceRequestRequest) (*api.LogsResponse, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	logs, err := s.ingest.TraceRequest(ctx, req.RequestID)
	if err != nil {
		return nil, s.toStatus("trace request", err)
	}
	return &api.LogsResponse{Logs: logs}, nil
}

func (s *EngineService) ListIncidents(ctx context.Context, req *api.ListIncidentsRequest) (*api.ListIncidentsResponse, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var (
		list []*models.Incident
		err  error
	)
	switch req.View {
	case api.ViewCritical:
		list, err = s.incidents.Critical(ctx, req.Limit)
	case api.ViewSLABreached:
		list, err = s.incidents.SLABreached(ctx, req.Limit, req.Offset)
	case api.ViewAll:
		filter, mapErr := api.FromListIncidentsRequest(req)
		if mapErr != nil {
			return nil, invalid(mapErr)
		}
		list, err = s.incidents.List(ctx, filter, req.Limit, req.Offset)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown view %q", req.View)
	}
	if err != nil {
		return nil, s.toStatus("list incidents", err)
	}
	return &api.ListIncidentsResponse{Incidents: list}, nil
}

func (s *EngineService) GetIncident(ctx context.Context, req *api.GetIncidentRequest) (*api.GetIncidentResponse, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	detail, err := s.incidents.Detail(ctx, req.ID)
	if err != nil {
		return nil, s.toStatus("get incident", err)
	}
	if detail == nil {
		return nil, s.toStatus("get incident", utils.NotFound("incidents.detail", "incident "+req.ID+" not found"))
	}
	return &api.GetIncidentResponse{Incident: detail.Incident, Logs: detail.Logs}, nil
}

func (s *EngineService) UpdateIncident(ctx context.Context, req *api.UpdateIncidentRequest) (*api.UpdateIncidentResponse, error) {
	update, err := api.FromUpdateIncidentRequest(req)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	inc, err := s.incidents.Update(ctx, req.ID, update)
	if err != nil {
		return nil, s.toStatus("update incident", err)
	}
	if inc == nil {
		return nil, s.toStatus("update incident", utils.NotFound("incidents.update", "incident "+req.ID+" not found"))
	}
	return &api.UpdateIncidentResponse{Incident: inc}, nil
}

// AutoResolve runs a sweep immediately.
func (s *EngineService) AutoResolve(ctx context.Context, req *api.AutoResolveRequest) (*api.AutoResolveResponse, error) {
	threshold, err := api.InactivityThreshold(req)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.resolver.AutoResolve(ctx, threshold)
	if err != nil {
		return nil, s.toStatus("auto resolve", err)
	}
	return &api.AutoResolveResponse{Result: res}, nil
}

func (s *EngineService) IncidentStats(ctx context.Context, _ *api.IncidentStatsRequest) (*api.IncidentStatsResponse, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	stats, err := s.incidents.Stats(ctx)
	if err != nil {
		return nil, s.toStatus("incident stats", err)
	}
	return &api.IncidentStatsResponse{Stats: stats}, nil
}

func (s *EngineService) ErrorFrequency(ctx context.Context, req *api.AnalyticsRequest) (*api.ErrorFrequencyResponse, error) {
	rng, _, err := api.FromAnalyticsRequest(req)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := s.analytics.ErrorFrequency(ctx, rng)
	if err != nil {
		return nil, s.toStatus("error frequency", err)
	}
	return &api.ErrorFrequencyResponse{Services: out}, nil
}

func (s *EngineService) TopFailingServices(ctx context.Context, req *api.AnalyticsRequest) (*api.ErrorFrequencyResponse, error) {
	rng, _, err := api.FromAnalyticsRequest(req)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := s.analytics.TopFailingServices(ctx, rng, req.Limit)
	if err != nil {
		return nil, s.toStatus("top failing services", err)
	}
	return &api.ErrorFrequencyResponse{Services: out}, nil
}

func (s *EngineService) ErrorTrends(ctx context.Context, req *api.AnalyticsRequest) (*api.ErrorTrendsResponse, error) {
	rng, g, err := api.FromAnalyticsRequest(req)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := s.analytics.ErrorTrends(ctx, rng, g)
	if err != nil {
		return nil, s.toStatus("error trends", err)
	}
	return &api.ErrorTrendsResponse{Points: out}, nil
}

func (s *EngineService) SeverityBreakdown(ctx context.Context, req *api.AnalyticsRequest) (*api.SeverityBreakdownResponse, error) {
	rng, _, err := api.FromAnalyticsRequest(req)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := s.analytics.SeverityBreakdown(ctx, rng)
	if err != nil {
		return nil, s.toStatus("severity breakdown", err)
	}
	return &api.SeverityBreakdownResponse{Severities: out}, nil
}

func (s *EngineService) ServiceHealth(ctx context.Context, req *api.AnalyticsRequest) (*api.ServiceHealthResponse, error) {
	rng, _, err := api.FromAnalyticsRequest(req)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := s.analytics.ServiceHealth(ctx, rng)
	if err != nil {
		return nil, s.toStatus("service health", err)
	}
	return &api.ServiceHealthResponse{Services: out}, nil
}

func (s *EngineService) ErrorCorrelation(ctx context.Context, req *api.AnalyticsRequest) (*api.ErrorCorrelationResponse, error) {
	rng, _, err := api.FromAnalyticsRequest(req)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := s.analytics.ErrorCorrelation(ctx, rng)
	if err != nil {
		return nil, s.toStatus("error correlation", err)
	}
	return &api.ErrorCorrelationResponse{Signatures: out}, nil
}

func (s *EngineService) ErrorSpikes(ctx context.Context, req *api.AnalyticsRequest) (*api.ErrorSpikesResponse, error) {
	rng, g, err := api.FromAnalyticsRequest(req)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := s.analytics.ErrorSpikes(ctx, rng, g)
	if err != nil {
		return nil, s.toStatus("error spikes", err)
	}
	return &api.ErrorSpikesResponse{Spikes: out}, nil
}

func (s *EngineService) LogCounts(ctx context.Context, req *api.AnalyticsRequest) (*api.LogCountsResponse, error) {
	rng, _, err := api.FromAnalyticsRequest(req)
	if err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := s.analytics.LogCounts(ctx, rng)
	if err != nil {
		return nil, s.toStatus("log counts", err)
	}
	return &api.LogCountsResponse{Counts: out}, nil
}

// HealthCheck returns the current health state.
func (s *EngineService) HealthCheck(context.Context, *api.HealthRequest) (*api.HealthResponse, error) {
	return &api.HealthResponse{Status: "SERVING", IngestLatency: s.latencies.Summary()}, nil
}
