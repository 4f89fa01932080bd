package services

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/miradorstack/mirador-incidents/internal/analytics"
	"github.com/miradorstack/mirador-incidents/internal/api"
	"github.com/miradorstack/mirador-incidents/internal/correlation"
	"github.com/miradorstack/mirador-incidents/internal/incidents"
	"github.com/miradorstack/mirador-incidents/internal/ingest"
	"github.com/miradorstack/mirador-incidents/internal/locks"
	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/scheduler"
	"github.com/miradorstack/mirador-incidents/internal/sla"
	"github.com/miradorstack/mirador-incidents/internal/store"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func startService(t *testing.T, now time.Time) *api.Client {
	t.Helper()
	clock := func() time.Time { return now }
	logs := store.NewMemoryLogStore(0)
	incidentStore := store.NewMemoryIncidentStore()
	locker := locks.NewKeyedMutex()
	monitor := sla.NewMonitor(sla.Policy{Default: time.Minute})

	engine := correlation.NewEngine(nil, incidentStore, monitor, correlation.Options{Locker: locker, Clock: clock})
	svc := NewEngineService(nil,
		ingest.NewService(nil, logs, engine),
		incidents.NewManager(nil, incidentStore, logs, incidents.Options{Locker: locker, Clock: clock}),
		analytics.NewEngine(nil, logs, analytics.Options{Clock: clock}),
		scheduler.NewResolver(nil, incidentStore, monitor, scheduler.Options{Locker: locker, Clock: clock}),
		time.Second,
	)

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	api.RegisterIncidentEngineServer(server, svc)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return api.NewClient(conn)
}

func paymentEvent(id string, offset time.Duration) *api.LogEventInput {
	return &api.LogEventInput{
		ID:          id,
		ServiceName: "payment-service",
		Severity:    "ERROR",
		Message:     "gateway timeout",
		ErrorCode:   "PAYMENT_TIMEOUT",
		UserID:      "user-" + id,
		Timestamp:   base.Add(offset).Format(time.RFC3339),
	}
}

func TestPaymentTimeoutsBecomeOneBreachedIncident(t *testing.T) {
	client := startService(t, base.Add(3*time.Minute))
	ctx := context.Background()

	var incidentID string
	for i, offset := range []time.Duration{0, time.Minute, 2 * time.Minute} {
		resp, err := client.Ingest(ctx, &api.IngestRequest{Event: paymentEvent(string(rune('a'+i)), offset)})
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, correlation.DecisionCreate, resp.Result.Decision)
			incidentID = resp.Result.IncidentID
		} else {
			assert.Equal(t, correlation.DecisionMerge, resp.Result.Decision)
			assert.Equal(t, incidentID, resp.Result.IncidentID)
		}
	}

	got, err := client.GetIncident(ctx, &api.GetIncidentRequest{ID: incidentID})
	require.NoError(t, err)
	assert.Equal(t, 3, got.Incident.ErrorCount)
	assert.True(t, got.Incident.SLABreached)
	assert.Equal(t, models.SeverityError, got.Incident.Severity)
	require.Len(t, got.Logs, 3)
	assert.Equal(t, "c", got.Logs[0].ID)

	stats, err := client.IncidentStats(ctx, &api.IncidentStatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stats.Open)
	assert.Equal(t, 1, stats.Stats.SLABreached)

	health, err := client.HealthCheck(ctx, &api.HealthRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, health.IngestLatency.Samples)
}

func TestResolvedIncidentIsNeverReopened(t *testing.T) {
	client := startService(t, base.Add(time.Hour))
	ctx := context.Background()

	first, err := client.Ingest(ctx, &api.IngestRequest{Event: paymentEvent("a", 0)})
	require.NoError(t, err)

	resolved := "RESOLVED"
	upd, err := client.UpdateIncident(ctx, &api.UpdateIncidentRequest{ID: first.Result.IncidentID, Status: &resolved})
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, upd.Incident.Status)
	require.NotNil(t, upd.Incident.ResolvedAt)

	second, err := client.Ingest(ctx, &api.IngestRequest{Event: paymentEvent("b", time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, correlation.DecisionCreate, second.Result.Decision)
	assert.NotEqual(t, first.Result.IncidentID, second.Result.IncidentID)

	open, err := client.ListIncidents(ctx, &api.ListIncidentsRequest{Status: "OPEN"})
	require.NoError(t, err)
	require.Len(t, open.Incidents, 1)
	assert.Equal(t, second.Result.IncidentID, open.Incidents[0].ID)

	reopen := "OPEN"
	_, err = client.UpdateIncident(ctx, &api.UpdateIncidentRequest{ID: first.Result.IncidentID, Status: &reopen})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestErrorCodes(t *testing.T) {
	client := startService(t, base)
	ctx := context.Background()

	_, err := client.GetIncident(ctx, &api.GetIncidentRequest{ID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	ack := "ACKNOWLEDGED"
	_, err = client.UpdateIncident(ctx, &api.UpdateIncidentRequest{ID: "missing", Status: &ack})
	assert.Equal(t, codes.NotFound, status.Code(err))

	bad := paymentEvent("x", 0)
	bad.Message = ""
	_, err = client.Ingest(ctx, &api.IngestRequest{Event: bad})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Ingest(ctx, &api.IngestRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.ErrorTrends(ctx, &api.AnalyticsRequest{Granularity: "week"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.ListIncidents(ctx, &api.ListIncidentsRequest{View: "everything"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAnalyticsOverGRPC(t *testing.T) {
	client := startService(t, base.Add(2*time.Hour))
	ctx := context.Background()

	events := []*api.LogEventInput{
		paymentEvent("a", 5*time.Minute),
		paymentEvent("b", 50*time.Minute),
		paymentEvent("c", 70*time.Minute),
	}
	info := paymentEvent("d", 70*time.Minute)
	info.Severity = "INFO"
	events = append(events, info)
	batch, err := client.IngestBatch(ctx, &api.IngestBatchRequest{Events: events})
	require.NoError(t, err)
	require.Len(t, batch.Results, 4)

	trends, err := client.ErrorTrends(ctx, &api.AnalyticsRequest{Granularity: "hour"})
	require.NoError(t, err)
	require.Len(t, trends.Points, 2)
	assert.Equal(t, "2024-05-01 10:00", trends.Points[0].Bucket)
	assert.Equal(t, 2, trends.Points[0].Count)
	assert.Equal(t, 1, trends.Points[1].Count)

	window := api.TimeRangeInput{StartTime: base.Format(time.RFC3339), EndTime: base.Add(2 * time.Hour).Format(time.RFC3339)}
	health, err := client.ServiceHealth(ctx, &api.AnalyticsRequest{TimeRange: window})
	require.NoError(t, err)
	require.Len(t, health.Services, 1)
	assert.InDelta(t, 25.0, health.Services[0].Score, 1e-9)

	corr, err := client.ErrorCorrelation(ctx, &api.AnalyticsRequest{TimeRange: window})
	require.NoError(t, err)
	require.Len(t, corr.Signatures, 1)
	assert.Equal(t, 3, corr.Signatures[0].UserCount)

	breakdown, err := client.SeverityBreakdown(ctx, &api.AnalyticsRequest{TimeRange: window})
	require.NoError(t, err)
	require.Len(t, breakdown.Severities, 2)
	assert.Equal(t, models.SeverityError, breakdown.Severities[0].Severity)

	trace, err := client.QueryLogs(ctx, &api.QueryLogsRequest{Service: "payment-service", Severity: "info"})
	require.NoError(t, err)
	require.Len(t, trace.Logs, 1)
	assert.Equal(t, "d", trace.Logs[0].ID)
}

func TestAutoResolveOverGRPC(t *testing.T) {
	client := startService(t, base.Add(3*time.Hour))
	ctx := context.Background()

	_, err := client.Ingest(ctx, &api.IngestRequest{Event: paymentEvent("old", 0)})
	require.NoError(t, err)
	recent := paymentEvent("new", 170*time.Minute)
	recent.ErrorCode = "OTHER"
	_, err = client.Ingest(ctx, &api.IngestRequest{Event: recent})
	require.NoError(t, err)

	resp, err := client.AutoResolve(ctx, &api.AutoResolveRequest{InactivityMinutes: 60})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Result.Resolved)

	critical, err := client.ListIncidents(ctx, &api.ListIncidentsRequest{View: api.ViewSLABreached})
	require.NoError(t, err)
	require.Len(t, critical.Incidents, 1)
	assert.Equal(t, "OTHER", critical.Incidents[0].Key.ErrorCode)
}
