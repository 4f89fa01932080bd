package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.incidents.v1.IncidentEngine"

// IncidentEngineServer is the server API for the incident engine.
type IncidentEngineServer interface {
	Ingest(context.Context, *IngestRequest) (*IngestResponse, error)
	IngestBatch(context.Context, *IngestBatchRequest) (*IngestBatchResponse, error)
	QueryLogs(context.Context, *QueryLogsRequest) (*LogsResponse, error)
	TraceRequest(context.Context, *TraceRequestRequest) (*LogsResponse, error)
	ListIncidents(context.Context, *ListIncidentsRequest) (*ListIncidentsResponse, error)
	GetIncident(context.Context, *GetIncidentRequest) (*GetIncidentResponse, error)
	UpdateIncident(context.Context, *UpdateIncidentRequest) (*UpdateIncidentResponse, error)
	AutoResolve(context.Context, *AutoResolveRequest) (*AutoResolveResponse, error)
	IncidentStats(context.Context, *IncidentStatsRequest) (*IncidentStatsResponse, error)
	ErrorFrequency(context.Context, *AnalyticsRequest) (*ErrorFrequencyResponse, error)
	TopFailingServices(context.Context, *AnalyticsRequest) (*ErrorFrequencyResponse, error)
	ErrorTrends(context.Context, *AnalyticsRequest) (*ErrorTrendsResponse, error)
	SeverityBreakdown(context.Context, *AnalyticsRequest) (*SeverityBreakdownResponse, error)
	ServiceHealth(context.Context, *AnalyticsRequest) (*ServiceHealthResponse, error)
	ErrorCorrelation(context.Context, *AnalyticsRequest) (*ErrorCorrelationResponse, error)
	ErrorSpikes(context.Context, *AnalyticsRequest) (*ErrorSpikesResponse, error)
	LogCounts(context.Context, *AnalyticsRequest) (*LogCountsResponse, error)
	HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unary builds a method descriptor that decodes Req and dispatches to call
// through any configured interceptor.
func unary[Req, Resp any](name string, call func(IncidentEngineServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(IncidentEngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(IncidentEngineServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// IncidentEngineServiceDesc describes the service for grpc.Server registration.
var IncidentEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IncidentEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Ingest", IncidentEngineServer.Ingest),
		unary("IngestBatch", IncidentEngineServer.IngestBatch),
		unary("QueryLogs", IncidentEngineServer.QueryLogs),
		unary("TraceRequest", IncidentEngineServer.TraceRequest),
		unary("ListIncidents", IncidentEngineServer.ListIncidents),
		unary("GetIncident", IncidentEngineServer.GetIncident),
		unary("UpdateIncident", IncidentEngineServer.UpdateIncident),
		unary("AutoResolve", IncidentEngineServer.AutoResolve),
		unary("IncidentStats", IncidentEngineServer.IncidentStats),
		unary("ErrorFrequency", IncidentEngineServer.ErrorFrequency),
		unary("TopFailingServices", IncidentEngineServer.TopFailingServices),
		unary("ErrorTrends", IncidentEngineServer.ErrorTrends),
		unary("SeverityBreakdown", IncidentEngineServer.SeverityBreakdown),
		unary("ServiceHealth", IncidentEngineServer.ServiceHealth),
		unary("ErrorCorrelation", IncidentEngineServer.ErrorCorrelation),
		unary("ErrorSpikes", IncidentEngineServer.ErrorSpikes),
		unary("LogCounts", IncidentEngineServer.LogCounts),
		unary("HealthCheck", IncidentEngineServer.HealthCheck),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/incidents/v1/engine",
}

// RegisterIncidentEngineServer registers srv with s.
func RegisterIncidentEngineServer(s grpc.ServiceRegistrar, srv IncidentEngineServer) {
	s.RegisterService(&IncidentEngineServiceDesc, srv)
}

// Client calls the incident engine using the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Ingest(ctx context.Context, in *IngestRequest, opts ...grpc.CallOption) (*IngestResponse, error) {
	return invoke[IngestResponse](ctx, c, "Ingest", in, opts)
}

func (c *Client) IngestBatch(ctx context.Context, in *IngestBatchRequest, opts ...grpc.CallOption) (*IngestBatchResponse, error) {
	return invoke[IngestBatchResponse](ctx, c, "IngestBatch", in, opts)
}

func (c *Client) QueryLogs(ctx context.Context, in *QueryLogsRequest, opts ...grpc.CallOption) (*LogsResponse, error) {
	return invoke[LogsResponse](ctx, c, "QueryLogs", in, opts)
}

func (c *Client) TraceRequest(ctx context.Context, in *TraceRequestRequest, opts ...grpc.CallOption) (*LogsResponse, error) {
	return invoke[LogsResponse](ctx, c, "TraceRequest", in, opts)
}

func (c *Client) ListIncidents(ctx context.Context, in *ListIncidentsRequest, opts ...grpc.CallOption) (*ListIncidentsResponse, error) {
	return invoke[ListIncidentsResponse](ctx, c, "ListIncidents", in, opts)
}

func (c *Client) GetIncident(ctx context.Context, in *GetIncidentRequest, opts ...grpc.CallOption) (*GetIncidentResponse, error) {
	return invoke[GetIncidentResponse](ctx, c, "GetIncident", in, opts)
}

func (c *Client) UpdateIncident(ctx context.Context, in *UpdateIncidentRequest, opts ...grpc.CallOption) (*UpdateIncidentResponse, error) {
	return invoke[UpdateIncidentResponse](ctx, c, "UpdateIncident", in, opts)
}

func (c *Client) AutoResolve(ctx context.Context, in *AutoResolveRequest, opts ...grpc.CallOption) (*AutoResolveResponse, error) {
	return invoke[AutoResolveResponse](ctx, c, "AutoResolve", in, opts)
}

func (c *Client) IncidentStats(ctx context.Context, in *IncidentStatsRequest, opts ...grpc.CallOption) (*IncidentStatsResponse, error) {
	return invoke[IncidentStatsResponse](ctx, c, "IncidentStats", in, opts)
}

func (c *Client) ErrorFrequency(ctx context.Context, in *AnalyticsRequest, opts ...grpc.CallOption) (*ErrorFrequencyResponse, error) {
	return invoke[ErrorFrequencyResponse](ctx, c, "ErrorFrequency", in, opts)
}

func (c *Client) TopFailingServices(ctx context.Context, in *AnalyticsRequest, opts ...grpc.CallOption) (*ErrorFrequencyResponse, error) {
	return invoke[ErrorFrequencyResponse](ctx, c, "TopFailingServices", in, opts)
}

func (c *Client) ErrorTrends(ctx context.Context, in *AnalyticsRequest, opts ...grpc.CallOption) (*ErrorTrendsResponse, error) {
	return invoke[ErrorTrendsResponse](ctx, c, "ErrorTrends", in, opts)
}

func (c *Client) SeverityBreakdown(ctx context.Context, in *AnalyticsRequest, opts ...grpc.CallOption) (*SeverityBreakdownResponse, error) {
	return invoke[SeverityBreakdownResponse](ctx, c, "SeverityBreakdown", in, opts)
}

func (c *Client) ServiceHealth(ctx context.Context, in *AnalyticsRequest, opts ...grpc.CallOption) (*ServiceHealthResponse, error) {
	return invoke[ServiceHealthResponse](ctx, c, "ServiceHealth", in, opts)
}

func (c *Client) ErrorCorrelation(ctx context.Context, in *AnalyticsRequest, opts ...grpc.CallOption) (*ErrorCorrelationResponse, error) {
	return invoke[ErrorCorrelationResponse](ctx, c, "ErrorCorrelation", in, opts)
}

func (c *Client) ErrorSpikes(ctx context.Context, in *AnalyticsRequest, opts ...grpc.CallOption) (*ErrorSpikesResponse, error) {
	return invoke[ErrorSpikesResponse](ctx, c, "ErrorSpikes", in, opts)
}

func (c *Client) LogCounts(ctx context.Context, in *AnalyticsRequest, opts ...grpc.CallOption) (*LogCountsResponse, error) {
	return invoke[LogCountsResponse](ctx, c, "LogCounts", in, opts)
}

func (c *Client) HealthCheck(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	return invoke[HealthResponse](ctx, c, "HealthCheck", in, opts)
}
