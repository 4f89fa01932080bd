package api

import (
	"github.com/miradorstack/mirador-incidents/internal/analytics"
	"github.com/miradorstack/mirador-incidents/internal/ingest"
	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/scheduler"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

// LogEventInput is a log event as submitted by producers. Severity and
// timestamp stay textual until FromEventInput validates them.
type LogEventInput struct {
	ID          string            `json:"id,omitempty"`
	ServiceName string            `json:"serviceName"`
	Environment string            `json:"environment,omitempty"`
	Host        string            `json:"host,omitempty"`
	Severity    string            `json:"severity"`
	Message     string            `json:"message"`
	ErrorCode   string            `json:"errorCode,omitempty"`
	StackTrace  string            `json:"stackTrace,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	RequestID   string            `json:"requestId,omitempty"`
	Timestamp   string            `json:"timestamp"`
}

// TimeRangeInput bounds a query with RFC3339 or epoch-millisecond strings.
type TimeRangeInput struct {
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
}

type IngestRequest struct {
	Event *LogEventInput `json:"event"`
}

type IngestResponse struct {
	Result ingest.Result `json:"result"`
}

type IngestBatchRequest struct {
	Events []*LogEventInput `json:"events"`
}

type IngestBatchResponse struct {
	Results []ingest.Result `json:"results"`
}

type QueryLogsRequest struct {
	Service   string         `json:"service,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	TimeRange TimeRangeInput `json:"timeRange"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
}

type TraceRequestRequest struct {
	RequestID string `json:"requestId"`
}

type LogsResponse struct {
	Logs []models.LogEvent `json:"logs"`
}

// Incident list views.
const (
	ViewAll         = ""
	ViewCritical    = "critical"
	ViewSLABreached = "sla_breached"
)

type ListIncidentsRequest struct {
	View        string `json:"view,omitempty"`
	Status      string `json:"status,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Service     string `json:"service,omitempty"`
	SLABreached *bool  `json:"slaBreached,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

type ListIncidentsResponse struct {
	Incidents []*models.Incident `json:"incidents"`
}

type GetIncidentRequest struct {
	ID string `json:"id"`
}

type GetIncidentResponse struct {
	Incident *models.Incident `json:"incident"`
	Logs     []models.LogEvent `json:"logs"`
}

type UpdateIncidentRequest struct {
	ID       string   `json:"id"`
	Status   *string  `json:"status,omitempty"`
	Assignee *string  `json:"assignee,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type UpdateIncidentResponse struct {
	Incident *models.Incident `json:"incident"`
}

type AutoResolveRequest struct {
	// InactivityMinutes overrides the configured threshold when positive.
	InactivityMinutes int `json:"inactivityMinutes,omitempty"`
}

type AutoResolveResponse struct {
	Result scheduler.SweepResult `json:"result"`
}

type IncidentStatsRequest struct{}

type IncidentStatsResponse struct {
	Stats models.IncidentStats `json:"stats"`
}

// AnalyticsRequest is shared by every analytics method; fields a method does
// not use are ignored.
type AnalyticsRequest struct {
	TimeRange   TimeRangeInput `json:"timeRange"`
	Granularity string         `json:"granularity,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

type ErrorFrequencyResponse struct {
	Services []analytics.ServiceErrors `json:"services"`
}

type ErrorTrendsResponse struct {
	Points []analytics.TrendPoint `json:"points"`
}

type SeverityBreakdownResponse struct {
	Severities []analytics.SeverityCount `json:"severities"`
}

type ServiceHealthResponse struct {
	Services []analytics.ServiceHealth `json:"services"`
}

type ErrorCorrelationResponse struct {
	Signatures []analytics.ErrorSignature `json:"signatures"`
}

type ErrorSpikesResponse struct {
	Spikes []analytics.Spike `json:"spikes"`
}

type LogCountsResponse struct {
	Counts []analytics.LogCount `json:"counts"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Status        string               `json:"status"`
	IngestLatency utils.LatencySummary `json:"ingestLatency"`
}
