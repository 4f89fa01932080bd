package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/store"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

// FromEventInput maps a submitted event into the domain type. Field limits
// are enforced later by the ingest service.
func FromEventInput(in *LogEventInput) (models.LogEvent, error) {
	if in == nil {
		return models.LogEvent{}, fmt.Errorf("event is required")
	}
	if strings.TrimSpace(in.Severity) == "" {
		return models.LogEvent{}, fmt.Errorf("severity is required")
	}
	sev, err := models.ParseSeverity(in.Severity)
	if err != nil {
		return models.LogEvent{}, err
	}
	if strings.TrimSpace(in.Timestamp) == "" {
		return models.LogEvent{}, fmt.Errorf("timestamp is required")
	}
	ts, err := utils.ParseTimestamp(strings.TrimSpace(in.Timestamp))
	if err != nil {
		return models.LogEvent{}, fmt.Errorf("timestamp: %w", err)
	}
	var meta map[string]string
	if len(in.Metadata) > 0 {
		meta = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			meta[k] = v
		}
	}
	return models.LogEvent{
		ID:          in.ID,
		ServiceName: in.ServiceName,
		Environment: models.Environment(strings.ToLower(strings.TrimSpace(in.Environment))),
		Host:        in.Host,
		Severity:    sev,
		Message:     in.Message,
		ErrorCode:   in.ErrorCode,
		StackTrace:  in.StackTrace,
		Metadata:    meta,
		UserID:      in.UserID,
		RequestID:   in.RequestID,
		Timestamp:   ts,
	}, nil
}

// FromEventInputs maps a batch, reporting the index of the first bad event.
func FromEventInputs(in []*LogEventInput) ([]models.LogEvent, error) {
	out := make([]models.LogEvent, 0, len(in))
	for i, ev := range in {
		mapped, err := FromEventInput(ev)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, mapped)
	}
	return out, nil
}

// FromTimeRange parses optional range bounds.
func FromTimeRange(in TimeRangeInput) (models.TimeRange, error) {
	var rng models.TimeRange
	var err error
	if in.StartTime != "" {
		if rng.Start, err = utils.ParseTimestamp(in.StartTime); err != nil {
			return rng, fmt.Errorf("startTime: %w", err)
		}
	}
	if in.EndTime != "" {
		if rng.End, err = utils.ParseTimestamp(in.EndTime); err != nil {
			return rng, fmt.Errorf("endTime: %w", err)
		}
	}
	return rng, rng.Validate()
}

// FromQueryLogsRequest maps a log query into a store filter.
func FromQueryLogsRequest(req *QueryLogsRequest) (store.LogFilter, error) {
	rng, err := FromTimeRange(req.TimeRange)
	if err != nil {
		return store.LogFilter{}, err
	}
	filter := store.LogFilter{
		Service:   req.Service,
		ErrorCode: req.ErrorCode,
		RequestID: req.RequestID,
		Range:     rng,
	}
	if req.Severity != "" {
		sev, err := models.ParseSeverity(req.Severity)
		if err != nil {
			return store.LogFilter{}, err
		}
		filter.Severity = &sev
	}
	return filter, nil
}

// FromListIncidentsRequest maps list criteria into an incident filter.
func FromListIncidentsRequest(req *ListIncidentsRequest) (store.IncidentFilter, error) {
	filter := store.IncidentFilter{Service: req.Service, SLABreached: req.SLABreached}
	if req.Status != "" {
		st, err := models.ParseStatus(req.Status)
		if err != nil {
			return filter, err
		}
		filter.Statuses = []models.Status{st}
	}
	if req.Severity != "" {
		sev, err := models.ParseSeverity(req.Severity)
		if err != nil {
			return filter, err
		}
		filter.Severity = &sev
	}
	return filter, nil
}

// FromUpdateIncidentRequest maps an operator update.
func FromUpdateIncidentRequest(req *UpdateIncidentRequest) (models.IncidentUpdate, error) {
	update := models.IncidentUpdate{Assignee: req.Assignee, Tags: req.Tags}
	if req.Status != nil {
		st, err := models.ParseStatus(*req.Status)
		if err != nil {
			return update, err
		}
		update.Status = &st
	}
	return update, nil
}

// FromAnalyticsRequest parses the shared analytics parameters.
func FromAnalyticsRequest(req *AnalyticsRequest) (models.TimeRange, models.Granularity, error) {
	rng, err := FromTimeRange(req.TimeRange)
	if err != nil {
		return rng, "", err
	}
	if req.Granularity == "" {
		return rng, "", nil
	}
	g, err := models.ParseGranularity(req.Granularity)
	return rng, g, err
}

// InactivityThreshold converts the auto-resolve override; zero keeps the default.
func InactivityThreshold(req *AutoResolveRequest) (time.Duration, error) {
	if req.InactivityMinutes < 0 {
		return 0, fmt.Errorf("inactivityMinutes must not be negative")
	}
	return time.Duration(req.InactivityMinutes) * time.Minute, nil
}
