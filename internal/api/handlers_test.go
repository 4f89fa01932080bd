package api

import (
	"testing"
	"time"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

func TestFromEventInput(t *testing.T) {
	in := &LogEventInput{
		ServiceName: "checkout",
		Environment: "Staging",
		Severity:    "critical",
		Message:     "card declined",
		Timestamp:   "2024-05-01T10:00:00Z",
		Metadata:    map[string]string{"region": "eu"},
	}
	ev, err := FromEventInput(in)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ev.Severity != models.SeverityCritical {
		t.Fatalf("unexpected severity: %s", ev.Severity)
	}
	if ev.Environment != models.EnvStaging {
		t.Fatalf("unexpected environment: %s", ev.Environment)
	}
	if !ev.Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp: %s", ev.Timestamp)
	}
	in.Metadata["region"] = "us"
	if ev.Metadata["region"] != "eu" {
		t.Fatalf("metadata must be copied")
	}
}

func TestFromEventInputRequiresSeverityAndTimestamp(t *testing.T) {
	if _, err := FromEventInput(&LogEventInput{ServiceName: "a", Timestamp: "1714557600000"}); err == nil {
		t.Fatalf("expected missing severity to fail")
	}
	if _, err := FromEventInput(&LogEventInput{ServiceName: "a", Severity: "INFO"}); err == nil {
		t.Fatalf("expected missing timestamp to fail")
	}
	if _, err := FromEventInputs([]*LogEventInput{nil}); err == nil {
		t.Fatalf("expected nil event to fail")
	}
}

func TestFromTimeRange(t *testing.T) {
	rng, err := FromTimeRange(TimeRangeInput{StartTime: "2024-05-01T10:00:00Z", EndTime: "1714561200000"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rng.End.Sub(rng.Start) != time.Hour {
		t.Fatalf("unexpected range: %v", rng)
	}
	if _, err := FromTimeRange(TimeRangeInput{StartTime: "2024-05-01T11:00:00Z", EndTime: "2024-05-01T10:00:00Z"}); err == nil {
		t.Fatalf("expected inverted range to fail")
	}
	if _, err := FromTimeRange(TimeRangeInput{StartTime: "yesterday"}); err == nil {
		t.Fatalf("expected unparseable start to fail")
	}
}

func TestFromListIncidentsRequest(t *testing.T) {
	filter, err := FromListIncidentsRequest(&ListIncidentsRequest{Status: "open", Severity: "error", Service: "api"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(filter.Statuses) != 1 || filter.Statuses[0] != models.StatusOpen {
		t.Fatalf("unexpected statuses: %v", filter.Statuses)
	}
	if filter.Severity == nil || *filter.Severity != models.SeverityError {
		t.Fatalf("unexpected severity filter")
	}
	if _, err := FromListIncidentsRequest(&ListIncidentsRequest{Status: "closed"}); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
}

func TestFromAnalyticsRequest(t *testing.T) {
	_, g, err := FromAnalyticsRequest(&AnalyticsRequest{Granularity: "DAY"})
	if err != nil || g != models.GranularityDay {
		t.Fatalf("unexpected granularity %q (%v)", g, err)
	}
	if _, _, err := FromAnalyticsRequest(&AnalyticsRequest{Granularity: "fortnight"}); err == nil {
		t.Fatalf("expected unknown granularity to fail")
	}
}

func TestInactivityThreshold(t *testing.T) {
	d, err := InactivityThreshold(&AutoResolveRequest{InactivityMinutes: 90})
	if err != nil || d != 90*time.Minute {
		t.Fatalf("unexpected threshold %s (%v)", d, err)
	}
	if _, err := InactivityThreshold(&AutoResolveRequest{InactivityMinutes: -1}); err == nil {
		t.Fatalf("expected negative threshold to fail")
	}
}
