// Package ingest is the write path: it validates log events, appends them to
// the log store and hands error-class events to the correlation engine.
package ingest

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

const (
	maxServiceName = 100
	maxHost        = 100
	maxMessage     = 5000
	maxErrorCode   = 50
	maxStackTrace  = 50000
	maxUserID      = 100
	maxRequestID   = 100

	// MaxBatchSize bounds IngestBatch.
	MaxBatchSize = 1000
)

// Normalize validates ev and returns a copy with defaults applied: a missing
// id gets a UUID and a missing environment becomes production.
func Normalize(ev models.LogEvent) (models.LogEvent, error) {
	const op = "ingest.validate"
	ev = ev.Clone()
	ev.ServiceName = strings.TrimSpace(ev.ServiceName)
	ev.ErrorCode = strings.TrimSpace(ev.ErrorCode)

	if ev.ServiceName == "" {
		return ev, utils.InvalidInput(op, "serviceName is required")
	}
	if strings.TrimSpace(ev.Message) == "" {
		return ev, utils.InvalidInput(op, "message is required")
	}
	if ev.Timestamp.IsZero() {
		return ev, utils.InvalidInput(op, "timestamp is required")
	}
	if !ev.Severity.Valid() {
		return ev, utils.InvalidInput(op, fmt.Sprintf("invalid severity %d", ev.Severity))
	}
	if ev.Environment == "" {
		ev.Environment = models.EnvProduction
	}
	if !ev.Environment.Valid() {
		return ev, utils.InvalidInput(op, fmt.Sprintf("unknown environment %q", ev.Environment))
	}

	limits := []struct {
		field string
		value string
		max   int
	}{
		{"serviceName", ev.ServiceName, maxServiceName},
		{"host", ev.Host, maxHost},
		{"message", ev.Message, maxMessage},
		{"errorCode", ev.ErrorCode, maxErrorCode},
		{"stackTrace", ev.StackTrace, maxStackTrace},
		{"userId", ev.UserID, maxUserID},
		{"requestId", ev.RequestID, maxRequestID},
	}
	for _, l := range limits {
		if utf8.RuneCountInString(l.value) > l.max {
			return ev, utils.InvalidInput(op, fmt.Sprintf("%s exceeds %d characters", l.field, l.max))
		}
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev, nil
}

// NormalizeBatch validates every event before any is accepted.
func NormalizeBatch(events []models.LogEvent) ([]models.LogEvent, error) {
	if len(events) == 0 {
		return nil, utils.InvalidInput("ingest.validate", "batch is empty")
	}
	if len(events) > MaxBatchSize {
		return nil, utils.InvalidInput("ingest.validate", fmt.Sprintf("batch of %d exceeds %d events", len(events), MaxBatchSize))
	}
	out := make([]models.LogEvent, 0, len(events))
	for i, ev := range events {
		norm, err := Normalize(ev)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, norm)
	}
	return out, nil
}
