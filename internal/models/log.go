package models

import "time"

// Environment tags the deployment stage that emitted an event.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Valid reports whether e is a recognised environment.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// LogEvent is an immutable structured log record.
// Timestamp is supplied by the producer; IngestedAt is assigned by the log store.
type LogEvent struct {
	ID          string            `json:"id"`
	ServiceName string            `json:"serviceName"`
	Environment Environment       `json:"environment"`
	Host        string            `json:"host,omitempty"`
	Severity    Severity          `json:"severity"`
	Message     string            `json:"message"`
	ErrorCode   string            `json:"errorCode,omitempty"`
	StackTrace  string            `json:"stackTrace,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	RequestID   string            `json:"requestId,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	IngestedAt  time.Time         `json:"ingestedAt,omitempty"`
}

// Key returns the correlation key the event contributes to.
func (e LogEvent) Key() CorrelationKey {
	return NewCorrelationKey(e.ServiceName, e.ErrorCode)
}

// Clone returns a copy that shares no mutable state with e.
func (e LogEvent) Clone() LogEvent {
	if e.Metadata != nil {
		meta := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		e.Metadata = meta
	}
	return e
}
