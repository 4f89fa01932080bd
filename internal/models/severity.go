package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity is the ordinal impact level of a log event or incident.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
	SeverityCritical
)

var severityNames = [...]string{
	SeverityInfo:     "INFO",
	SeverityWarn:     "WARN",
	SeverityError:    "ERROR",
	SeverityCritical: "CRITICAL",
}

// Severities lists every level in ascending order.
func Severities() []Severity {
	return []Severity{SeverityInfo, SeverityWarn, SeverityError, SeverityCritical}
}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("Severity(%d)", uint8(s))
}

// Valid reports whether s is one of the known levels.
func (s Severity) Valid() bool {
	return s <= SeverityCritical
}

// Compare returns -1, 0 or 1 when s orders before, equal to or after other.
func (s Severity) Compare(other Severity) int {
	switch {
	case s < other:
		return -1
	case s > other:
		return 1
	default:
		return 0
	}
}

// IsErrorClass reports whether the level may create or extend an incident.
func (s Severity) IsErrorClass() bool {
	return s == SeverityError || s == SeverityCritical
}

// MaxSeverity returns the highest level supplied, or INFO when none are.
func MaxSeverity(levels ...Severity) Severity {
	max := SeverityInfo
	for _, level := range levels {
		if level > max {
			max = level
		}
	}
	return max
}

// ParseSeverity converts a case-insensitive level name.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "INFO":
		return SeverityInfo, nil
	case "WARN", "WARNING":
		return SeverityWarn, nil
	case "ERROR":
		return SeverityError, nil
	case "CRITICAL", "FATAL":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", value)
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Severity) MarshalJSON() ([]byte, error) {
	text, err := s.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(text))
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("severity must be a string: %w", err)
	}
	return s.UnmarshalText([]byte(name))
}
