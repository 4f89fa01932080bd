// Package rules routes newly created incidents to owners using a YAML rule pack.
package rules

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

// RuleEngine assigns owners and tags to incidents when they are created.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single routing rule.
type Rule struct {
	ID       string    `yaml:"id"`
	Match    RuleMatch `yaml:"match"`
	Assignee string    `yaml:"assignee"`
	Tags     []string  `yaml:"tags"`
}

// RuleMatch defines optional attributes for rule matching. MinSeverity matches
// events at or above the named level.
type RuleMatch struct {
	Service         string   `yaml:"service"`
	ErrorCode       string   `yaml:"error_code"`
	MinSeverity     string   `yaml:"min_severity"`
	Environment     string   `yaml:"environment"`
	MessageContains []string `yaml:"message_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// Route is the outcome of evaluating the rule pack against an event.
type Route struct {
	RuleIDs  []string
	Assignee string
	Tags     []string
}

// NewRuleEngine loads rules from the provided path. If path is empty or missing, returns nil engine.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ParseRules(data, logger)
}

// ParseRules builds an engine from YAML and rejects unknown severity names.
func ParseRules(data []byte, logger *slog.Logger) (*RuleEngine, error) {
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	for _, rule := range cfg.Rules {
		if rule.Match.MinSeverity == "" {
			continue
		}
		if _, err := models.ParseSeverity(rule.Match.MinSeverity); err != nil {
			return nil, errors.New("rule " + rule.ID + ": " + err.Error())
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Len returns the number of loaded rules.
func (e *RuleEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Route evaluates every rule against ev. The first matching rule with an
// assignee wins; tags from all matching rules accumulate.
func (e *RuleEngine) Route(ev models.LogEvent) Route {
	var route Route
	if e == nil {
		return route
	}
	for _, rule := range e.rules {
		if !rule.Match.matches(ev) {
			continue
		}
		route.RuleIDs = append(route.RuleIDs, rule.ID)
		if route.Assignee == "" {
			route.Assignee = rule.Assignee
		}
		route.Tags = AppendUnique(route.Tags, rule.Tags...)
	}
	if len(route.RuleIDs) > 0 {
		e.logger.Debug("routing rules matched", slog.Any("rules", route.RuleIDs), slog.String("service", ev.ServiceName))
	}
	return route
}

// Apply copies route onto inc without replacing an existing assignee.
func (r Route) Apply(inc *models.Incident) {
	if inc.Assignee == "" {
		inc.Assignee = r.Assignee
	}
	inc.Tags = AppendUnique(inc.Tags, r.Tags...)
}

func (m RuleMatch) matches(ev models.LogEvent) bool {
	if m.Service != "" && !strings.EqualFold(m.Service, ev.ServiceName) {
		return false
	}
	if m.ErrorCode != "" && !strings.EqualFold(m.ErrorCode, ev.ErrorCode) {
		return false
	}
	if m.Environment != "" && !strings.EqualFold(m.Environment, string(ev.Environment)) {
		return false
	}
	if m.MinSeverity != "" {
		min, err := models.ParseSeverity(m.MinSeverity)
		if err != nil || ev.Severity < min {
			return false
		}
	}
	if len(m.MessageContains) > 0 && !messageContains(m.MessageContains, ev.Message) {
		return false
	}
	return true
}

func messageContains(keywords []string, message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// AppendUnique appends additions not already present, skipping empty strings.
func AppendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
