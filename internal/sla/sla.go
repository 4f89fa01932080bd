// Package sla derives breach state for incidents from their first occurrence.
package sla

import (
	"time"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

// DefaultThreshold applies when no policy value is configured.
const DefaultThreshold = 15 * time.Minute

// CheckBreach reports whether more than threshold has elapsed between
// firstOccurrence and now. When breached, the returned time is now.
func CheckBreach(firstOccurrence time.Time, threshold time.Duration, now time.Time) (bool, *time.Time) {
	if firstOccurrence.IsZero() {
		return false, nil
	}
	if now.Sub(firstOccurrence) > threshold {
		at := now
		return true, &at
	}
	return false, nil
}

// Policy maps severities to thresholds, falling back to Default.
type Policy struct {
	Default    time.Duration
	BySeverity map[models.Severity]time.Duration
}

// Threshold returns the allowance for sev.
func (p Policy) Threshold(sev models.Severity) time.Duration {
	if d, ok := p.BySeverity[sev]; ok && d > 0 {
		return d
	}
	if p.Default > 0 {
		return p.Default
	}
	return DefaultThreshold
}

// Monitor applies a Policy to incidents.
type Monitor struct {
	policy Policy
}

// NewMonitor returns a Monitor for policy.
func NewMonitor(policy Policy) *Monitor {
	return &Monitor{policy: policy}
}

// Policy returns the active thresholds.
func (m *Monitor) Policy() Policy { return m.policy }

// Apply marks inc as breached the first time its threshold is exceeded and
// reports whether this call made that transition. An existing breachTime is
// never overwritten, and resolved incidents are left alone.
func (m *Monitor) Apply(inc *models.Incident, now time.Time) bool {
	if inc == nil || inc.SLABreached || !inc.Status.Active() {
		return false
	}
	breached, at := CheckBreach(inc.FirstOccurrence, m.policy.Threshold(inc.Severity), now)
	if !breached {
		return false
	}
	if at.Before(inc.DetectedAt) {
		t := inc.DetectedAt
		at = &t
	}
	inc.SLABreached = true
	inc.BreachTime = at
	return true
}

// Due reports whether inc would breach at now without mutating it.
func (m *Monitor) Due(inc *models.Incident, now time.Time) bool {
	if inc == nil || inc.SLABreached || !inc.Status.Active() {
		return false
	}
	breached, _ := CheckBreach(inc.FirstOccurrence, m.policy.Threshold(inc.Severity), now)
	return breached
}
