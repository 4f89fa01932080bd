package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestCheckBreachIsStrict(t *testing.T) {
	breached, at := CheckBreach(t0, time.Minute, t0.Add(time.Minute))
	assert.False(t, breached)
	assert.Nil(t, at)

	breached, at = CheckBreach(t0, time.Minute, t0.Add(61*time.Second))
	assert.True(t, breached)
	require.NotNil(t, at)
	assert.Equal(t, t0.Add(61*time.Second), *at)
}

func TestPolicyThresholds(t *testing.T) {
	p := Policy{Default: 20 * time.Minute, BySeverity: map[models.Severity]time.Duration{models.SeverityCritical: 5 * time.Minute}}
	assert.Equal(t, 5*time.Minute, p.Threshold(models.SeverityCritical))
	assert.Equal(t, 20*time.Minute, p.Threshold(models.SeverityError))
	assert.Equal(t, DefaultThreshold, Policy{}.Threshold(models.SeverityError))
}

func TestApplyKeepsFirstBreachTime(t *testing.T) {
	m := NewMonitor(Policy{Default: time.Minute})
	inc := &models.Incident{Status: models.StatusOpen, Severity: models.SeverityError, DetectedAt: t0, FirstOccurrence: t0}

	assert.False(t, m.Apply(inc, t0.Add(30*time.Second)))
	assert.False(t, inc.SLABreached)

	assert.True(t, m.Apply(inc, t0.Add(2*time.Minute)))
	require.NotNil(t, inc.BreachTime)
	first := *inc.BreachTime

	assert.False(t, m.Apply(inc, t0.Add(10*time.Minute)))
	assert.Equal(t, first, *inc.BreachTime)
}

func TestApplyBreachTimeNotBeforeDetection(t *testing.T) {
	m := NewMonitor(Policy{Default: time.Minute})
	detected := t0.Add(10 * time.Minute)
	inc := &models.Incident{Status: models.StatusOpen, DetectedAt: detected, FirstOccurrence: t0}

	// clock skew between the detector and the sweeper
	require.True(t, m.Apply(inc, t0.Add(5*time.Minute)))
	assert.Equal(t, detected, *inc.BreachTime)
}

func TestApplyIgnoresResolved(t *testing.T) {
	m := NewMonitor(Policy{Default: time.Minute})
	inc := &models.Incident{Status: models.StatusResolved, DetectedAt: t0, FirstOccurrence: t0}
	assert.False(t, m.Due(inc, t0.Add(time.Hour)))
	assert.False(t, m.Apply(inc, t0.Add(time.Hour)))
}
