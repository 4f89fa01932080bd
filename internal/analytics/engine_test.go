package analytics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-incidents/internal/cache"
	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/store"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	logs *store.MemoryLogStore
	seq  int
}

func newFixture() *fixture { return &fixture{logs: store.NewMemoryLogStore(0)} }

func (f *fixture) add(t *testing.T, service, code, user string, sev models.Severity, at time.Time) {
	t.Helper()
	f.seq++
	_, err := f.logs.Append(context.Background(), models.LogEvent{
		ID:          fmt.Sprintf("ev-%d", f.seq),
		ServiceName: service,
		Severity:    sev,
		ErrorCode:   code,
		UserID:      user,
		Message:     "m",
		Timestamp:   at,
	})
	require.NoError(t, err)
}

func clockAt(t time.Time) utils.Clock { return func() time.Time { return t } }

func TestErrorTrendsHourBuckets(t *testing.T) {
	f := newFixture()
	f.add(t, "api", "E", "", models.SeverityError, day.Add(10*time.Hour+5*time.Minute))
	f.add(t, "api", "E", "", models.SeverityCritical, day.Add(10*time.Hour+50*time.Minute))
	f.add(t, "api", "E", "", models.SeverityError, day.Add(11*time.Hour+10*time.Minute))
	f.add(t, "api", "", "", models.SeverityInfo, day.Add(11*time.Hour+20*time.Minute))

	e := NewEngine(nil, f.logs, Options{})
	points, err := e.ErrorTrends(context.Background(), models.TimeRange{Start: day, End: day.Add(24 * time.Hour)}, models.GranularityHour)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "2024-05-01 10:00", points[0].Bucket)
	assert.Equal(t, 2, points[0].Count)
	assert.Equal(t, "2024-05-01 11:00", points[1].Bucket)
	assert.Equal(t, 1, points[1].Count)
}

func TestErrorTrendsUsesConfiguredTimezoneAndGranularity(t *testing.T) {
	f := newFixture()
	f.add(t, "api", "E", "", models.SeverityError, day.Add(22*time.Hour))
	f.add(t, "api", "E", "", models.SeverityError, day.Add(23*time.Hour))

	loc := time.FixedZone("IST", 5*3600+1800)
	e := NewEngine(nil, f.logs, Options{Location: loc, DefaultGranularity: models.GranularityDay})
	points, err := e.ErrorTrends(context.Background(), models.TimeRange{Start: day, End: day.Add(48 * time.Hour)}, "")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "2024-05-02", points[0].Bucket)
	assert.Equal(t, 2, points[0].Count)
}

func TestErrorFrequencyAndTopFailing(t *testing.T) {
	f := newFixture()
	now := day.Add(12 * time.Hour)
	f.add(t, "b", "E", "", models.SeverityError, now.Add(-50*time.Minute))
	f.add(t, "b", "E", "", models.SeverityError, now.Add(-10*time.Minute))
	f.add(t, "a", "E", "", models.SeverityCritical, now.Add(-20*time.Minute))
	f.add(t, "a", "E", "", models.SeverityError, now.Add(-30*time.Minute))
	f.add(t, "c", "E", "", models.SeverityError, now.Add(-5*time.Minute))
	f.add(t, "c", "", "", models.SeverityWarn, now.Add(-5*time.Minute))
	f.add(t, "d", "E", "", models.SeverityError, now.Add(-3*time.Hour))

	e := NewEngine(nil, f.logs, Options{Clock: clockAt(now)})
	freq, err := e.ErrorFrequency(context.Background(), models.TimeRange{})
	require.NoError(t, err)
	require.Len(t, freq, 3, "default window is one hour")
	assert.Equal(t, []string{"a", "b", "c"}, []string{freq[0].ServiceName, freq[1].ServiceName, freq[2].ServiceName})
	assert.Equal(t, 2, freq[0].ErrorCount)
	assert.Equal(t, 1, freq[2].ErrorCount)

	top, err := e.TopFailingServices(context.Background(), models.TimeRange{}, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "a", top[0].ServiceName)
	assert.Equal(t, now.Add(-20*time.Minute), top[0].LastErrorAt)
	assert.Equal(t, "b", top[1].ServiceName)
	assert.Equal(t, now.Add(-10*time.Minute), top[1].LastErrorAt)
}

func TestSeverityBreakdownCountsAllEvents(t *testing.T) {
	f := newFixture()
	at := day.Add(time.Hour)
	f.add(t, "a", "", "", models.SeverityInfo, at)
	f.add(t, "a", "", "", models.SeverityInfo, at)
	f.add(t, "a", "", "", models.SeverityWarn, at)
	f.add(t, "b", "E", "", models.SeverityCritical, at)

	e := NewEngine(nil, f.logs, Options{})
	out, err := e.SeverityBreakdown(context.Background(), models.TimeRange{Start: day, End: day.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []SeverityCount{
		{Severity: models.SeverityCritical, Count: 1},
		{Severity: models.SeverityWarn, Count: 1},
		{Severity: models.SeverityInfo, Count: 2},
	}, out)
}

func TestServiceHealthExcludesSilentServices(t *testing.T) {
	f := newFixture()
	at := day.Add(time.Hour)
	for i := 0; i < 3; i++ {
		f.add(t, "healthy", "", "", models.SeverityInfo, at)
	}
	f.add(t, "healthy", "E", "", models.SeverityError, at)
	f.add(t, "broken", "E", "", models.SeverityError, at)
	f.add(t, "broken", "", "", models.SeverityInfo, at)
	f.add(t, "outside", "", "", models.SeverityInfo, day.Add(5*time.Hour))

	e := NewEngine(nil, f.logs, Options{})
	out, err := e.ServiceHealth(context.Background(), models.TimeRange{Start: day, End: day.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "broken", out[0].ServiceName)
	assert.InDelta(t, 50.0, out[0].Score, 1e-9)
	assert.Equal(t, "healthy", out[1].ServiceName)
	assert.InDelta(t, 75.0, out[1].Score, 1e-9)
	assert.Equal(t, 4, out[1].TotalLogs)
}

func TestErrorCorrelationGroupsSignatures(t *testing.T) {
	f := newFixture()
	at := day.Add(time.Hour)
	f.add(t, "pay", "TIMEOUT", "u1", models.SeverityError, at)
	f.add(t, "pay", "TIMEOUT", "u2", models.SeverityError, at)
	f.add(t, "pay", "TIMEOUT", "u1", models.SeverityCritical, at)
	f.add(t, "pay", "", "", models.SeverityError, at)
	f.add(t, "pay", "TIMEOUT", "u9", models.SeverityWarn, at)

	e := NewEngine(nil, f.logs, Options{})
	out, err := e.ErrorCorrelation(context.Background(), models.TimeRange{Start: day, End: day.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, ErrorSignature{ServiceName: "pay", ErrorCode: "TIMEOUT", Count: 3, AffectedUsers: []string{"u1", "u2"}, UserCount: 2}, out[0])
	assert.Equal(t, models.UnknownErrorCode, out[1].ErrorCode)
	assert.Empty(t, out[1].AffectedUsers)
}

func TestErrorCorrelationCapsResults(t *testing.T) {
	f := newFixture()
	for i := 0; i < 25; i++ {
		f.add(t, "svc", fmt.Sprintf("E%02d", i), "", models.SeverityError, day.Add(time.Hour))
	}
	e := NewEngine(nil, f.logs, Options{})
	out, err := e.ErrorCorrelation(context.Background(), models.TimeRange{Start: day, End: day.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, out, maxCorrelations)
}

func TestLogCounts(t *testing.T) {
	f := newFixture()
	at := day.Add(time.Hour)
	f.add(t, "a", "", "", models.SeverityInfo, at)
	f.add(t, "a", "", "", models.SeverityInfo, at)
	f.add(t, "a", "E", "", models.SeverityError, at)

	e := NewEngine(nil, f.logs, Options{})
	out, err := e.LogCounts(context.Background(), models.TimeRange{Start: day, End: day.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []LogCount{
		{ServiceName: "a", Severity: models.SeverityInfo, Count: 2},
		{ServiceName: "a", Severity: models.SeverityError, Count: 1},
	}, out)
}

func TestErrorSpikesFlagsOutlierBucket(t *testing.T) {
	f := newFixture()
	for h := 0; h < 4; h++ {
		f.add(t, "a", "E", "", models.SeverityError, day.Add(time.Duration(h)*time.Hour))
	}
	for i := 0; i < 10; i++ {
		f.add(t, "a", "E", "", models.SeverityError, day.Add(4*time.Hour+time.Duration(i)*time.Minute))
	}

	e := NewEngine(nil, f.logs, Options{})
	spikes, err := e.ErrorSpikes(context.Background(), models.TimeRange{Start: day, End: day.Add(6 * time.Hour)}, models.GranularityHour)
	require.NoError(t, err)
	require.Len(t, spikes, 1)
	assert.Equal(t, "2024-05-01 04:00", spikes[0].Bucket)
	assert.Equal(t, 10, spikes[0].Count)
	assert.InDelta(t, 5.0, spikes[0].Score, 1e-9)
}

func TestDetectSpikesNeedsEnoughBuckets(t *testing.T) {
	assert.Empty(t, detectSpikes([]TrendPoint{{Count: 1}, {Count: 50}}))
}

func TestRejectsInvertedRange(t *testing.T) {
	e := NewEngine(nil, store.NewMemoryLogStore(0), Options{})
	_, err := e.ServiceHealth(context.Background(), models.TimeRange{Start: day.Add(time.Hour), End: day})
	require.Error(t, err)
	assert.True(t, utils.IsInvalidInput(err))
}

func TestResultsAreCachedForTTL(t *testing.T) {
	f := newFixture()
	rng := models.TimeRange{Start: day, End: day.Add(2 * time.Hour)}
	f.add(t, "a", "E", "", models.SeverityError, day.Add(time.Hour))

	provider := cache.NewMemoryProvider()
	e := NewEngine(nil, f.logs, Options{Cache: provider, CacheTTL: time.Minute})
	first, err := e.ErrorFrequency(context.Background(), rng)
	require.NoError(t, err)
	require.Equal(t, 1, first[0].ErrorCount)

	f.add(t, "a", "E", "", models.SeverityError, day.Add(time.Hour))
	cached, err := e.ErrorFrequency(context.Background(), rng)
	require.NoError(t, err)
	assert.Equal(t, 1, cached[0].ErrorCount, "served from cache")

	uncached := NewEngine(nil, f.logs, Options{})
	fresh, err := uncached.ErrorFrequency(context.Background(), rng)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh[0].ErrorCount)
}

func TestCacheKeysKeepSubSecondRanges(t *testing.T) {
	f := newFixture()
	f.add(t, "a", "E", "", models.SeverityError, day.Add(time.Hour+200*time.Millisecond))

	e := NewEngine(nil, f.logs, Options{Cache: cache.NewMemoryProvider(), CacheTTL: time.Minute})
	before, err := e.ErrorFrequency(context.Background(), models.TimeRange{Start: day, End: day.Add(time.Hour + 100*time.Millisecond)})
	require.NoError(t, err)
	assert.Empty(t, before)

	after, err := e.ErrorFrequency(context.Background(), models.TimeRange{Start: day, End: day.Add(time.Hour + 500*time.Millisecond)})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, 1, after[0].ErrorCount)
}

type brokenLogs struct{ store.LogStore }

func (brokenLogs) Scan(context.Context, store.LogFilter, func(models.LogEvent) error) error {
	return errors.New("connection reset")
}

func TestStoreFailureIsRetryable(t *testing.T) {
	e := NewEngine(nil, brokenLogs{}, Options{})
	out, err := e.ErrorFrequency(context.Background(), models.TimeRange{})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, utils.IsRetryable(err))
}

func TestHealthScore(t *testing.T) {
	assert.Equal(t, 100.0, HealthScore(0, 10))
	assert.Equal(t, 0.0, HealthScore(10, 10))
}
