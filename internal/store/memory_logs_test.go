package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func event(id, service string, sev models.Severity, at time.Duration) models.LogEvent {
	return models.LogEvent{
		ID:          id,
		ServiceName: service,
		Environment: models.EnvProduction,
		Severity:    sev,
		Message:     "msg " + id,
		ErrorCode:   "E1",
		Timestamp:   base.Add(at),
	}
}

func TestMemoryLogStoreAppendRejectsDuplicates(t *testing.T) {
	s := NewMemoryLogStore(0)
	ctx := context.Background()

	id, err := s.Append(ctx, event("a", "checkout", models.SeverityError, 0))
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	_, err = s.Append(ctx, event("a", "checkout", models.SeverityError, time.Second))
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryLogStoreQueryOrdering(t *testing.T) {
	s := NewMemoryLogStore(0)
	ctx := context.Background()
	for i, offset := range []time.Duration{time.Minute, 3 * time.Minute, 2 * time.Minute} {
		ev := event(fmt.Sprintf("e%d", i), "checkout", models.SeverityError, offset)
		ev.RequestID = "req-1"
		_, err := s.Append(ctx, ev)
		require.NoError(t, err)
	}

	desc, err := s.Query(ctx, LogFilter{Service: "checkout"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, []string{"e1", "e2", "e0"}, ids(desc))

	trace, err := s.Query(ctx, LogFilter{RequestID: "req-1"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e0", "e2", "e1"}, ids(trace))

	page, err := s.Query(ctx, LogFilter{}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, ids(page))

	empty, err := s.Query(ctx, LogFilter{}, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryLogStoreRangeAndSeverityFilters(t *testing.T) {
	s := NewMemoryLogStore(0)
	ctx := context.Background()
	_, _ = s.Append(ctx, event("info", "a", models.SeverityInfo, 0))
	_, _ = s.Append(ctx, event("err", "a", models.SeverityError, 5*time.Minute))
	_, _ = s.Append(ctx, event("crit", "b", models.SeverityCritical, 10*time.Minute))

	n, err := s.Count(ctx, LogFilter{ErrorClassOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rng := models.TimeRange{Start: base.Add(time.Minute), End: base.Add(6 * time.Minute)}
	got, err := s.Query(ctx, LogFilter{Range: rng}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"err"}, ids(got))

	// a range wider than the bucket index falls back to a full scan
	wide := models.TimeRange{Start: base.Add(-72 * time.Hour), End: base.Add(time.Hour)}
	n, err = s.Count(ctx, LogFilter{Range: wide})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	crit := models.SeverityCritical
	got, err = s.Query(ctx, LogFilter{Severity: &crit}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"crit"}, ids(got))
}

func TestMemoryLogStoreEvictsOldest(t *testing.T) {
	s := NewMemoryLogStore(10)
	ctx := context.Background()
	for i := 0; i < 11; i++ {
		_, err := s.Append(ctx, event(fmt.Sprintf("e%02d", i), "svc", models.SeverityError, time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	assert.Equal(t, 9, s.Len())

	got, err := s.Get(ctx, []string{"e00", "e01", "e02", "e10"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e02", "e10"}, ids(got))

	// evicted ids can be appended again
	_, err = s.Append(ctx, event("e00", "svc", models.SeverityError, 0))
	assert.NoError(t, err)
}

func TestMemoryLogStorePrune(t *testing.T) {
	s := NewMemoryLogStore(0)
	ctx := context.Background()
	_, _ = s.Append(ctx, event("old", "svc", models.SeverityError, -48*time.Hour))
	_, _ = s.Append(ctx, event("new", "svc", models.SeverityError, 0))

	removed, err := s.Prune(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	got, _ := s.Query(ctx, LogFilter{}, 0, 0)
	assert.Equal(t, []string{"new"}, ids(got))
}

func TestMemoryLogStoreReturnsCopies(t *testing.T) {
	s := NewMemoryLogStore(0)
	ctx := context.Background()
	ev := event("a", "svc", models.SeverityError, 0)
	ev.Metadata = map[string]string{"k": "v"}
	_, _ = s.Append(ctx, ev)
	ev.Metadata["k"] = "mutated"

	got, _ := s.Get(ctx, []string{"a"})
	require.Len(t, got, 1)
	assert.Equal(t, "v", got[0].Metadata["k"])
	assert.False(t, got[0].IngestedAt.IsZero())
}

func TestMemoryLogStoreCancelledContext(t *testing.T) {
	s := NewMemoryLogStore(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Append(ctx, event("a", "svc", models.SeverityError, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, utils.IsRetryable(err))
}

func ids(events []models.LogEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}
