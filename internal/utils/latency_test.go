package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	durations := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for _, d := range durations {
		tracker.Observe(d)
	}

	if tracker.Count() != len(durations) {
		t.Fatalf("expected count %d, got %d", len(durations), tracker.Count())
	}

	p95 := tracker.Percentile(95)
	if p95 < 40*time.Millisecond {
		t.Fatalf("expected percentile >= 40ms, got %v", p95)
	}
}

func TestLatencyTrackerBoundedSize(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 0; i < 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	if tracker.Count() != 3 {
		t.Fatalf("expected tracker size 3, got %d", tracker.Count())
	}
}

func TestLatencyTrackerSummary(t *testing.T) {
	tracker := NewLatencyTracker(100)
	for i := 1; i <= 100; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	summary := tracker.Summary()
	if summary.Samples != 100 {
		t.Fatalf("expected 100 samples, got %d", summary.Samples)
	}
	if summary.P50 > summary.P95 || summary.P95 > summary.P99 {
		t.Fatalf("percentiles out of order: %+v", summary)
	}
	if summary.P99 < 98*time.Millisecond {
		t.Fatalf("unexpected p99 %v", summary.P99)
	}
}

func TestLatencyTrackerKeepsNewest(t *testing.T) {
	tracker := NewLatencyTracker(2)
	tracker.Observe(time.Second)
	tracker.Observe(2 * time.Millisecond)
	tracker.Observe(3 * time.Millisecond)
	if max := tracker.Percentile(100); max != 3*time.Millisecond {
		t.Fatalf("expected oldest sample evicted, max=%v", max)
	}
}

func TestLatencyTrackerTotalOutlivesRing(t *testing.T) {
	tracker := NewLatencyTracker(4)
	for i := 0; i < 10; i++ {
		tracker.Observe(time.Millisecond)
	}
	summary := tracker.Summary()
	if summary.Samples != 4 || summary.Observed != 10 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if tracker.Percentile(0) != time.Millisecond {
		t.Fatalf("unexpected p0 %v", tracker.Percentile(0))
	}
}
