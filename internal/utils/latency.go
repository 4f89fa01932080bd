package utils

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps the most recent samples in a ring and reports
// percentiles over them.
type LatencyTracker struct {
	mu    sync.Mutex
	ring  []time.Duration
	next  int
	total int64
}

// NewLatencyTracker retains up to size samples (512 when size <= 0).
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{ring: make([]time.Duration, 0, size)}
}

// Observe records d, overwriting the oldest sample once the ring is full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if len(l.ring) < cap(l.ring) {
		l.ring = append(l.ring, d)
		return
	}
	l.ring[l.next] = d
	l.next = (l.next + 1) % len(l.ring)
}

// Count is the number of retained samples.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ring)
}

// Total is the number of samples ever observed.
func (l *LatencyTracker) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *LatencyTracker) sorted() []time.Duration {
	l.mu.Lock()
	out := slices.Clone(l.ring)
	l.mu.Unlock()
	slices.Sort(out)
	return out
}

// Percentile returns the nearest-rank p-th percentile (0-100), or zero with no samples.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	return rank(l.sorted(), p)
}

func rank(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	p = min(max(p, 0), 100)
	return sorted[int(p/100*float64(len(sorted)-1))]
}

// LatencySummary is a point-in-time percentile view.
type LatencySummary struct {
	Samples  int           `json:"samples"`
	Observed int64         `json:"observed"`
	P50      time.Duration `json:"p50"`
	P95      time.Duration `json:"p95"`
	P99      time.Duration `json:"p99"`
}

// Summary computes every percentile from one snapshot of the ring.
func (l *LatencyTracker) Summary() LatencySummary {
	sorted := l.sorted()
	return LatencySummary{
		Samples:  len(sorted),
		Observed: l.Total(),
		P50:      rank(sorted, 50),
		P95:      rank(sorted, 95),
		P99:      rank(sorted, 99),
	}
}
