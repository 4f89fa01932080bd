package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

// maxIndexedBuckets bounds how many minute buckets a range query walks before
// falling back to a full scan.
const maxIndexedBuckets = 24 * 60

// MemoryLogStore keeps events in insertion order with severity, request and
// minute-bucket indexes.
type MemoryLogStore struct {
	mu        sync.RWMutex
	logs      []models.LogEvent
	byID      map[string]int
	bySev     map[models.Severity][]int
	byRequest map[string][]int
	byMinute  map[int64][]int
	maxLogs   int
	now       func() time.Time
}

// NewMemoryLogStore creates a store holding at most maxLogs events (0 = unbounded).
// When full, the oldest fifth is evicted.
func NewMemoryLogStore(maxLogs int) *MemoryLogStore {
	s := &MemoryLogStore{maxLogs: maxLogs, now: func() time.Time { return time.Now().UTC() }}
	s.resetIndexes()
	return s
}

func (s *MemoryLogStore) resetIndexes() {
	s.byID = make(map[string]int, len(s.logs))
	s.bySev = make(map[models.Severity][]int)
	s.byRequest = make(map[string][]int)
	s.byMinute = make(map[int64][]int)
}

func (s *MemoryLogStore) index(idx int) {
	ev := s.logs[idx]
	s.byID[ev.ID] = idx
	s.bySev[ev.Severity] = append(s.bySev[ev.Severity], idx)
	if ev.RequestID != "" {
		s.byRequest[ev.RequestID] = append(s.byRequest[ev.RequestID], idx)
	}
	bucket := ev.Timestamp.Unix() / 60
	s.byMinute[bucket] = append(s.byMinute[bucket], idx)
}

// Append implements LogStore.
func (s *MemoryLogStore) Append(ctx context.Context, ev models.LogEvent) (string, error) {
	if err := checkCtx(ctx, "logs.append"); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[ev.ID]; exists {
		return "", &DuplicateError{ID: ev.ID}
	}
	ev = ev.Clone()
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = s.now()
	}
	s.logs = append(s.logs, ev)
	s.index(len(s.logs) - 1)

	if s.maxLogs > 0 && len(s.logs) > s.maxLogs {
		s.evictOldest()
	}
	return ev.ID, nil
}

func (s *MemoryLogStore) evictOldest() {
	evict := s.maxLogs / 5
	if evict < 1 {
		evict = 1
	}
	s.logs = append([]models.LogEvent(nil), s.logs[evict:]...)
	s.rebuild()
}

func (s *MemoryLogStore) rebuild() {
	s.resetIndexes()
	for idx := range s.logs {
		s.index(idx)
	}
}

// Prune drops events whose timestamp precedes cutoff and reports how many went.
func (s *MemoryLogStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if err := checkCtx(ctx, "logs.prune"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.logs[:0]
	for _, ev := range s.logs {
		if !ev.Timestamp.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	removed := len(s.logs) - len(kept)
	if removed > 0 {
		s.logs = kept
		s.rebuild()
	}
	return removed, nil
}

// candidates picks the narrowest index for filter. Callers hold s.mu.
func (s *MemoryLogStore) candidates(filter LogFilter) []int {
	if filter.RequestID != "" {
		return s.byRequest[filter.RequestID]
	}
	if r := filter.Range; !r.Start.IsZero() && !r.End.IsZero() {
		first, last := r.Start.Unix()/60, r.End.Unix()/60
		if last-first <= maxIndexedBuckets {
			var out []int
			for bucket := first; bucket <= last; bucket++ {
				out = append(out, s.byMinute[bucket]...)
			}
			return out
		}
	}
	if filter.Severity != nil {
		return s.bySev[*filter.Severity]
	}
	if filter.ErrorClassOnly {
		return append(append([]int(nil), s.bySev[models.SeverityError]...), s.bySev[models.SeverityCritical]...)
	}
	out := make([]int, len(s.logs))
	for i := range out {
		out[i] = i
	}
	return out
}

func (s *MemoryLogStore) collect(filter LogFilter) []models.LogEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.candidates(filter)
	out := make([]models.LogEvent, 0, len(idxs))
	for _, idx := range idxs {
		ev := s.logs[idx]
		if filter.Match(ev) {
			out = append(out, ev.Clone())
		}
	}
	return out
}

// Query implements LogStore.
func (s *MemoryLogStore) Query(ctx context.Context, filter LogFilter, limit, offset int) ([]models.LogEvent, error) {
	if err := checkCtx(ctx, "logs.query"); err != nil {
		return nil, err
	}
	events := s.collect(filter)
	ascending := filter.RequestID != ""
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if ascending {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})
	return paginate(events, limit, offset), nil
}

// Get implements LogStore.
func (s *MemoryLogStore) Get(ctx context.Context, ids []string) ([]models.LogEvent, error) {
	if err := checkCtx(ctx, "logs.get"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.LogEvent, 0, len(ids))
	for _, id := range ids {
		if idx, ok := s.byID[id]; ok {
			out = append(out, s.logs[idx].Clone())
		}
	}
	return out, nil
}

// Scan implements LogStore. fn runs outside the store lock.
func (s *MemoryLogStore) Scan(ctx context.Context, filter LogFilter, fn func(models.LogEvent) error) error {
	if err := checkCtx(ctx, "logs.scan"); err != nil {
		return err
	}
	for i, ev := range s.collect(filter) {
		if i%1024 == 0 {
			if err := checkCtx(ctx, "logs.scan"); err != nil {
				return err
			}
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// Count implements LogStore.
func (s *MemoryLogStore) Count(ctx context.Context, filter LogFilter) (int, error) {
	if err := checkCtx(ctx, "logs.count"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, idx := range s.candidates(filter) {
		if filter.Match(s.logs[idx]) {
			n++
		}
	}
	return n, nil
}

// Len returns the number of retained events.
func (s *MemoryLogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

func (s *MemoryLogStore) snapshot() []models.LogEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LogEvent, len(s.logs))
	for i, ev := range s.logs {
		out[i] = ev.Clone()
	}
	return out
}

func (s *MemoryLogStore) restore(events []models.LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append([]models.LogEvent(nil), events...)
	s.rebuild()
}
