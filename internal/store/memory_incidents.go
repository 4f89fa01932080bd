package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

// MemoryIncidentStore keeps incidents by id with an index of the active
// incident per correlation key. All reads and writes exchange deep copies.
type MemoryIncidentStore struct {
	mu     sync.RWMutex
	byID   map[string]*models.Incident
	active map[models.CorrelationKey]string
	byLog  map[string]string
	now    func() time.Time
}

// NewMemoryIncidentStore returns an empty store.
func NewMemoryIncidentStore() *MemoryIncidentStore {
	return &MemoryIncidentStore{
		byID:   make(map[string]*models.Incident),
		active: make(map[models.CorrelationKey]string),
		byLog:  make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FindOpenByKey implements IncidentStore.
func (s *MemoryIncidentStore) FindOpenByKey(ctx context.Context, key models.CorrelationKey) (*models.Incident, error) {
	if err := checkCtx(ctx, "incidents.find_open"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[key]
	if !ok {
		return nil, nil
	}
	return s.byID[id].Clone(), nil
}

// FindByLog implements IncidentStore.
func (s *MemoryIncidentStore) FindByLog(ctx context.Context, logID string) (*models.Incident, error) {
	if err := checkCtx(ctx, "incidents.find_by_log"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLog[logID]
	if !ok {
		return nil, nil
	}
	return s.byID[id].Clone(), nil
}

// Get implements IncidentStore.
func (s *MemoryIncidentStore) Get(ctx context.Context, id string) (*models.Incident, error) {
	if err := checkCtx(ctx, "incidents.get"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id].Clone(), nil
}

// Upsert implements IncidentStore.
func (s *MemoryIncidentStore) Upsert(ctx context.Context, inc *models.Incident) (*models.Incident, error) {
	if err := checkCtx(ctx, "incidents.upsert"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if inc.Version == 0 {
		if _, exists := s.byID[inc.ID]; exists {
			return nil, ErrConflict
		}
		if inc.Status.Active() {
			if _, taken := s.active[inc.Key]; taken {
				return nil, ErrConflict
			}
		}
	} else {
		current, ok := s.byID[inc.ID]
		if !ok {
			return nil, ErrNotFound
		}
		if current.Version != inc.Version {
			return nil, ErrConflict
		}
		if current.Status != inc.Status && !current.Status.CanTransition(inc.Status) {
			return nil, ErrInvalidTransition
		}
	}

	stored := inc.Clone()
	stored.Version++
	stored.UpdatedAt = s.now()
	s.put(stored)
	return stored.Clone(), nil
}

// put stores inc and maintains the active-key and log indexes. Callers hold s.mu.
func (s *MemoryIncidentStore) put(inc *models.Incident) {
	s.byID[inc.ID] = inc
	for _, logID := range inc.LogIDs {
		if _, owned := s.byLog[logID]; !owned {
			s.byLog[logID] = inc.ID
		}
	}
	if inc.Status.Active() {
		s.active[inc.Key] = inc.ID
	} else if s.active[inc.Key] == inc.ID {
		delete(s.active, inc.Key)
	}
}

// UpdateStatus implements IncidentStore. Setting the current status again only
// applies assignee and tag changes; a backward move fails with ErrInvalidTransition.
func (s *MemoryIncidentStore) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*models.Incident, error) {
	if err := checkCtx(ctx, "incidents.update_status"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if update.ExpectedVersion != 0 && current.Version != update.ExpectedVersion {
		return nil, ErrConflict
	}
	changed := false
	next := current.Clone()
	if update.Status != "" && update.Status != current.Status {
		if !current.Status.CanTransition(update.Status) {
			return nil, ErrInvalidTransition
		}
		next.Status = update.Status
		if update.Status == models.StatusResolved {
			at := update.At
			if at.IsZero() {
				at = s.now()
			}
			next.ResolvedAt = &at
		}
		changed = true
	}
	if update.Assignee != nil && *update.Assignee != current.Assignee {
		next.Assignee = *update.Assignee
		changed = true
	}
	if update.Tags != nil {
		next.Tags = append([]string(nil), update.Tags...)
		changed = true
	}
	if !changed {
		return current.Clone(), nil
	}
	next.Version++
	next.UpdatedAt = s.now()
	s.put(next)
	return next.Clone(), nil
}

// Find implements IncidentStore.
func (s *MemoryIncidentStore) Find(ctx context.Context, filter IncidentFilter, limit, offset int) ([]*models.Incident, error) {
	if err := checkCtx(ctx, "incidents.find"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := make([]*models.Incident, 0)
	for _, inc := range s.byID {
		if filter.Match(inc) {
			matched = append(matched, inc.Clone())
		}
	}
	s.mu.RUnlock()

	ascending := filter.SLABreached != nil && *filter.SLABreached
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.DetectedAt.Equal(b.DetectedAt) {
			if ascending {
				return a.DetectedAt.Before(b.DetectedAt)
			}
			return a.DetectedAt.After(b.DetectedAt)
		}
		return a.ID < b.ID
	})
	return paginate(matched, limit, offset), nil
}

// Stats implements IncidentStore.
func (s *MemoryIncidentStore) Stats(ctx context.Context) (models.IncidentStats, error) {
	if err := checkCtx(ctx, "incidents.stats"); err != nil {
		return models.IncidentStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.IncidentStats{BySeverity: make(map[models.Severity]int)}
	services := make(map[string]int)
	for _, inc := range s.byID {
		stats.Total++
		switch inc.Status {
		case models.StatusOpen:
			stats.Open++
		case models.StatusAcknowledged:
			stats.Acknowledged++
		case models.StatusResolved:
			stats.Resolved++
		}
		if inc.SLABreached && inc.Status.Active() {
			stats.SLABreached++
		}
		stats.BySeverity[inc.Severity]++
		services[inc.Key.ServiceName]++
	}
	stats.TopServices = topCounts(services, 5)
	return stats, nil
}

func topCounts(counts map[string]int, n int) []models.ServiceCount {
	out := make([]models.ServiceCount, 0, len(counts))
	for service, count := range counts {
		out = append(out, models.ServiceCount{ServiceName: service, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ServiceName < out[j].ServiceName
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Len returns the number of stored incidents.
func (s *MemoryIncidentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *MemoryIncidentStore) snapshot() []*models.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Incident, 0, len(s.byID))
	for _, inc := range s.byID {
		out = append(out, inc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryIncidentStore) restore(incidents []*models.Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*models.Incident, len(incidents))
	s.active = make(map[models.CorrelationKey]string)
	s.byLog = make(map[string]string)
	for _, inc := range incidents {
		s.put(inc.Clone())
	}
}
