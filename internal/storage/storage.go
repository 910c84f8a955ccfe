package storage

import (
	"sort"
	"sync"

	"github.com/example/ride-realtime/model"
)

// RideStore persists ride lifecycle records for the push server.
type RideStore interface {
	SaveStatus(rec model.RideStatus) error
	LatestStatus(rideID string) (model.RideStatus, bool, error)
	History(rideID string) ([]model.RideStatus, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]model.RideStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]model.RideStatus)}
}

func (m *MemoryStore) SaveStatus(rec model.RideStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.RideID] = append(m.records[rec.RideID], rec)
	return nil
}

func (m *MemoryStore) LatestStatus(rideID string) (model.RideStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.records[rideID]
	if len(recs) == 0 {
		return model.RideStatus{}, false, nil
	}
	latest := recs[0]
	for _, r := range recs[1:] {
		if r.UpdatedAt >= latest.UpdatedAt {
			latest = r
		}
	}
	return latest, true, nil
}

func (m *MemoryStore) History(rideID string) ([]model.RideStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.records[rideID]
	out := make([]model.RideStatus, len(recs))
	copy(out, recs)
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt < out[j].UpdatedAt })
	return out, nil
}
