package storage

import (
	"sync"

	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

// MemoryStorage keeps snapshots in memory only. It backs deployments that
// opt out of checkpointing and doubles as the test store, with error
// injection and call counters.
type MemoryStorage struct {
	mu        sync.RWMutex
	snapshots map[string]map[int64]models.PositionSnapshot

	saveError     error
	saveCallCount int
}

// NewMemoryStorage creates an empty in-memory snapshot store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		snapshots: make(map[string]map[int64]models.PositionSnapshot),
	}
}

// SaveSnapshots stores one user's snapshot set.
func (m *MemoryStorage) SaveSnapshots(userID string, snapshots map[int64]models.PositionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	if len(snapshots) == 0 {
		delete(m.snapshots, userID)
		return nil
	}
	m.snapshots[userID] = copySnapshots(snapshots)
	return nil
}

// LoadSnapshots returns one user's stored snapshot set.
func (m *MemoryStorage) LoadSnapshots(userID string) (map[int64]models.PositionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshots, ok := m.snapshots[userID]
	if !ok {
		return nil, ErrNoSnapshots
	}
	return copySnapshots(snapshots), nil
}

// LoadAll returns the stored snapshots for every user.
func (m *MemoryStorage) LoadAll() (map[string]map[int64]models.PositionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[int64]models.PositionSnapshot, len(m.snapshots))
	for userID, snapshots := range m.snapshots {
		out[userID] = copySnapshots(snapshots)
	}
	return out, nil
}

// DeleteSnapshots removes a user's stored snapshot set.
func (m *MemoryStorage) DeleteSnapshots(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, userID)
	return nil
}

// SetSaveError makes subsequent SaveSnapshots calls fail with err.
func (m *MemoryStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// SaveCallCount returns how many times SaveSnapshots was called.
func (m *MemoryStorage) SaveCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveCallCount
}
