package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

// JSONStorage checkpoints snapshots to a single JSON file. Writes go to a
// temp file first and are renamed into place so a crash mid-write never
// leaves a truncated checkpoint.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *checkpointData
}

type checkpointData struct {
	Snapshots   map[string]map[int64]models.PositionSnapshot `json:"snapshots"`
	LastUpdated time.Time                                    `json:"last_updated"`
}

// NewJSONStorage creates a JSON-file checkpoint store, loading any existing
// checkpoint at filepath.
func NewJSONStorage(filepath string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: filepath,
		data: &checkpointData{
			Snapshots: make(map[string]map[int64]models.PositionSnapshot),
		},
	}

	if _, err := os.Stat(filepath); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading checkpoint: %w", err)
		}
	}

	return s, nil
}

func (s *JSONStorage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, s.data); err != nil {
		return err
	}
	if s.data.Snapshots == nil {
		s.data.Snapshots = make(map[string]map[int64]models.PositionSnapshot)
	}

	return nil
}

// save writes the checkpoint to disk. Callers must hold s.mu.
func (s *JSONStorage) save() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o644); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile, s.filepath)
}

// SaveSnapshots persists one user's snapshot set, replacing the stored set.
func (s *JSONStorage) SaveSnapshots(userID string, snapshots map[int64]models.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(snapshots) == 0 {
		delete(s.data.Snapshots, userID)
	} else {
		s.data.Snapshots[userID] = copySnapshots(snapshots)
	}
	return s.save()
}

// LoadSnapshots returns one user's persisted snapshot set.
func (s *JSONStorage) LoadSnapshots(userID string) (map[int64]models.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots, ok := s.data.Snapshots[userID]
	if !ok {
		return nil, ErrNoSnapshots
	}
	return copySnapshots(snapshots), nil
}

// LoadAll returns the persisted snapshots for every user.
func (s *JSONStorage) LoadAll() (map[string]map[int64]models.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[int64]models.PositionSnapshot, len(s.data.Snapshots))
	for userID, snapshots := range s.data.Snapshots {
		out[userID] = copySnapshots(snapshots)
	}
	return out, nil
}

// DeleteSnapshots removes a user's persisted snapshot set.
func (s *JSONStorage) DeleteSnapshots(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Snapshots[userID]; !ok {
		return nil
	}
	delete(s.data.Snapshots, userID)
	return s.save()
}

// copySnapshots returns a shallow copy so callers cannot mutate stored state.
func copySnapshots(in map[int64]models.PositionSnapshot) map[int64]models.PositionSnapshot {
	out := make(map[int64]models.PositionSnapshot, len(in))
	for ticket, snap := range in {
		out[ticket] = snap
	}
	return out
}
