// Package storage persists per-user position snapshots between process
// restarts. Without a checkpoint, every restart would look like a fresh
// start and closures that happened while the bridge was down could be
// missed or double-reported.
package storage

import (
	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

// Interface defines the contract for snapshot checkpoint persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call them from multiple
// goroutines.
type Interface interface {
	// SaveSnapshots persists the snapshot set for one user, replacing any
	// previously stored set.
	SaveSnapshots(userID string, snapshots map[int64]models.PositionSnapshot) error

	// LoadSnapshots returns the persisted snapshot set for one user.
	// Returns ErrNoSnapshots when the user has nothing stored.
	LoadSnapshots(userID string) (map[int64]models.PositionSnapshot, error)

	// LoadAll returns the persisted snapshots for every user.
	LoadAll() (map[string]map[int64]models.PositionSnapshot, error)

	// DeleteSnapshots removes a user's persisted snapshot set.
	DeleteSnapshots(userID string) error
}

// NewStorage creates a new storage implementation (currently JSON-based).
// In the future, this can be extended to support different storage backends.
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure implementations satisfy Interface.
var (
	_ Interface = (*JSONStorage)(nil)
	_ Interface = (*MemoryStorage)(nil)
)
