package storage

import "errors"

// ErrNoSnapshots is returned when a user has no persisted snapshots.
var ErrNoSnapshots = errors.New("no snapshots found")
