package memory

import "errors"

// ErrDuplicateTurn is returned by [Graph.Append] when a turn with the same ID
// is already present. Because IDs are content-addressed, this indicates the
// caller replayed an append, which would corrupt ordering if stored twice.
var ErrDuplicateTurn = errors.New("memory: duplicate turn id")

// ErrNotFound is returned by lookups across the memory packages when the
// requested record does not exist in any reachable tier.
var ErrNotFound = errors.New("memory: not found")
