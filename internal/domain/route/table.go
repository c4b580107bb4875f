package route

import "sync/atomic"

// Table holds the live snapshot behind an atomic pointer for lock-free reads.
// Readers capture the pointer once per request; Swap installs a new snapshot
// without affecting requests already in flight.
type Table struct {
	live atomic.Pointer[Snapshot]
}

// NewTable creates a Table with the given initial snapshot.
func NewTable(initial *Snapshot) *Table {
	t := &Table{}
	t.live.Store(initial)
	return t
}

// Load returns the current live snapshot.
func (t *Table) Load() *Snapshot {
	return t.live.Load()
}

// Swap installs a new snapshot. Callers serialize swaps (the reload service
// holds a mutex); readers are never blocked.
func (t *Table) Swap(s *Snapshot) {
	t.live.Store(s)
}
