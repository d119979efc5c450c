package commit

import (
	"sync"
)

// Manager is the commit version clock. Begin opens a transaction pinned to a
// snapshot of the clock, Commit assigns the next version. Active snapshots
// are kept in begin order, which makes the reclamation horizon an O(1) read
// of the oldest one.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	nextID  uint64
	version uint64
	active  *snapshotSet
	lowest  uint64
}

// NewManager creates a clock starting at version zero with no active
// transactions
func NewManager() *Manager {
	return &Manager{active: newSnapshotSet()}
}

// Tx is one open transaction. It must be finished with exactly one call to
// Commit or Abort.
type Tx struct {
	m        *Manager
	id       uint64
	snapshot uint64
	finished bool
}

// Begin opens a transaction reading at the current version
func (m *Manager) Begin() *Tx {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	tx := &Tx{m: m, id: m.nextID, snapshot: m.version}
	m.active.add(tx.id, tx.snapshot)
	return tx
}

// Snapshot returns the version the transaction reads at
func (tx *Tx) Snapshot() uint64 {
	return tx.snapshot
}

// Commit finishes the transaction and returns its newly assigned commit
// version
func (tx *Tx) Commit() uint64 {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	tx.finish()
	m.version++
	return m.version
}

// Abort finishes the transaction without assigning a version
func (tx *Tx) Abort() {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	tx.finish()
}

func (tx *Tx) finish() {
	if tx.finished {
		panic("commit: transaction finished twice")
	}
	tx.finished = true
	tx.m.active.remove(tx.id)
}

// Version returns the last committed version
func (m *Manager) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// ActiveTransactions returns the number of open transactions
func (m *Manager) ActiveTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.size()
}

// LowestActiveVersion returns the reclamation horizon: the lowest snapshot
// any open transaction reads at, or the last committed version when no
// transaction is open. No future snapshot can be lower than that, so the
// newest committed version of every key stays readable. The result never
// decreases.
func (m *Manager) LowestActiveVersion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	low := m.version
	if oldest, ok := m.active.min(); ok {
		low = oldest
	}
	if low > m.lowest {
		m.lowest = low
	}
	return m.lowest
}
