package deltamain

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Pending is one buffered write for a key that has not been folded into a
// main page yet. Data points into the log entry carrying the write; a
// zero-length Data marks a tombstone.
type Pending struct {
	Version uint64
	Data    []byte
}

// InsertMap buffers pending writes per key between collector passes.
// Writers append, readers resolve the newest visible pending, and the
// collector drains entries as it folds them into fill pages.
//
// The per-key slices are copy-on-write: a slice returned by Pending is never
// mutated afterwards, so readers may hold it without synchronization.
//
// Thread-safety: all methods are safe for concurrent use.
type InsertMap struct {
	m *xsync.MapOf[uint64, []Pending]
}

// NewInsertMap creates an empty insert map
func NewInsertMap() *InsertMap {
	return &InsertMap{m: xsync.NewMapOf[uint64, []Pending]()}
}

// Add appends a pending write for key. Versions per key must be added in
// increasing order; the commit clock guarantees this for transactional
// writes.
func (im *InsertMap) Add(key uint64, p Pending) {
	im.m.Compute(key, func(old []Pending, _ bool) ([]Pending, bool) {
		next := make([]Pending, len(old)+1)
		copy(next, old)
		next[len(old)] = p
		return next, false
	})
}

// Pending returns the buffered writes for key, oldest first. The returned
// slice is immutable.
func (im *InsertMap) Pending(key uint64) []Pending {
	ps, _ := im.m.Load(key)
	return ps
}

// Drop removes the first n pending writes of key, keeping writes that
// arrived after the caller observed the slice it folded.
func (im *InsertMap) Drop(key uint64, n int) {
	if n == 0 {
		return
	}
	im.m.Compute(key, func(old []Pending, loaded bool) ([]Pending, bool) {
		if !loaded || len(old) <= n {
			return nil, true
		}
		rest := make([]Pending, len(old)-n)
		copy(rest, old[n:])
		return rest, false
	})
}

// Range calls fn for every key with buffered writes until fn returns false
func (im *InsertMap) Range(fn func(key uint64, ps []Pending) bool) {
	im.m.Range(fn)
}

// Empty reports whether no pending writes remain
func (im *InsertMap) Empty() bool {
	return im.m.Size() == 0
}

// Len returns the number of keys with buffered writes
func (im *InsertMap) Len() int {
	return im.m.Size()
}
