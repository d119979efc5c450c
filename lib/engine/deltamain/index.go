package deltamain

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Index is the hash index over the current main store: it maps every key to
// the record holding its versions. The collector is the only component that
// relocates records, readers resolve keys concurrently at any time.
//
// Thread-safety: all methods are safe for concurrent use.
type Index struct {
	m *xsync.MapOf[uint64, Record]
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{m: xsync.NewMapOf[uint64, Record]()}
}

// Insert points key at the given record. With replace set an existing
// mapping is overwritten; without it the insert only succeeds if the key is
// absent. Returns whether the mapping was installed.
func (ix *Index) Insert(key uint64, r Record, replace bool) bool {
	if replace {
		ix.m.Store(key, r)
		return true
	}
	_, loaded := ix.m.LoadOrStore(key, r)
	return !loaded
}

// Get resolves a key to its current record
func (ix *Index) Get(key uint64) (Record, bool) {
	return ix.m.Load(key)
}

// Remove drops the mapping for key
func (ix *Index) Remove(key uint64) {
	ix.m.Delete(key)
}

// Len returns the number of indexed keys
func (ix *Index) Len() int {
	return ix.m.Size()
}

// Range calls fn for every mapping until fn returns false
func (ix *Index) Range(fn func(key uint64, r Record) bool) {
	ix.m.Range(fn)
}
