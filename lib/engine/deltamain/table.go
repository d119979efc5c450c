package deltamain

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/aspenkv/aspen/lib/engine/mvlog"
	"github.com/aspenkv/aspen/lib/engine/pagepool"
	"github.com/aspenkv/aspen/lib/engine/smr"
	"github.com/aspenkv/aspen/lib/engine/util"
)

// entryTypeRecord tags log entries carrying a serialized record
const entryTypeRecord = 1

// KV is one item of a bulk load
type KV struct {
	Key     uint64
	Version uint64
	Data    []byte
}

// Table is one delta-main table. Transactional writes append records to the
// ordered delta log, bulk loads build page chains for the unordered staging
// log; both buffer their writes in the insert map until a collector pass
// folds them into main pages and repoints the index.
//
// Thread-safety: Insert, Delete, Get and Ingest are safe for concurrent
// use. RunGC serializes itself per table.
type Table struct {
	name string
	pool *pagepool.Pool
	dom  *smr.Domain

	delta   *mvlog.OrderedLog
	staging *mvlog.UnorderedLog
	inserts *InsertMap
	index   *Index
	sizes   *util.SizeHistogram

	gcMu sync.Mutex
	main []*Page
}

// NewTable creates an empty table drawing pages from the given pool
func NewTable(name string, pool *pagepool.Pool, dom *smr.Domain) (*Table, error) {
	delta, err := mvlog.NewOrderedLog(pool, dom)
	if err != nil {
		return nil, errors.Wrapf(err, "deltamain: table %q: delta log", name)
	}
	staging, err := mvlog.NewUnorderedLog(pool, dom)
	if err != nil {
		return nil, errors.Wrapf(err, "deltamain: table %q: staging log", name)
	}

	return &Table{
		name:    name,
		pool:    pool,
		dom:     dom,
		delta:   delta,
		staging: staging,
		inserts: NewInsertMap(),
		index:   NewIndex(),
		sizes:   util.NewSizeHistogram(),
	}, nil
}

// Name returns the table name
func (t *Table) Name() string {
	return t.name
}

// Insert writes a new version for key. The version must come from the
// commit clock; per key, versions arrive in increasing order.
func (t *Table) Insert(key, version uint64, data []byte) error {
	size := recordSize(1, len(data))

	e := t.delta.Append(size, entryTypeRecord)
	if e == nil {
		return errors.Errorf("deltamain: table %q: insert failed, page pool exhausted", t.name)
	}

	writeRecord(e.Data(), key, []uint64{version}, [][]byte{data})
	rec := NewRecord(e.Data())

	// the write must be buffered before the entry seals, so log truncation
	// never outruns the insert map
	t.inserts.Add(key, Pending{Version: version, Data: rec.Payload(0)})
	t.delta.Seal(e)

	t.sizes.AddSample(len(data))
	return nil
}

// Delete writes a tombstone for key at the given version
func (t *Table) Delete(key, version uint64) error {
	return t.Insert(key, version, nil)
}

// Get resolves the newest version of key visible at readVersion. The result
// is a copy, valid after the call returns.
func (t *Table) Get(key, readVersion uint64) ([]byte, bool) {
	g := t.dom.Enter()
	defer g.Exit()

	// buffered writes are newer than anything in the main store
	ps := t.inserts.Pending(key)
	for i := len(ps) - 1; i >= 0; i-- {
		if ps[i].Version > readVersion {
			continue
		}
		if len(ps[i].Data) == 0 {
			return nil, false
		}
		return append([]byte(nil), ps[i].Data...), true
	}

	if r, ok := t.index.Get(key); ok {
		if data, ok := r.Read(readVersion); ok {
			return append([]byte(nil), data...), true
		}
	}
	return nil, false
}

// Ingest bulk-loads items by building a page chain outside the staging log
// and splicing it in with a single head update. On pool exhaustion the
// items placed so far stay loaded and an error reports the rest.
func (t *Table) Ingest(items []KV) error {
	if len(items) == 0 {
		return nil
	}

	begin := t.staging.AllocPage()
	if begin == nil {
		return errors.Errorf("deltamain: table %q: ingest failed, page pool exhausted", t.name)
	}
	cur := begin

	type placed struct {
		key uint64
		p   Pending
	}
	placedList := make([]placed, 0, len(items))

	splice := func() {
		t.staging.AppendPage(begin, cur)
		// visible only once the chain is reachable from the log
		for _, pl := range placedList {
			t.inserts.Add(pl.key, pl.p)
		}
	}

	for i, item := range items {
		size := recordSize(1, len(item.Data))

		e := cur.Append(size, entryTypeRecord)
		if e == nil {
			next := t.staging.AllocPage()
			if next == nil {
				splice()
				return errors.Errorf("deltamain: table %q: ingest stopped after %d of %d items, page pool exhausted",
					t.name, i, len(items))
			}
			cur.Link(next)
			cur = next
			if e = cur.Append(size, entryTypeRecord); e == nil {
				splice()
				return errors.Errorf("deltamain: table %q: ingest item %d exceeds page capacity", t.name, i)
			}
		}

		writeRecord(e.Data(), item.Key, []uint64{item.Version}, [][]byte{item.Data})
		rec := NewRecord(e.Data())
		t.staging.Seal(e)

		placedList = append(placedList, placed{
			key: item.Key,
			p:   Pending{Version: item.Version, Data: rec.Payload(0)},
		})
		t.sizes.AddSample(len(item.Data))
	}

	splice()
	return nil
}

// Index returns the table's hash index
func (t *Table) Index() *Index {
	return t.index
}

// ValueSizes returns the histogram of value sizes written to this table
func (t *Table) ValueSizes() *util.SizeHistogram {
	return t.sizes
}

// PendingWrites returns the number of keys with buffered writes
func (t *Table) PendingWrites() int {
	return t.inserts.Len()
}

// MainPages returns the number of pages in the current main store
func (t *Table) MainPages() int {
	t.gcMu.Lock()
	defer t.gcMu.Unlock()
	return len(t.main)
}
