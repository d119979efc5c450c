package deltamain

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/aspenkv/aspen/lib/engine/pagepool"
)

// pageDataStart is the offset of the first record in a main page. The first
// word of the page holds the used byte count, the rest of the header is
// reserved.
const pageDataStart = 16

// Page is one page of the main store: a dense sequence of multi-version
// records starting at byte 16. startOffset tracks incremental collection,
// records before it were already relocated in an earlier pass. A doomed
// page is scheduled for replacement; readers finishing on it know it will
// be released once the index no longer references it.
type Page struct {
	block       *pagepool.Page
	used        uint32
	startOffset uint32
	doomed      atomic.Bool
}

func newPage(block *pagepool.Page) *Page {
	return &Page{
		block:       block,
		used:        pageDataStart,
		startOffset: pageDataStart,
	}
}

// finish writes the used byte count into the page header
func (p *Page) finish() {
	binary.LittleEndian.PutUint32(p.block.Data[0:], p.used)
}

// Doomed reports whether the page is scheduled for replacement
func (p *Page) Doomed() bool {
	return p.doomed.Load()
}

// RecordAt returns a view of the record starting at off
func (p *Page) RecordAt(off uint32) Record {
	return NewRecord(p.block.Data[off:])
}

// needsCleaning decides whether a collector pass must rewrite this page: a
// previous pass left it half processed, or some record would change under
// the given reclamation horizon and pending inserts
func (p *Page) needsCleaning(lowest uint64, im *InsertMap) bool {
	if p.startOffset != pageDataStart {
		return true
	}
	for off := p.startOffset; off < p.used; {
		r := p.RecordAt(off)
		if r.NeedsCleaning(lowest, im) {
			return true
		}
		off += r.Size()
	}
	return false
}
