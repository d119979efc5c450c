package mvlog

import (
	"sync/atomic"

	"github.com/aspenkv/aspen/lib/engine/pagepool"
)

// LogPage wraps one pool page for use in a log. The page header state lives
// in the wrapper: the offset word packs the position of the next free byte
// in the upper 31 bits with an open flag in the least significant bit
// (LSB=1 means open), and next links to the following page of the chain
// (the newer page in an ordered log, the older one in an unordered log).
// The first 16 bytes
// of the underlying page stay unused so entry headers land at addresses
// congruent to 8 modulo 16.
type LogPage struct {
	block  *pagepool.Page
	data   []byte
	offset atomic.Uint32
	next   atomic.Pointer[LogPage]
}

func newLogPage(block *pagepool.Page) *LogPage {
	p := &LogPage{
		block: block,
		data:  block.Data[pageHeaderSize:],
	}
	// position 0, open
	p.offset.Store(0x1)
	return p
}

// capacity returns the usable payload area of the page in bytes
func (p *LogPage) capacity() uint32 {
	return uint32(len(p.data))
}

// position returns the offset of the next free byte
func (p *LogPage) position() uint32 {
	return p.offset.Load() >> 1
}

// sealed reports whether the page accepts no further appends
func (p *LogPage) sealed() bool {
	return p.offset.Load()&0x1 == 0
}

// sealPage closes the page for writing and freezes its position
func (p *LogPage) sealPage() {
	p.offset.And(^uint32(0x1))
}

// Next returns the following page in the chain, or nil
func (p *LogPage) Next() *LogPage {
	return p.next.Load()
}

// Link sets the successor of a page in an externally built chain. Only
// valid while the chain is private to the builder.
func (p *LogPage) Link(next *LogPage) {
	p.next.Store(next)
}

// Append acquires an entry directly in this page, used when building
// external chains before they are spliced into an unordered log. It returns
// nil if the entry does not fit.
func (p *LogPage) Append(payload, typ uint32) *Entry {
	entrySize := entrySizeFor(payload)
	if entrySize > p.capacity() {
		return nil
	}
	e := p.appendEntry(payload, entrySize)
	if e != nil {
		e.setType(typ)
	}
	return e
}

// appendEntry acquires a slot for an entry of the given sizes. It returns
// nil if the page is sealed or the entry does not fit in the remaining
// space.
//
// Writers race for slots via a CAS on the entry's size word; a loser learns
// the winner's entry size from the observed word and retries past it. After
// a successful acquisition the page offset is advanced toward the end of the
// new entry; the advance tolerates concurrent sealing as long as the seal
// happened after the entry was fully covered.
func (p *LogPage) appendEntry(payload, entrySize uint32) *Entry {
	offset := p.offset.Load()
	if offset&0x1 == 0 {
		return nil
	}

	position := offset >> 1
	for {
		if position+entrySize > p.capacity() {
			return nil
		}

		e := &Entry{page: p, pos: position}
		if !e.tryAcquire(payload) {
			// another writer owns this slot, step past its entry
			position += e.entrySize()
			continue
		}

		endPosition := position + entrySize
		newOffset := endPosition<<1 | 0x1

		for {
			cur := p.offset.Load()
			if cur&0x1 == 0 {
				// the page was sealed while appending: the entry only
				// survives if the frozen position already covers it
				if cur>>1 < endPosition {
					return nil
				}
				break
			}
			if cur>>1 >= endPosition {
				break
			}
			if p.offset.CompareAndSwap(cur, newOffset) {
				break
			}
		}
		return e
	}
}
