package mvlog

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/aspenkv/aspen/lib/engine/pagepool"
	"github.com/aspenkv/aspen/lib/engine/smr"
)

// LogPosition is one point in an ordered log: a page and an offset into its
// data area. Positions are immutable once published; the log swaps whole
// position values atomically.
type LogPosition struct {
	Page   *LogPage
	Offset uint32
}

// OrderedLog is the log variant with a sealed prefix. The sealed head marks
// the boundary up to which every preceding entry is sealed: everything
// strictly before it is immutable and readable, everything between it and
// the write head exists but may be partially acquired or unsealed.
//
// Thread-safety: all methods are safe for concurrent use. Iteration requires
// the caller to hold a smr guard.
type OrderedLog struct {
	logBase

	head       atomic.Pointer[LogPage]
	tail       atomic.Pointer[LogPosition]
	sealedHead atomic.Pointer[LogPosition]
}

// NewOrderedLog creates an ordered log with one initial page
func NewOrderedLog(pool *pagepool.Pool, dom *smr.Domain) (*OrderedLog, error) {
	l := &OrderedLog{logBase: logBase{pool: pool, dom: dom}}

	first := l.acquirePage()
	if first == nil {
		return nil, errors.New("mvlog: page pool exhausted")
	}

	l.head.Store(first)
	l.tail.Store(&LogPosition{Page: first})
	l.sealedHead.Store(&LogPosition{Page: first})
	return l, nil
}

// Append acquires an entry of the given payload size and type. It returns
// nil if the size exceeds the page capacity or the pool is exhausted. The
// caller fills Entry.Data and then publishes the entry with Seal.
func (l *OrderedLog) Append(size, typ uint32) *Entry {
	entrySize, ok := l.entrySizeChecked(size)
	if !ok {
		return nil
	}

	for {
		page := l.head.Load()
		if e := page.appendEntry(size, entrySize); e != nil {
			e.setType(typ)
			metricAppends.Inc()
			return e
		}
		if l.createPage(page) == nil {
			return nil
		}
	}
}

// createPage installs a successor for a head page that rejected an append.
// If another thread already linked a successor the call cooperates by
// adopting it; otherwise the old head is sealed and a fresh page is linked.
func (l *OrderedLog) createPage(old *LogPage) *LogPage {
	if next := old.next.Load(); next != nil {
		l.head.CompareAndSwap(old, next)
		return next
	}

	old.sealPage()

	fresh := l.acquirePage()
	if fresh == nil {
		return nil
	}

	if !old.next.CompareAndSwap(nil, fresh) {
		// lost the allocation race, adopt the winner's page
		l.freeEmptyPageNow(fresh)
		next := old.next.Load()
		l.head.CompareAndSwap(old, next)
		return next
	}

	l.head.CompareAndSwap(old, fresh)

	// the sealed prefix may be parked at the end of the old page and can
	// only cross now that the next pointer exists
	if sh := l.sealedHead.Load(); sh.Page == old {
		l.advanceSealedHead()
	}
	return fresh
}

// Seal publishes the entry payload. If the sealed head points exactly at
// this entry the sealed prefix is advanced; otherwise an unsealed entry is
// still ahead and its later seal triggers the advance.
func (l *OrderedLog) Seal(e *Entry) {
	e.seal()

	if sh := l.sealedHead.Load(); sh.Page == e.page && sh.Offset == e.pos {
		l.advanceSealedHead()
	}
}

// crossable returns the next page if the sealed prefix may leave the given
// page at pos: the page must be sealed, its frozen position must not exceed
// pos, and a successor must exist
func crossable(page *LogPage, pos uint32) *LogPage {
	if !page.sealed() {
		return nil
	}
	if page.position() > pos {
		return nil
	}
	return page.next.Load()
}

// advanceSealedHead walks the sealed head forward over sealed entries until
// it hits an unsealed entry, the live offset, or an open page end. A failed
// CAS means another thread moved the head and owns the remaining work.
func (l *OrderedLog) advanceSealedHead() {
	for {
		old := l.sealedHead.Load()
		page, pos := old.Page, old.Offset

		for {
			// trailing space cannot hold another entry header
			if pos+EntryHeaderSize > page.capacity() {
				next := crossable(page, pos)
				if next == nil {
					break
				}
				page, pos = next, 0
				continue
			}

			w := word32(page.data, pos).Load()
			if w == 0 || pos >= page.position() {
				// no entry here: either the live frontier of an open page
				// or the frozen end of a sealed one. A slot acquired by a
				// writer that lost the race against the page seal lies at
				// or past the frozen end and is never sealed.
				next := crossable(page, pos)
				if next == nil {
					break
				}
				page, pos = next, 0
				continue
			}

			if w&sealedBit == 0 {
				break
			}
			pos += entrySizeFromWord(w)
		}

		if page == old.Page && pos == old.Offset {
			return
		}
		if !l.sealedHead.CompareAndSwap(old, &LogPosition{Page: page, Offset: pos}) {
			return
		}
		// an entry at the new head may have been sealed in the meantime,
		// re-read before giving up the advance
	}
}

// SealedHead returns the current sealed prefix boundary
func (l *OrderedLog) SealedHead() *LogPosition {
	return l.sealedHead.Load()
}

// Tail returns the oldest position still referenced by the log
func (l *OrderedLog) Tail() *LogPosition {
	return l.tail.Load()
}

// Truncate moves the tail from oldTail to newTail and releases the pages
// that became unreachable through smr. It returns false if a concurrent
// truncate already advanced the tail; the caller re-reads and decides
// whether to retry. oldTail must be a position previously returned by Tail.
func (l *OrderedLog) Truncate(oldTail, newTail *LogPosition) bool {
	if !l.tail.CompareAndSwap(oldTail, newTail) {
		return false
	}
	if oldTail.Page != newTail.Page {
		l.freePages(oldTail.Page, newTail.Page)
	}
	return true
}

// Iter returns an iterator over the dense sealed prefix, from the tail to
// the sealed head as of the call. The caller must hold a smr guard across
// the whole iteration.
func (l *OrderedLog) Iter() *OrderedIter {
	tail := l.tail.Load()
	sh := l.sealedHead.Load()
	return &OrderedIter{
		page:    tail.Page,
		pos:     tail.Offset,
		endPage: sh.Page,
		endPos:  sh.Offset,
	}
}

// OrderedIter yields the sealed entries of an ordered log in append order
type OrderedIter struct {
	page    *LogPage
	pos     uint32
	endPage *LogPage
	endPos  uint32
}

// Next returns the next sealed entry, or false when the sealed head snapshot
// is reached
func (it *OrderedIter) Next() (*Entry, bool) {
	for {
		if it.page == nil || (it.page == it.endPage && it.pos >= it.endPos) {
			return nil, false
		}

		// pages before the sealed head are sealed, their frozen position is
		// the end of their entries
		if it.page != it.endPage && it.pos >= it.page.position() {
			it.page = it.page.next.Load()
			it.pos = 0
			continue
		}

		e := &Entry{page: it.page, pos: it.pos}
		it.pos += e.entrySize()
		return e, true
	}
}
