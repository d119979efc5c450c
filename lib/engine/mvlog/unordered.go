package mvlog

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/aspenkv/aspen/lib/engine/pagepool"
	"github.com/aspenkv/aspen/lib/engine/smr"
)

// LogHead is the double head of an unordered log: the write head receives
// entry appends, the append head anchors externally built page chains
// awaiting merge into the write chain. Heads are immutable once published;
// the log swaps whole head values atomically.
type LogHead struct {
	write  *LogPage
	append *LogPage
}

// Write returns the page receiving entry appends
func (h *LogHead) Write() *LogPage { return h.write }

// Append returns the head of the spliced chain, or nil
func (h *LogHead) Append() *LogPage { return h.append }

// UnorderedLog is the log variant without a sealed prefix. Readers tolerate
// partially filled entries and skip them by the sealed bit. In addition to
// entry appends the variant supports splicing externally built page chains
// and erasing page ranges.
//
// Thread-safety: all methods are safe for concurrent use. Iteration requires
// the caller to hold a smr guard.
type UnorderedLog struct {
	logBase

	head  atomic.Pointer[LogHead]
	pages atomic.Int64
}

// NewUnorderedLog creates an unordered log with one initial page
func NewUnorderedLog(pool *pagepool.Pool, dom *smr.Domain) (*UnorderedLog, error) {
	l := &UnorderedLog{logBase: logBase{pool: pool, dom: dom}}

	first := l.acquirePage()
	if first == nil {
		return nil, errors.New("mvlog: page pool exhausted")
	}

	l.head.Store(&LogHead{write: first})
	l.pages.Store(1)
	return l, nil
}

// Append acquires an entry of the given payload size and type. It returns
// nil if the size exceeds the page capacity or the pool is exhausted.
func (l *UnorderedLog) Append(size, typ uint32) *Entry {
	entrySize, ok := l.entrySizeChecked(size)
	if !ok {
		return nil
	}

	for {
		h := l.head.Load()
		if e := h.write.appendEntry(size, entrySize); e != nil {
			e.setType(typ)
			metricAppends.Inc()
			return e
		}
		if l.createPage(h) == nil {
			return nil
		}
	}
}

// Seal publishes the entry payload
func (l *UnorderedLog) Seal(e *Entry) {
	e.seal()
}

// createPage installs a new write head after an append into the current one
// failed. A pending append chain is promoted to the write position before
// any fresh page is allocated; the loser of the head CAS immediately
// returns its speculative page to the pool.
func (l *UnorderedLog) createPage(old *LogHead) *LogPage {
	for {
		h := l.head.Load()
		if h.write != old.write {
			return h.write
		}

		if h.append != nil {
			// promote the append chain; its end already links into the
			// write chain
			h.write.sealPage()
			if l.head.CompareAndSwap(h, &LogHead{write: h.append}) {
				return h.append
			}
			continue
		}

		fresh := l.acquirePage()
		if fresh == nil {
			return nil
		}
		fresh.next.Store(h.write)
		h.write.sealPage()

		if l.head.CompareAndSwap(h, &LogHead{write: fresh}) {
			l.pages.Add(1)
			return fresh
		}
		l.freeEmptyPageNow(fresh)
	}
}

// AllocPage takes a page from the pool for building an external chain. The
// page counts toward the log only once the chain is spliced with AppendPage.
func (l *UnorderedLog) AllocPage() *LogPage {
	return l.acquirePage()
}

// AppendPage splices the externally built chain [begin, end] at the head.
// The chain must be linked begin to end through Link; entries in it must be
// sealed by the builder before splicing if readers are to see them.
func (l *UnorderedLog) AppendPage(begin, end *LogPage) {
	n := int64(1)
	for p := begin; p != end; p = p.next.Load() {
		n++
	}

	for {
		h := l.head.Load()

		anchor := h.append
		if anchor == nil {
			anchor = h.write
		}
		end.next.Store(anchor)

		// close the previous chain against further splice writes
		if h.append != nil {
			h.append.sealPage()
		}

		if l.head.CompareAndSwap(h, &LogHead{write: h.write, append: begin}) {
			l.pages.Add(n)
			return
		}
	}
}

// Erase unlinks all pages strictly between begin and end and releases them
// through smr. Passing end as nil cuts the chain after begin. begin must
// still be reachable from the head.
func (l *UnorderedLog) Erase(begin, end *LogPage) {
	old := begin.next.Swap(end)
	if old == nil || old == end {
		return
	}

	n := int64(0)
	for p := old; p != end; p = p.next.Load() {
		n++
	}
	l.pages.Add(-n)
	l.freePages(old, end)
}

// Head returns the current head pair
func (l *UnorderedLog) Head() *LogHead {
	return l.head.Load()
}

// Pages returns the number of pages in the log
func (l *UnorderedLog) Pages() int {
	return int(l.pages.Load())
}

// Iter returns an iterator over all sealed entries as of the call. Order is
// unspecified across pages; unsealed entries are skipped. The caller must
// hold a smr guard across the whole iteration.
func (l *UnorderedLog) Iter() *UnorderedIter {
	h := l.head.Load()
	start := h.append
	if start == nil {
		start = h.write
	}
	return &UnorderedIter{page: start}
}

// UnorderedIter yields the sealed entries of an unordered log
type UnorderedIter struct {
	page *LogPage
	pos  uint32
}

// Next returns the next sealed entry, or false when the chain is exhausted
func (it *UnorderedIter) Next() (*Entry, bool) {
	for {
		if it.page == nil {
			return nil, false
		}

		if it.pos+EntryHeaderSize > it.page.capacity() || it.pos >= it.page.position() {
			it.page = it.page.next.Load()
			it.pos = 0
			continue
		}

		e := &Entry{page: it.page, pos: it.pos}
		w := e.word().Load()
		it.pos += entrySizeFromWord(w)

		// acquired but not yet sealed, the payload is not consistent
		if w&sealedBit == 0 {
			continue
		}
		return e, true
	}
}
