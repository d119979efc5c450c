package mvlog

import (
	"github.com/VictoriaMetrics/metrics"

	"github.com/aspenkv/aspen/lib/engine/pagepool"
	"github.com/aspenkv/aspen/lib/engine/smr"
)

var (
	metricAppends    = metrics.GetOrCreateCounter("aspen_log_appends_total")
	metricPagesAlloc = metrics.GetOrCreateCounter("aspen_log_pages_allocated_total")
	metricPagesFreed = metrics.GetOrCreateCounter("aspen_log_pages_freed_total")
)

// Log is the capability set shared by both log variants
type Log interface {
	// Append acquires an entry with the given payload size and type. It
	// returns nil if the size exceeds the page capacity or the pool is
	// exhausted.
	Append(size, typ uint32) *Entry

	// Seal publishes the entry payload as consistent
	Seal(e *Entry)
}

// logBase carries the state shared by the variants: the page source and the
// reclamation domain through which all frees are routed
type logBase struct {
	pool *pagepool.Pool
	dom  *smr.Domain
}

// entrySizeChecked validates a payload size against the page capacity and
// returns the total aligned entry size
func (l *logBase) entrySizeChecked(payload uint32) (uint32, bool) {
	entrySize := entrySizeFor(payload)
	if entrySize > uint32(l.pool.PageSize()-pageHeaderSize) {
		return 0, false
	}
	return entrySize, true
}

// acquirePage takes a fresh page from the pool, returns nil when exhausted
func (l *logBase) acquirePage() *LogPage {
	block := l.pool.Alloc()
	if block == nil {
		return nil
	}
	metricPagesAlloc.Inc()
	return newLogPage(block)
}

// freeEmptyPageNow returns a page that was never published to the pool
// without going through smr. Only valid for pages no other goroutine can
// have seen.
func (l *logBase) freeEmptyPageNow(p *LogPage) {
	metricPagesFreed.Inc()
	l.pool.Free(p.block)
}

// freePages defers the release of the chain [from, to) until no reader can
// still hold a pointer into it. The chain must already be unreachable from
// the log heads.
func (l *logBase) freePages(from, to *LogPage) {
	pool := l.pool
	l.dom.Invoke(func() {
		for p := from; p != to; {
			next := p.next.Load()
			metricPagesFreed.Inc()
			pool.Free(p.block)
			p = next
		}
	})
}
