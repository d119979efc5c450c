package pagepool

import (
	"unsafe"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
)

var (
	metricAlloc     = metrics.GetOrCreateCounter("aspen_pagepool_alloc_total")
	metricFree      = metrics.GetOrCreateCounter("aspen_pagepool_free_total")
	metricExhausted = metrics.GetOrCreateCounter("aspen_pagepool_exhausted_total")
)

// Page is a handle to one fixed-size block of the pool's arena. Data aliases
// the arena directly, so a page must not be used after it was freed.
type Page struct {
	Data []byte
	slot uint32
}

// Pool manages a bounded set of fixed-size pages carved from one contiguous
// arena. The arena is allocated once, pages never move, and the pool never
// grows.
//
// Thread-safety: Alloc and Free are safe for concurrent use. Freeing a page
// that other goroutines may still read is a caller error.
type Pool struct {
	arena    []byte
	pageSize int
	pages    []Page
	free     *FixedStack
}

// New creates a pool of count pages of pageSize bytes each. The arena is
// shifted so that every page starts at an address congruent to 8 modulo 16;
// payloads that begin 8 bytes into a page are then 16-byte aligned.
func New(count, pageSize int) (*Pool, error) {
	if count <= 0 {
		return nil, errors.Errorf("pagepool: page count must be positive, got %d", count)
	}
	if pageSize <= 0 || pageSize%16 != 0 {
		return nil, errors.Errorf("pagepool: page size must be a positive multiple of 16, got %d", pageSize)
	}

	// over-allocate by one alignment unit so the start can be shifted
	arena := make([]byte, count*pageSize+16)
	base := uintptr(unsafe.Pointer(&arena[0]))
	shift := (8 - base%16 + 16) % 16

	p := &Pool{
		arena:    arena[shift : shift+uintptr(count*pageSize)],
		pageSize: pageSize,
		pages:    make([]Page, count),
		free:     NewFixedStack(count),
	}

	for i := 0; i < count; i++ {
		p.pages[i] = Page{
			Data: p.arena[i*pageSize : (i+1)*pageSize],
			slot: uint32(i),
		}
		p.free.Push(uint32(i))
	}

	return p, nil
}

// PageSize returns the size of every page in bytes
func (p *Pool) PageSize() int {
	return p.pageSize
}

// Pages returns the total number of pages in the pool
func (p *Pool) Pages() int {
	return len(p.pages)
}

// FreePages returns a snapshot of the number of currently free pages
func (p *Pool) FreePages() int {
	return p.free.Len()
}

// Alloc takes a zeroed page from the pool. It returns nil when the pool is
// exhausted.
//
// Thread-safe: This method is safe for concurrent use
func (p *Pool) Alloc() *Page {
	slot, ok := p.free.Pop()
	if !ok {
		metricExhausted.Inc()
		return nil
	}
	metricAlloc.Inc()
	return &p.pages[slot]
}

// Free returns a page to the pool. The page content is zeroed so the next
// Alloc hands out a clean page.
//
// Thread-safe: This method is safe for concurrent use, but the caller must
// guarantee that no other goroutine still accesses the page
func (p *Pool) Free(page *Page) {
	clear(page.Data)
	metricFree.Inc()
	if !p.free.Push(page.slot) {
		// can only happen on a double free
		panic("pagepool: free list overflow")
	}
}
