package mvlog

import (
	"encoding/binary"
	"sync"
	"testing"
	"unsafe"

	"github.com/aspenkv/aspen/lib/engine/pagepool"
	"github.com/aspenkv/aspen/lib/engine/smr"
)

// 272-byte pages leave 256 bytes of payload capacity, so a 16-byte payload
// entry occupies exactly 32 bytes and 8 of them fill one page
const (
	testPageSize = 272
	testPayload  = 16
)

func newTestLog(t testing.TB, pages int) (*OrderedLog, *pagepool.Pool, *smr.Domain) {
	t.Helper()
	pool, err := pagepool.New(pages, testPageSize)
	if err != nil {
		t.Fatal(err)
	}
	dom := smr.New()
	l, err := NewOrderedLog(pool, dom)
	if err != nil {
		t.Fatal(err)
	}
	return l, pool, dom
}

func TestOrderedSealedHeadAdvancesInOrder(t *testing.T) {
	l, pool, _ := newTestLog(t, 4)

	entries := make([]*Entry, 8)
	for i := range entries {
		e := l.Append(testPayload, 1)
		if e == nil {
			t.Fatalf("append %d failed", i)
		}
		binary.LittleEndian.PutUint64(e.Data(), uint64(i))
		entries[i] = e
	}

	// all eight entries fit on the first page
	if pool.FreePages() != 3 {
		t.Fatalf("expected 3 free pages, got %d", pool.FreePages())
	}
	if sh := l.SealedHead(); sh.Offset != 0 {
		t.Fatalf("sealed head moved without any seal: %d", sh.Offset)
	}

	// sealing the first entry advances the head past it
	l.Seal(entries[0])
	if sh := l.SealedHead(); sh.Offset != 32 {
		t.Fatalf("expected sealed head at 32, got %d", sh.Offset)
	}

	// sealing entry 3 while entry 2 is open must not advance
	l.Seal(entries[2])
	if sh := l.SealedHead(); sh.Offset != 32 {
		t.Fatalf("expected sealed head to stay at 32, got %d", sh.Offset)
	}

	// sealing entry 2 advances past both 2 and 3
	l.Seal(entries[1])
	if sh := l.SealedHead(); sh.Offset != 96 {
		t.Fatalf("expected sealed head at 96, got %d", sh.Offset)
	}

	for _, e := range entries[3:] {
		l.Seal(e)
	}
	if sh := l.SealedHead(); sh.Offset != 256 {
		t.Fatalf("expected sealed head at page end, got %d", sh.Offset)
	}

	// the sealed prefix iterates densely and in append order
	it := l.Iter()
	for i := 0; i < 8; i++ {
		e, ok := it.Next()
		if !ok {
			t.Fatalf("iteration ended after %d entries", i)
		}
		if e.Size() != testPayload || e.Type() != 1 {
			t.Fatalf("entry %d: size %d type %d", i, e.Size(), e.Type())
		}
		if got := binary.LittleEndian.Uint64(e.Data()); got != uint64(i) {
			t.Fatalf("entry %d: payload %d", i, got)
		}
	}
	if _, ok := it.Next(); ok {
		t.Fatal("iteration past sealed head")
	}
}

func TestOrderedFullPageAllocatesNext(t *testing.T) {
	l, _, _ := newTestLog(t, 4)

	// leave exactly one 32-byte slot on the first page
	for i := 0; i < 7; i++ {
		if e := l.Append(testPayload, 1); e == nil {
			t.Fatalf("append %d failed", i)
		}
	}

	first := l.head.Load()

	// the last slot goes to the first page, the next append must move to a
	// fresh page without losing the entry
	if e := l.Append(testPayload, 1); e == nil || e.page != first {
		t.Fatal("expected append into the last slot of the first page")
	}
	e := l.Append(testPayload, 1)
	if e == nil {
		t.Fatal("append across page boundary failed")
	}
	if e.page == first {
		t.Fatal("expected entry on a fresh page")
	}
	if !first.sealed() {
		t.Fatal("expected the full page to be sealed")
	}
	if l.head.Load() == first {
		t.Fatal("expected head to advance")
	}
}

func TestOrderedMaxEntrySize(t *testing.T) {
	l, _, _ := newTestLog(t, 4)

	// the largest possible entry fills an empty page completely
	e := l.Append(testPageSize-pageHeaderSize-EntryHeaderSize, 1)
	if e == nil {
		t.Fatal("maximum-size append on empty page failed")
	}

	// one byte more can never fit
	if l.Append(testPageSize-pageHeaderSize-EntryHeaderSize+1, 1) != nil {
		t.Fatal("oversized append must be rejected")
	}
}

func TestOrderedTruncate(t *testing.T) {
	l, pool, dom := newTestLog(t, 4)

	// fill two pages
	for i := 0; i < 16; i++ {
		e := l.Append(testPayload, 1)
		if e == nil {
			t.Fatalf("append %d failed", i)
		}
		l.Seal(e)
	}

	oldTail := l.Tail()
	sh := l.SealedHead()
	if sh.Page == oldTail.Page {
		t.Fatal("expected the sealed head to have crossed a page boundary")
	}

	newTail := &LogPosition{Page: sh.Page}
	if !l.Truncate(oldTail, newTail) {
		t.Fatal("first truncate must succeed")
	}

	// a late truncate with the stale tail observes the conflict
	if l.Truncate(oldTail, newTail) {
		t.Fatal("second truncate with the old tail must fail")
	}

	// the cut page comes back to the pool once the epochs drain
	freeBefore := pool.FreePages()
	dom.Flush()
	if pool.FreePages() != freeBefore+1 {
		t.Fatalf("expected one reclaimed page, free %d -> %d", freeBefore, pool.FreePages())
	}

	// iteration now starts at the new tail
	it := l.Iter()
	count := 0
	for {
		if _, ok := it.Next(); !ok {
			break
		}
		count++
	}
	if count != 8 {
		t.Fatalf("expected 8 entries after truncate, got %d", count)
	}
}

func TestOrderedEntryAlignment(t *testing.T) {
	l, _, _ := newTestLog(t, 8)

	// odd payload sizes still produce 16-byte aligned entries with the
	// 8-byte phase
	for _, payload := range []uint32{1, 7, 16, 33, 100} {
		e := l.Append(payload, 1)
		if e == nil {
			t.Fatalf("append of %d bytes failed", payload)
		}
		addr := uintptr(unsafe.Pointer(&e.page.data[e.pos]))
		if addr%16 != 8 {
			t.Errorf("entry header at addr mod 16 == %d, expected 8", addr%16)
		}
		l.Seal(e)
	}
}

func TestOrderedConcurrentAppend(t *testing.T) {
	const (
		numWriters = 8
		numAppends = 500
	)

	pool, err := pagepool.New(128, testPageSize)
	if err != nil {
		t.Fatal(err)
	}
	dom := smr.New()
	l, err := NewOrderedLog(pool, dom)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for w := 0; w < numWriters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < numAppends; i++ {
				e := l.Append(testPayload, 1)
				if e == nil {
					t.Error("append failed")
					return
				}
				binary.LittleEndian.PutUint64(e.Data(), uint64(w*numAppends+i))
				l.Seal(e)
			}
		}(w)
	}
	wg.Wait()

	// all entries must be below the sealed head and appear exactly once
	g := dom.Enter()
	defer g.Exit()

	seen := make(map[uint64]bool)
	it := l.Iter()
	var lastPage *LogPage
	lastPos := uint32(0)
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		if !e.Sealed() {
			t.Fatal("unsealed entry below sealed head")
		}
		// entries on one page come back in position order
		if e.page == lastPage && e.pos <= lastPos {
			t.Fatal("iteration order violates page positions")
		}
		lastPage, lastPos = e.page, e.pos
		id := binary.LittleEndian.Uint64(e.Data())
		if seen[id] {
			t.Fatalf("entry %d seen twice", id)
		}
		seen[id] = true
	}
	if len(seen) != numWriters*numAppends {
		t.Fatalf("expected %d entries, got %d", numWriters*numAppends, len(seen))
	}
}

func BenchmarkOrderedAppendSeal(b *testing.B) {
	pool, err := pagepool.New(2048, 1<<16)
	if err != nil {
		b.Fatal(err)
	}
	l, err := NewOrderedLog(pool, smr.New())
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			e := l.Append(64, 1)
			if e == nil {
				b.Fatal("pool exhausted")
			}
			l.Seal(e)
		}
	})
}
