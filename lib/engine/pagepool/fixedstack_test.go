package pagepool

import (
	"sync"
	"testing"
)

func TestFixedStackBasic(t *testing.T) {
	s := NewFixedStack(4)

	if _, ok := s.Pop(); ok {
		t.Error("expected pop on empty stack to fail")
	}

	for i := uint32(0); i < 4; i++ {
		if !s.Push(i) {
			t.Fatalf("push %d failed on non-full stack", i)
		}
	}
	if s.Push(99) {
		t.Error("expected push on full stack to fail")
	}
	if s.Len() != 4 {
		t.Errorf("expected length 4, got %d", s.Len())
	}

	// LIFO order
	for i := 3; i >= 0; i-- {
		v, ok := s.Pop()
		if !ok {
			t.Fatal("expected pop to succeed")
		}
		if v != uint32(i) {
			t.Errorf("expected %d, got %d", i, v)
		}
	}

	if _, ok := s.Pop(); ok {
		t.Error("expected pop on drained stack to fail")
	}
}

func TestFixedStackConcurrent(t *testing.T) {
	const (
		numWorkers        = 8
		numOpsPerWorker   = 10_000
		capacityPerWorker = 4
	)

	s := NewFixedStack(numWorkers * capacityPerWorker)

	// seed every worker with its own set of values
	for i := 0; i < numWorkers*capacityPerWorker; i++ {
		if !s.Push(uint32(i)) {
			t.Fatalf("seeding push %d failed", i)
		}
	}

	var wg sync.WaitGroup
	seen := make([]map[uint32]int, numWorkers)

	// every worker pops and re-pushes values, churning the heads
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		seen[w] = make(map[uint32]int)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < numOpsPerWorker; i++ {
				v, ok := s.Pop()
				if !ok {
					continue
				}
				seen[w][v]++
				if !s.Push(v) {
					t.Errorf("push of popped value %d failed", v)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	// after the churn every seeded value must be back exactly once
	if s.Len() != numWorkers*capacityPerWorker {
		t.Fatalf("expected %d values, got %d", numWorkers*capacityPerWorker, s.Len())
	}
	counts := make(map[uint32]int)
	for {
		v, ok := s.Pop()
		if !ok {
			break
		}
		counts[v]++
	}
	for i := 0; i < numWorkers*capacityPerWorker; i++ {
		if counts[uint32(i)] != 1 {
			t.Errorf("value %d present %d times, expected once", i, counts[uint32(i)])
		}
	}
}

func BenchmarkFixedStackPushPop(b *testing.B) {
	s := NewFixedStack(1024)
	for i := uint32(0); i < 512; i++ {
		s.Push(i)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if v, ok := s.Pop(); ok {
				s.Push(v)
			}
		}
	})
}
