package attrcache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chimera-go/vfscore/attrs"
	"github.com/chimera-go/vfscore/internal/fh"
)

// TestConcurrentLookupDuringInsert hammers Lookup and Insert on the same
// handle set from many goroutines, asserting that every Lookup either
// misses or returns a fully-formed (non-torn) entry. This is the Go
// analogue of the original's RCU stress tests: readers must never observe
// a partially-constructed entry, only the old one or the new one.
func TestConcurrentLookupDuringInsert(t *testing.T) {
	c := New(2, 6, 2, time.Hour)

	const numHandles = 32
	handles := make([]fh.Handle, numHandles)
	for i := range handles {
		handles[i] = fh.New([]byte{byte(i), byte(i >> 8), 0xAB})
		c.Insert(handles[i], fullAttrs(uint64(i)))
	}

	var stop atomic.Bool
	var wg sync.WaitGroup
	var torn atomic.Int64

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			i := 0
			for !stop.Load() {
				h := handles[(seed+i)%numHandles]
				if got, ok := c.Lookup(h); ok {
					if !got.Has(attrs.MaskStat) {
						torn.Add(1)
					}
				}
				i++
			}
		}(g)
	}

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				h := handles[(seed+i)%numHandles]
				c.Insert(h, fullAttrs(uint64(i)))
			}
		}(w)
	}

	time.Sleep(20 * time.Millisecond)
	stop.Store(true)
	wg.Wait()

	if torn.Load() != 0 {
		t.Fatalf("observed %d torn reads", torn.Load())
	}
}

// TestReclaimDoesNotFreeLiveReaders checks that superseded entries are not
// collected while a reader still holds a guard in the domain.
func TestReclaimDoesNotFreeLiveReaders(t *testing.T) {
	c := New(1, 1, 1, time.Hour)
	h := fh.New([]byte("watched"))
	c.Insert(h, fullAttrs(1))

	sh, _ := c.shardFor(h.Hash())
	g := sh.domain.Enter()

	c.Insert(h, fullAttrs(2))

	freed := false
	sh.domain.Retire(func() { freed = true })
	if freed {
		t.Fatalf("retirement ran while a reader guard is still active")
	}

	sh.domain.Exit(g)
	sh.domain.Retire(func() {})
	if !freed {
		t.Fatalf("expected retirement to run after the last reader exited")
	}
}
