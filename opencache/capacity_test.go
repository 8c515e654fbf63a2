package opencache

import (
	"testing"
	"time"

	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/vfserr"
)

// TestShardFloorsAtFourOnZeroMaxOpenFiles resolves spec.md's open question:
// a maxOpenFiles of zero (or one that divides down to less than 4 per
// shard) must still floor at 4 live handles per shard, or the cache could
// never make progress.
func TestShardFloorsAtFourOnZeroMaxOpenFiles(t *testing.T) {
	c := newSingleShardCache(0, noopClose)

	for i := 0; i < 4; i++ {
		h := fh.New([]byte{byte(i), 0x01})
		res := c.Acquire(h, true, false, uint64(i), nil)
		if res.Blocked {
			t.Fatalf("acquire %d should not block while under the floor", i)
		}
	}
}

func TestAcquireEvictsOldestPendingCloseWhenShardFull(t *testing.T) {
	var closedOrder []*Handle
	c := newSingleShardCache(4, func(h *Handle) { closedOrder = append(closedOrder, h) })

	handles := make([]fh.Handle, 5)
	for i := range handles {
		handles[i] = fh.New([]byte{byte(i), 0x02})
	}

	// Fill the shard to its floor of 4 and release all of them so they sit
	// on pending_close in acquire order.
	var acquired []*Handle
	for _, h := range handles[:4] {
		res := c.Acquire(h, true, false, 1, nil)
		acquired = append(acquired, res.Handle)
	}
	for _, h := range acquired {
		c.Release(h, vfserr.OK)
	}

	// A 5th distinct fh must evict the oldest pending-close handle.
	res := c.Acquire(handles[4], true, false, 1, nil)
	if res.Blocked {
		t.Fatalf("acquire that triggers eviction must still complete inline")
	}
	if len(closedOrder) != 1 {
		t.Fatalf("expected exactly one eviction, got %d", len(closedOrder))
	}
	if closedOrder[0] != acquired[0] {
		t.Fatalf("expected FIFO eviction of the first-released handle")
	}
}

func TestDeferCloseSweepsAgedHandles(t *testing.T) {
	c := New(1, 0, 64, "test", noopClose)
	h := fh.New([]byte("aging-handle"))

	res := c.Acquire(h, true, false, 1, nil)
	c.Release(res.Handle, vfserr.OK)

	closed, _ := c.DeferClose(time.Hour)
	if len(closed) != 0 {
		t.Fatalf("expected nothing reaped before min age elapses")
	}

	closed, _ = c.DeferClose(0)
	if len(closed) != 1 {
		t.Fatalf("expected the released handle to be reaped with min age 0")
	}
	c.ReturnClosed(closed)
}

func TestCountAndMarkByMount(t *testing.T) {
	c := New(1, 0, 64, "test", noopClose)

	mountA := make([]byte, 16)
	mountA[0] = 0xAA
	mountB := make([]byte, 16)
	mountB[0] = 0xBB

	fhA := append(append([]byte{}, mountA...), 0x01)
	fhB := append(append([]byte{}, mountB...), 0x02)

	ha := c.Acquire(fh.New(fhA), true, false, 1, nil)
	c.Acquire(fh.New(fhB), true, false, 2, nil)

	if got := c.CountByMount(mountA); got != 1 {
		t.Fatalf("CountByMount(A) = %d, want 1", got)
	}
	if got := c.CountByMount(mountB); got != 1 {
		t.Fatalf("CountByMount(B) = %d, want 1", got)
	}

	marked := c.MarkForCloseByMount(mountA)
	if marked != 1 {
		t.Fatalf("MarkForCloseByMount(A) = %d, want 1", marked)
	}
	_ = ha
}
