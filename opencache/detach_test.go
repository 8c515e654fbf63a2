package opencache

import (
	"testing"

	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/vfserr"
)

// TestInsertDetachesLiveHandle models the silly-rename-under-live-reference
// scenario: a second Insert for the same fh while the first handle is still
// referenced must not disturb the live holder — it must detach instead,
// closing only once the last reference drops.
func TestInsertDetachesLiveHandle(t *testing.T) {
	var closed []*Handle
	c := New(1, 0, 64, "test", func(h *Handle) { closed = append(closed, h) })

	h := fh.New([]byte("live-ref"))
	first := c.Acquire(h, true, false, 1, nil)

	second := c.Insert(h, true, 2)
	if second == first.Handle {
		t.Fatalf("Insert must always mint a fresh handle")
	}
	if !first.Handle.IsDetached() {
		t.Fatalf("the superseded handle must be marked detached")
	}
	if len(closed) != 0 {
		t.Fatalf("a detached handle with live references must not close yet")
	}

	c.Release(first.Handle, vfserr.OK)
	if len(closed) != 1 || closed[0] != first.Handle {
		t.Fatalf("expected the detached handle to close on its last release")
	}
}

func TestInsertClosesExistingIdleHandleImmediately(t *testing.T) {
	var closed []*Handle
	c := New(1, 0, 64, "test", func(h *Handle) { closed = append(closed, h) })

	h := fh.New([]byte("idle-handle"))
	first := c.Acquire(h, true, false, 1, nil)
	c.Release(first.Handle, vfserr.OK)

	second := c.Insert(h, true, 2)
	if second == first.Handle {
		t.Fatalf("Insert must mint a fresh handle even when replacing an idle one")
	}
	if len(closed) != 1 || closed[0] != first.Handle {
		t.Fatalf("expected the idle existing handle to close synchronously")
	}
}

func TestDetachedHandleNotFoundByNewAcquire(t *testing.T) {
	c := New(1, 0, 64, "test", noopClose)
	h := fh.New([]byte("detach-acquire"))

	first := c.Acquire(h, true, false, 1, nil)
	second := c.Insert(h, true, 2)

	third := c.Acquire(h, true, false, 3, nil)
	if third.Handle != second {
		t.Fatalf("a new acquire must resolve to the current (non-detached) handle")
	}
	_ = first
}
