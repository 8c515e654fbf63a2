package sillyrename

import (
	"context"
	"sync"
	"testing"

	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/vfserr"
	"github.com/chimera-go/vfscore/opencache"
)

// TestConcurrentRemovesOfAnOpenFileRenameExactlyOnce drives many concurrent
// removes of the same open file through the state machine: every caller
// must observe success, but only one of them may actually issue the
// rename, per the §4.F at-most-once invariant.
func TestConcurrentRemovesOfAnOpenFileRenameExactlyOnce(t *testing.T) {
	const concurrency = 32

	peer := &fakePeer{}
	var peerMu sync.Mutex
	guarded := &guardedPeer{inner: peer, mu: &peerMu}

	openCache := opencache.New(0, 0, 256, "file", func(*opencache.Handle) {})
	reg := NewRegistry()
	dir := fh.New([]byte("dir"))
	child := fh.New([]byte("contested-child"))

	// Every caller holds its own reference, as if each arrived via its own
	// lookup of the same open file.
	for i := 0; i < concurrency; i++ {
		openCache.Acquire(child, true, false, uint64(i), nil)
	}

	var wg sync.WaitGroup
	errs := make([]vfserr.Error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err, _ := Remove(context.Background(), guarded, openCache, reg, dir, "victim", child, Credential{})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != vfserr.OK {
			t.Fatalf("caller %d: expected OK, got %v", i, err)
		}
	}

	peerMu.Lock()
	renames := 0
	for _, c := range peer.calls {
		if c.op == "rename" {
			renames++
		}
	}
	peerMu.Unlock()
	if renames != 1 {
		t.Fatalf("expected exactly one rename across %d concurrent removes, got %d", concurrency, renames)
	}
}

// guardedPeer serializes access to a fakePeer's call log so the test's own
// assertions don't race with the concurrent Remove calls under test.
type guardedPeer struct {
	inner *fakePeer
	mu    *sync.Mutex
}

func (g *guardedPeer) Rename(ctx context.Context, dirFH fh.Handle, from, to string, cred Credential) vfserr.Error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Rename(ctx, dirFH, from, to, cred)
}

func (g *guardedPeer) Remove(ctx context.Context, dirFH fh.Handle, name string, cred Credential) vfserr.Error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Remove(ctx, dirFH, name, cred)
}
