// Package reclaim is this module's from-scratch replacement for liburcu:
// none of the example repositories import an RCU-equivalent library, so the
// deferred-reclamation scheme described in spec.md §9 ("any epoch-based
// reclamation or hazard-pointer scheme with equivalent guarantees
// suffices") is implemented here directly on sync/atomic.
//
// The model: readers bracket a lookup with Enter/Exit, publishing the
// domain's current epoch for the duration of their read section. Writers
// that replace a slot call Retire with a free func; the func only runs once
// every reader that could have observed the superseded entry has left its
// read section, mirroring call_rcu's deferred free into the shard's free
// list in vfs_attr_cache.h / vfs_name_cache.h.
//
// © 2025 vfscore authors. MIT License.
package reclaim

import (
	"sync"
	"sync/atomic"
)

// Domain owns one reclamation epoch and its pending-retirement queue. Each
// attrcache/namecache shard owns exactly one Domain, matching the
// per-shard free list membership of the C source.
type Domain struct {
	epoch   atomic.Uint64
	readers sync.Map // *Guard -> struct{}, only while checked out

	mu      sync.Mutex
	pending []retired
}

type retired struct {
	epoch uint64
	free  func()
}

// Guard represents one in-flight read section. The zero value is not
// usable; obtain one via Domain.Enter.
type Guard struct {
	active atomic.Uint64 // 0 == idle, else (epoch+1) at time of Enter
}

var guardPool = sync.Pool{New: func() any { return &Guard{} }}

// Enter begins a read section and returns a Guard that must be released via
// Exit. Enter/Exit pairs should bracket the shortest possible critical
// section (a single bucket scan), exactly like urcu_memb_read_lock/unlock.
func (d *Domain) Enter() *Guard {
	g := guardPool.Get().(*Guard)
	d.readers.Store(g, struct{}{})
	// Publish the epoch we observed *after* registering the guard so a
	// concurrent tryAdvance can never see a registered-but-unpublished
	// reader as absent.
	g.active.Store(d.epoch.Load() + 1)
	return g
}

// Exit ends a read section started by Enter.
func (d *Domain) Exit(g *Guard) {
	g.active.Store(0)
	d.readers.Delete(g)
	guardPool.Put(g)
}

// Retire schedules free to run once no reader could still observe the
// retired generation. free must not block and must not itself call Retire.
func (d *Domain) Retire(free func()) {
	d.mu.Lock()
	d.pending = append(d.pending, retired{epoch: d.epoch.Add(1), free: free})
	d.mu.Unlock()
	d.tryAdvance()
}

// tryAdvance frees every pending entry whose retirement epoch predates the
// oldest in-flight reader. Called opportunistically from Retire; readers
// never call it, so the hot lookup path pays nothing beyond Enter/Exit.
func (d *Domain) tryAdvance() {
	min := uint64(0)
	haveReader := false
	d.readers.Range(func(key, _ any) bool {
		g := key.(*Guard)
		a := g.active.Load()
		if a == 0 {
			return true
		}
		e := a - 1
		if !haveReader || e < min {
			min = e
			haveReader = true
		}
		return true
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	i := 0
	for ; i < len(d.pending); i++ {
		if haveReader && d.pending[i].epoch >= min {
			break
		}
		d.pending[i].free()
	}
	if i > 0 {
		d.pending = append(d.pending[:0], d.pending[i:]...)
	}
}
