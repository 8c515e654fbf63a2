// Package wakeup implements cross-goroutine unblocking for requests queued
// on an opencache.Handle's waiter list: a same-worker waiter is invoked inline, a
// different-worker waiter is queued on that worker's inbox and its doorbell
// is rung. This is the Go rendering of the doorbell + per-thread
// unblocked_requests list in chimera_vfs_open_cache_release_blocked
// (vfs_open_cache.h), expressed as channels and a mutex-guarded slice
// rather than an eventfd, per spec.md §4.G / §9 ("express as message
// passing").
//
// © 2025 vfscore authors. MIT License.
package wakeup

import (
	"sync"

	"github.com/chimera-go/vfscore/internal/vfserr"
	"github.com/chimera-go/vfscore/opencache"
)

// Task is one unit of unblocked work destined for a worker's inbox: the
// waiter to invoke and the handle/error it unblocks with.
type Task struct {
	Waiter *opencache.Waiter
	Handle *opencache.Handle
	Err    vfserr.Error
}

// Worker owns one doorbell and one inbound queue. A vfscore.Context creates
// one Worker per event-loop goroutine.
type Worker struct {
	ID       uint64
	doorbell chan struct{}

	mu    sync.Mutex
	inbox []Task
}

// NewWorker constructs a Worker with the given ID. The doorbell channel has
// capacity 1: ringing it is a no-op if it's already rung and not yet
// drained, giving level-triggered semantics — the receiver drains the
// entire inbox on each wakeup rather than one task per ring.
func NewWorker(id uint64) *Worker {
	return &Worker{ID: id, doorbell: make(chan struct{}, 1)}
}

// Doorbell returns the channel a worker's event loop selects on to learn
// that new inbox work is available.
func (w *Worker) Doorbell() <-chan struct{} { return w.doorbell }

// ring wakes the worker's event loop without blocking.
func (w *Worker) ring() {
	select {
	case w.doorbell <- struct{}{}:
	default:
	}
}

// Enqueue appends t to the worker's inbox and rings its doorbell. Safe to
// call from any goroutine.
func (w *Worker) Enqueue(t Task) {
	w.mu.Lock()
	w.inbox = append(w.inbox, t)
	w.mu.Unlock()
	w.ring()
}

// Drain removes and returns every task currently queued, for the worker's
// event loop to run after waking on its doorbell.
func (w *Worker) Drain() []Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.inbox) == 0 {
		return nil
	}
	tasks := w.inbox
	w.inbox = nil
	return tasks
}

// Registry maps worker IDs to the live *Worker so a Dispatcher can route a
// released opencache.Waiter back to the worker that queued it, even when
// that worker isn't the one currently running Release. A vfscore.Context
// owns one Registry shared by every Worker it creates.
type Registry struct {
	mu      sync.Mutex
	workers map[uint64]*Worker
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[uint64]*Worker)}
}

// Register makes w reachable by its ID for cross-worker dispatch. Called
// once when a Context mints a new Worker.
func (r *Registry) Register(w *Worker) {
	r.mu.Lock()
	r.workers[w.ID] = w
	r.mu.Unlock()
}

// Lookup returns the worker registered under id, or nil if none is (e.g. it
// has already shut down).
func (r *Registry) Lookup(id uint64) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[id]
}

// Dispatcher routes unblocked waiters to the worker that originally queued
// them (opencache.Waiter.Owner), same-worker inline and cross-worker via
// inbox+doorbell.
type Dispatcher struct {
	self *Worker
	reg  *Registry
}

// NewDispatcher binds a Dispatcher to the worker whose event loop is
// calling it and the registry used to resolve other workers by ID.
func NewDispatcher(self *Worker, reg *Registry) *Dispatcher {
	return &Dispatcher{self: self, reg: reg}
}

// Release invokes every waiter released by an opencache Release/Populate
// call, routing each individually by its own Owner — a single batch can
// legitimately contain waiters originally queued by different workers. A
// waiter owned by the calling worker (or whose owner can no longer be
// found, e.g. it shut down) runs inline; otherwise it's handed off to the
// owner's inbox and its doorbell is rung.
func (d *Dispatcher) Release(waiters []*opencache.Waiter, handle *opencache.Handle, err vfserr.Error) {
	for _, w := range waiters {
		owner := d.reg.Lookup(w.Owner)
		if owner == nil || owner.ID == d.self.ID {
			w.Unblock(handle, err)
			continue
		}
		owner.Enqueue(Task{Waiter: w, Handle: handle, Err: err})
	}
}

// RunPending drains the calling worker's inbox and invokes every queued
// waiter. Called by the worker's event loop after waking on its doorbell.
func (w *Worker) RunPending() {
	for _, t := range w.Drain() {
		t.Waiter.Unblock(t.Handle, t.Err)
	}
}
