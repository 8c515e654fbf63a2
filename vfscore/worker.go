// Worker is the event-loop unit a Context spawns one-per-goroutine, owning
// its own request.Pool (thread-local allocation, no locking) and wakeup.Worker
// (cross-worker doorbell for waiters blocked on another worker's in-flight
// open). Grounded on chimera_vfs_thread's per-thread pool/queue pairing and
// on spec.md §4.E/§4.G's dispatch rules.
package vfscore

import (
	"context"

	"github.com/chimera-go/vfscore/attrs"
	"github.com/chimera-go/vfscore/backend"
	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/vfserr"
	"github.com/chimera-go/vfscore/opencache"
	"github.com/chimera-go/vfscore/request"
	"github.com/chimera-go/vfscore/sillyrename"
	"github.com/chimera-go/vfscore/wakeup"
)

// Worker dispatches requests against the Context's backends and caches.
// Not safe for concurrent Submit calls from multiple goroutines — exactly
// one event-loop goroutine should own a Worker, matching Pool's own
// single-owner contract.
type Worker struct {
	ctx  *Context
	pool *request.Pool
	w    *wakeup.Worker
	disp *wakeup.Dispatcher
}

// NewWorker registers a new event-loop worker with id against ctx, making it
// reachable by other workers' Dispatchers for cross-worker waiter routing.
func (c *Context) NewWorker(id uint64) *Worker {
	w := wakeup.NewWorker(id)
	c.wakeupReg.Register(w)
	return &Worker{ctx: c, pool: request.NewPool(), w: w, disp: wakeup.NewDispatcher(w, c.wakeupReg)}
}

// Doorbell exposes the worker's wakeup channel for an event loop's select.
func (wk *Worker) Doorbell() <-chan struct{} { return wk.w.Doorbell() }

// RunPending drains and invokes any waiters another worker handed off to
// this one, called after the event loop wakes on Doorbell().
func (wk *Worker) RunPending() { wk.w.RunPending() }

// Get allocates a pooled Request of the given opcode, owned by this worker.
func (wk *Worker) Get(op request.OpCode) *request.Request { return wk.pool.Get(op, wk.w.ID) }

// Put returns req to this worker's pool once its Callback has fired.
func (wk *Worker) Put(req *request.Request) { wk.pool.Put(req) }

// Submit dispatches req to the backend owning its target FH, applies the
// completion chain's cache updates, and invokes req.Callback. The backend
// call may complete inline (as backend/memory does) or asynchronously from
// another goroutine; either way Complete runs on whatever goroutine the
// backend's callback fires on. Completions are not handed back to the
// submitting worker, so they run on it only when the backend completes
// inline.
func (wk *Worker) Submit(ctx context.Context, req *request.Request) {
	switch req.Op {
	case request.OpLookup:
		wk.doLookup(ctx, req)
	case request.OpGetRootFH:
		wk.doGetRootFH(ctx, req)
	case request.OpGetattr:
		wk.doGetattr(ctx, req)
	case request.OpSetattr:
		wk.doSetattr(ctx, req)
	case request.OpOpenAt:
		wk.doOpenAt(ctx, req)
	case request.OpRead:
		wk.doRead(ctx, req)
	case request.OpWrite:
		wk.doWrite(ctx, req)
	case request.OpCommit:
		wk.doCommit(ctx, req)
	case request.OpAllocate:
		wk.doAllocate(ctx, req)
	case request.OpRemove:
		wk.doRemove(ctx, req)
	case request.OpRenameAt:
		wk.doRenameAt(ctx, req)
	case request.OpLink:
		wk.doLink(ctx, req)
	case request.OpSymlink:
		wk.doSymlink(ctx, req)
	case request.OpMkdir:
		wk.doMkdir(ctx, req)
	case request.OpRmdir:
		wk.doRmdir(ctx, req)
	case request.OpReaddir:
		wk.doReaddir(ctx, req)
	case request.OpStatfs:
		wk.doStatfs(ctx, req)
	case request.OpCreateUnlinked:
		wk.doCreateUnlinked(ctx, req)
	case request.OpClose:
		wk.doClose(ctx, req)
	default:
		vfserr.Abort("worker: unknown opcode %d", req.Op)
	}
}

func (wk *Worker) complete(req *request.Request, status vfserr.Error) {
	req.Status = status
	req.Complete(wk.ctx.caches)
}

func (wk *Worker) backendCred(cred request.Credential) backend.Credential {
	return backend.Credential{UID: cred.UID, GID: cred.GID}
}

func (wk *Worker) doLookup(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.LookupArgs)
	if child, ok := wk.ctx.caches.Name.Lookup(args.Parent, args.Name); ok {
		if a, ok := wk.ctx.caches.Attr.Lookup(child); ok {
			req.Result.FH, req.Result.Attrs = child, a
			wk.complete(req, vfserr.OK)
			return
		}
	}

	mod, err := wk.ctx.backendFor(args.Parent)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	mod.Lookup(ctx, args.Parent, args.Name, wk.backendCred(req.Cred), func(r backend.LookupResult) {
		req.Result.FH, req.Result.Attrs = r.FH, r.Attrs
		wk.complete(req, r.Err)
	})
}

func (wk *Worker) doGetRootFH(ctx context.Context, req *request.Request) {
	mod := wk.ctx.defaultBackend
	if mod == nil {
		wk.complete(req, vfserr.ESTALE)
		return
	}
	mod.GetRootFH(ctx, func(r backend.LookupResult) {
		req.Result.FH, req.Result.Attrs = r.FH, r.Attrs
		wk.complete(req, r.Err)
	})
}

func (wk *Worker) doGetattr(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.GetattrArgs)
	if a, ok := wk.ctx.caches.Attr.Lookup(args.FH); ok && a.Has(args.Mask) {
		req.Result.FH, req.Result.Attrs = args.FH, a
		wk.complete(req, vfserr.OK)
		return
	}
	mod, err := wk.ctx.backendFor(args.FH)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	mod.Getattr(ctx, args.FH, args.Mask, wk.backendCred(req.Cred), func(r backend.AttrResult) {
		req.Result.FH, req.Result.Attrs = args.FH, r.Attrs
		wk.complete(req, r.Err)
	})
}

func (wk *Worker) doSetattr(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.SetattrArgs)
	mod, err := wk.ctx.backendFor(args.FH)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	mod.Setattr(ctx, args.FH, args.Patch, wk.backendCred(req.Cred), func(r backend.AttrResult) {
		req.Result.FH, req.Result.Attrs = args.FH, r.Attrs
		wk.complete(req, r.Err)
	})
}

// doOpenAt implements open-by-path, including O_CREAT/O_EXCL, wiring the
// result into the open-file cache via Insert (spec.md §4.E: a freshly
// opened handle always gets its own cache entry, never shares one acquired
// by Acquire's cache-first path).
func (wk *Worker) doOpenAt(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.OpenAtArgs)
	mod, err := wk.ctx.backendFor(args.Parent)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}

	finish := func(or backend.OpenResult, childFH fh.Handle, parentPost attrs.Attrs) {
		if or.Err != vfserr.OK {
			wk.complete(req, or.Err)
			return
		}
		cache := wk.ctx.caches.OpenFile
		if args.OpenFlags&FlagOpenPath != 0 {
			cache = wk.ctx.caches.OpenPath
		}
		h := cache.Insert(childFH, args.OpenFlags&FlagWrite != 0, or.VFSPrivate)
		req.Result.FH = childFH
		req.Result.Attrs = or.Attrs
		req.Result.ParentPost = parentPost
		req.Result.Handle = h
		wk.complete(req, vfserr.OK)
	}

	if args.OpenFlags&FlagCreate != 0 {
		mod.Create(ctx, args.Parent, args.Name, 0644, args.Exclusive, wk.backendCred(req.Cred),
			func(or backend.OpenResult, childFH fh.Handle) { finish(or, childFH, attrs.Attrs{}) })
		return
	}

	mod.Lookup(ctx, args.Parent, args.Name, wk.backendCred(req.Cred), func(lr backend.LookupResult) {
		if lr.Err != vfserr.OK {
			wk.complete(req, lr.Err)
			return
		}
		mod.Open(ctx, lr.FH, args.OpenFlags&FlagWrite != 0, wk.backendCred(req.Cred), func(or backend.OpenResult) {
			finish(or, lr.FH, attrs.Attrs{})
		})
	})
}

func (wk *Worker) doRead(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.ReadArgs)
	mod, err := wk.ctx.backendFor(args.FH)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	wk.withOpenFH(ctx, mod, args.FH, false, wk.backendCred(req.Cred), func(vfsPrivate uint64, release func()) {
		mod.Read(ctx, args.FH, vfsPrivate, args.Offset, args.Length, func(r backend.DataResult) {
			release()
			req.Result.FH, req.Result.Data, req.Result.EOF, req.Result.Attrs = args.FH, r.Data, r.EOF, r.Attrs
			wk.complete(req, r.Err)
		})
	})
}

func (wk *Worker) doWrite(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.WriteArgs)
	mod, err := wk.ctx.backendFor(args.FH)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	wk.withOpenFH(ctx, mod, args.FH, true, wk.backendCred(req.Cred), func(vfsPrivate uint64, release func()) {
		mod.Write(ctx, args.FH, vfsPrivate, args.Offset, args.Data, func(r backend.WriteResult) {
			release()
			req.Result.FH, req.Result.Written, req.Result.Attrs = args.FH, r.Written, r.PostAttrs
			wk.complete(req, r.Err)
		})
	})
}

func (wk *Worker) doCommit(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.CommitArgs)
	mod, err := wk.ctx.backendFor(args.FH)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	wk.withOpenFH(ctx, mod, args.FH, true, wk.backendCred(req.Cred), func(vfsPrivate uint64, release func()) {
		mod.Commit(ctx, args.FH, vfsPrivate, args.Offset, args.Length, func(r backend.WriteResult) {
			release()
			req.Result.FH, req.Result.Attrs = args.FH, r.PostAttrs
			wk.complete(req, r.Err)
		})
	})
}

func (wk *Worker) doAllocate(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.AllocateArgs)
	mod, err := wk.ctx.backendFor(args.FH)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	wk.withOpenFH(ctx, mod, args.FH, true, wk.backendCred(req.Cred), func(vfsPrivate uint64, release func()) {
		mod.Allocate(ctx, args.FH, vfsPrivate, args.Offset, args.Length, func(r backend.WriteResult) {
			release()
			req.Result.FH, req.Result.Attrs = args.FH, r.PostAttrs
			wk.complete(req, r.Err)
		})
	})
}

// doRemove routes through sillyrename.Remove when the caller supplied the
// child FH, so an unlink racing a live reference degrades to a rename
// instead of destroying data out from under an open handle (spec.md §4.F).
func (wk *Worker) doRemove(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.RemoveArgs)
	mod, err := wk.ctx.backendFor(args.Parent)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}

	peer := moduleAsPeer{mod}
	cred := sillyrename.Credential(req.Cred)
	sErr, waiters := sillyrename.Remove(ctx, peer, wk.ctx.caches.OpenFile, wk.ctx.sillyReg, args.Parent, args.Name, args.ChildFH, cred)
	wk.disp.Release(waiters, nil, vfserr.OK)
	wk.complete(req, sErr)
}

func (wk *Worker) doRenameAt(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.RenameAtArgs)
	mod, err := wk.ctx.backendFor(args.OldParent)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	mod.RenameAt(ctx, args.OldParent, args.OldName, args.NewParent, args.NewName, wk.backendCred(req.Cred), func(r backend.MutateResult) {
		req.Result.FH, req.Result.Attrs = r.FH, r.Attrs
		wk.complete(req, r.Err)
	})
}

func (wk *Worker) doLink(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.LinkArgs)
	mod, err := wk.ctx.backendFor(args.FH)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	mod.Link(ctx, args.FH, args.NewParent, args.NewName, wk.backendCred(req.Cred), func(r backend.MutateResult) {
		req.Result.FH, req.Result.Attrs = r.FH, r.Attrs
		wk.complete(req, r.Err)
	})
}

func (wk *Worker) doSymlink(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.SymlinkArgs)
	mod, err := wk.ctx.backendFor(args.Parent)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	mod.Symlink(ctx, args.Parent, args.Name, args.Target, wk.backendCred(req.Cred), func(r backend.MutateResult) {
		req.Result.FH, req.Result.Attrs = r.FH, r.Attrs
		wk.complete(req, r.Err)
	})
}

func (wk *Worker) doMkdir(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.MkdirArgs)
	mod, err := wk.ctx.backendFor(args.Parent)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	mod.Mkdir(ctx, args.Parent, args.Name, args.Mode, wk.backendCred(req.Cred), func(r backend.MutateResult) {
		req.Result.FH, req.Result.Attrs = r.FH, r.Attrs
		wk.complete(req, r.Err)
	})
}

func (wk *Worker) doRmdir(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.RmdirArgs)
	mod, err := wk.ctx.backendFor(args.Parent)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	mod.Rmdir(ctx, args.Parent, args.Name, wk.backendCred(req.Cred), func(r backend.MutateResult) {
		wk.complete(req, r.Err)
	})
}

func (wk *Worker) doReaddir(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.ReaddirArgs)
	mod, err := wk.ctx.backendFor(args.FH)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	mod.Readdir(ctx, args.FH, args.Cookie, args.Count, wk.backendCred(req.Cred), func(r backend.ReaddirResult) {
		entries := make([]request.ReaddirEntry, len(r.Entries))
		for i, e := range r.Entries {
			entries[i] = request.ReaddirEntry{Name: e.Name, FH: e.FH}
		}
		req.Result.Entries, req.Result.Cookie, req.Result.EOF = entries, r.Cookie, r.EOF
		wk.complete(req, r.Err)
	})
}

func (wk *Worker) doStatfs(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.StatfsArgs)
	mod, err := wk.ctx.backendFor(args.FH)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	mod.Statfs(ctx, args.FH, func(r backend.StatfsResult) {
		wk.complete(req, r.Err)
	})
}

func (wk *Worker) doCreateUnlinked(ctx context.Context, req *request.Request) {
	args := req.Args.(*request.CreateUnlinkedArgs)
	mod, err := wk.ctx.backendFor(args.Parent)
	if err != vfserr.OK {
		wk.complete(req, err)
		return
	}
	if !mod.Capabilities().Has(backend.CreateUnlinked) {
		wk.complete(req, vfserr.EOPNOTSUPP)
		return
	}
	mod.CreateUnlinked(ctx, args.Parent, args.Mode, wk.backendCred(req.Cred), func(or backend.OpenResult, childFH fh.Handle) {
		if or.Err != vfserr.OK {
			wk.complete(req, or.Err)
			return
		}
		req.Result.FH, req.Result.Attrs = childFH, or.Attrs
		wk.complete(req, vfserr.OK)
	})
}

// doClose releases one reference on the cached handle and, once the last
// reference drops and the file turned out to be silly-renamed, performs the
// deferred cleanup inline rather than waiting for the next DeferClose sweep
// — close is exactly the moment spec.md §4.F's "final close" fires from.
func (wk *Worker) doClose(ctx context.Context, req *request.Request) {
	h := req.PendingHandle
	if h == nil {
		wk.complete(req, vfserr.EINVAL)
		return
	}
	fhCopy := h.FH
	cache := wk.ctx.openCacheFor(h.CacheID)
	waiters := cache.Release(h, vfserr.OK)
	wk.disp.Release(waiters, h, vfserr.OK)

	if h.Opencnt > 0 {
		wk.complete(req, vfserr.OK)
		return
	}

	mod, berr := wk.ctx.backendFor(fhCopy)
	if berr != vfserr.OK {
		wk.complete(req, berr)
		return
	}
	mod.Close(ctx, fhCopy, h.VFSPrivate, func(closeErr vfserr.Error) {
		sillyrename.OnFinalClose(ctx, moduleAsPeer{mod}, wk.ctx.sillyReg, fhCopy, sillyrename.Credential(req.Cred))
		wk.complete(req, closeErr)
	})
}

// withOpenFH resolves the backend open token for h and invokes fn with it.
// Stateless backends (Capabilities() lacking OpenFileRequired) skip the
// cache entirely, matching backend/memory's own disregard for vfsPrivate.
// Stateful backends go through the open-file cache's Acquire: a handle
// found already open is used immediately; a freshly created one is pending
// and this worker is responsible for completing the backend Open and
// Populate-ing the cache before anyone (including itself) proceeds; a
// handle found exclusive or already pending queues this call as a Waiter
// and returns without calling fn until Unblock fires. fn must call the
// release func exactly once, from its own backend completion callback, to
// drop the reference this call took.
func (wk *Worker) withOpenFH(ctx context.Context, mod backend.Module, h fh.Handle, writable bool, cred backend.Credential, fn func(vfsPrivate uint64, release func())) {
	if !mod.Capabilities().Has(backend.OpenFileRequired) {
		fn(0, func() {})
		return
	}

	waiter := &opencache.Waiter{
		Owner: wk.w.ID,
		Unblock: func(cached *opencache.Handle, err vfserr.Error) {
			if err != vfserr.OK {
				fn(0, func() {})
				return
			}
			wk.continueAcquired(ctx, mod, cached, cred, fn)
		},
	}
	res := wk.ctx.caches.OpenFile.Acquire(h, writable, false, ^uint64(0), waiter)
	if res.Blocked {
		return
	}
	wk.continueAcquired(ctx, mod, res.Handle, cred, fn)
}

// continueAcquired completes the backend Open for a handle Acquire just
// created (IsPending) before running fn, or runs fn immediately against a
// handle that was already open.
func (wk *Worker) continueAcquired(ctx context.Context, mod backend.Module, cached *opencache.Handle, cred backend.Credential, fn func(vfsPrivate uint64, release func())) {
	if !cached.IsPending() {
		wk.runWithAcquired(cached, fn)
		return
	}
	mod.Open(ctx, cached.FH, cached.AccessMode == opencache.AccessRW, cred, func(or backend.OpenResult) {
		if or.Err != vfserr.OK {
			waiters := wk.ctx.caches.OpenFile.Release(cached, or.Err)
			wk.disp.Release(waiters, cached, or.Err)
			fn(0, func() {})
			return
		}
		waiters := wk.ctx.caches.OpenFile.Populate(cached, or.VFSPrivate)
		wk.disp.Release(waiters, cached, vfserr.OK)
		wk.runWithAcquired(cached, fn)
	})
}

func (wk *Worker) runWithAcquired(cached *opencache.Handle, fn func(vfsPrivate uint64, release func())) {
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		waiters := wk.ctx.caches.OpenFile.Release(cached, vfserr.OK)
		wk.disp.Release(waiters, cached, vfserr.OK)
	}
	fn(cached.VFSPrivate, release)
}
