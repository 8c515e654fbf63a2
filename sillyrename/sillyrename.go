// Package sillyrename implements the rename-on-unlink-while-open state
// machine: when a caller removes a file that is still open, the directory
// entry is renamed to a synthetic ".nfs<hex(fh)>" name instead of being
// unlinked, so existing file descriptors keep working; the real removal
// happens once the last open reference drops. Grounded line-for-line on
// nfs3_remove_at.c's chimera_nfs3_remove_at orchestration and the mark/
// already-marked semantics of chimera_nfs3_open_state_mark_silly.
//
// © 2025 vfscore authors. MIT License.
package sillyrename

import (
	"context"
	"sync"

	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/vfserr"
	"github.com/chimera-go/vfscore/opencache"
	"github.com/chimera-go/vfscore/request"
)

// Credential identifies the caller for the backend rename/remove calls;
// an alias of request.Credential since every silly-rename ever fires from
// inside a request's completion path.
type Credential = request.Credential

// Peer is the minimal surface the state machine needs from whatever is
// actually performing the rename/remove — a local backend.Module or a
// remote RFA-style peer.
type Peer interface {
	Rename(ctx context.Context, dirFH fh.Handle, from, to string, cred Credential) vfserr.Error
	Remove(ctx context.Context, dirFH fh.Handle, name string, cred Credential) vfserr.Error
}

// State is the per-FH silly-rename extension slot: spec.md §9 treats this
// as generic per-handle storage threaded through VFSPrivate in the C
// source; here it lives in a Registry keyed by FH instead; so opencache
// itself stays ignorant of silly-rename entirely.
type State struct {
	mu       sync.Mutex
	silly    bool
	dirFH    fh.Handle
	sillyFH  fh.Handle
}

// markSilly records dirFH as the directory the silly name lives in and
// reports whether this call is the one that performed the marking. A
// second caller racing against the first observes silly already true and
// is told to treat its own remove as already satisfied — mirrors
// chimera_nfs3_open_state_mark_silly returning -1 on an already-marked
// state.
func (s *State) markSilly(dirFH, childFH fh.Handle) (markedNow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.silly {
		return false
	}
	s.silly = true
	s.dirFH = dirFH
	s.sillyFH = childFH
	return true
}

// IsSilly reports whether this FH has been silly-renamed.
func (s *State) IsSilly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silly
}

// Registry tracks silly-rename State per file handle. One Registry is
// shared by every worker touching a given backend/mount.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*State
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*State)}
}

func (r *Registry) stateFor(h fh.Handle) *State {
	key := string(h.Slice())
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[key]
	if !ok {
		s = &State{}
		r.entries[key] = s
	}
	return s
}

// Forget drops the registry entry for h, called once the file is truly
// gone (its silly name has been removed) so the registry does not grow
// without bound.
func (r *Registry) Forget(h fh.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, string(h.Slice()))
}

// SillyName formats the deterministic ".nfs<hex(fh)>" name for h, bounded
// by 5 + 2*fh.Max bytes and carrying no randomness, so retries of the same
// rename are idempotent (spec.md §6).
func SillyName(h fh.Handle) string {
	return ".nfs" + h.String()
}

// Remove implements the six-step algorithm: skip silly-rename entirely
// when the caller has no child FH (external protocol servers manage their
// own), otherwise check whether the target is open and, if so, rename it
// to its silly name instead of removing it outright.
//
// openCache is the open-FILE cache (not open-path): only an actual open
// file descriptor on childFH should trigger a silly rename. Returns the
// waiters opencache.Release unblocked, for the caller's dispatch layer
// (package wakeup) to run.
func Remove(ctx context.Context, peer Peer, openCache *opencache.Cache, reg *Registry,
	dirFH fh.Handle, name string, childFH fh.Handle, cred Credential) (vfserr.Error, []*opencache.Waiter) {

	if childFH.IsZero() {
		return peer.Remove(ctx, dirFH, name, cred), nil
	}

	handle := openCache.LookupRef(childFH)
	if handle == nil {
		return peer.Remove(ctx, dirFH, name, cred), nil
	}

	state := reg.stateFor(childFH)
	markedNow := state.markSilly(dirFH, childFH)

	waiters := openCache.Release(handle, vfserr.OK)

	if !markedNow {
		// Another caller already silly-renamed this FH; from this caller's
		// perspective the file is gone.
		return vfserr.OK, waiters
	}

	sillyName := SillyName(childFH)
	if err := peer.Rename(ctx, dirFH, name, sillyName, cred); err != vfserr.OK {
		return err, waiters
	}

	return vfserr.OK, waiters
}

// OnFinalClose performs the deferred real removal once the last reference
// to a silly-renamed file drops. The caller (the open cache's close
// sweeper) invokes this after the backend Close itself has completed,
// passing the same FH used to mark the state; a no-op if the FH was never
// silly-renamed.
func OnFinalClose(ctx context.Context, peer Peer, reg *Registry, childFH fh.Handle, cred Credential) vfserr.Error {
	state := reg.stateFor(childFH)
	if !state.IsSilly() {
		return vfserr.OK
	}

	state.mu.Lock()
	dirFH := state.dirFH
	state.mu.Unlock()

	err := peer.Remove(ctx, dirFH, SillyName(childFH), cred)
	reg.Forget(childFH)
	return err
}
