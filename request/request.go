// Package request implements the VFS request object and its completion
// chain: per-worker pooled allocation, backend dispatch, and the per-opcode
// cache-update rules that run between a backend completing a call and the
// protocol layer's callback firing. Grounded on spec.md §4.E/§3 and on the
// vfs_proc_*.c completion bodies (vfs_proc_read.c, vfs_proc_write.c,
// vfs_proc_open_at.c, vfs_proc_rename_at.c, vfs_proc_create_unlinked.c),
// with the C tagged union of per-op argument structs translated to a single
// `Args any` field holding one of the *Args types below — the idiomatic Go
// replacement for a union, also used by the teacher's own LoaderFunc
// pattern in pkg/loaderfunc.go (one function-shaped extension point instead
// of a switch over a discriminant baked into the struct layout).
//
// © 2025 vfscore authors. MIT License.
package request

import (
	"github.com/chimera-go/vfscore/attrcache"
	"github.com/chimera-go/vfscore/attrs"
	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/vfserr"
	"github.com/chimera-go/vfscore/namecache"
	"github.com/chimera-go/vfscore/opencache"
)

// OpCode identifies the VFS operation a Request carries.
type OpCode uint8

const (
	OpLookup OpCode = iota
	OpGetattr
	OpSetattr
	OpOpenAt
	OpRead
	OpWrite
	OpCommit
	OpAllocate
	OpRemove
	OpRenameAt
	OpLink
	OpSymlink
	OpReaddir
	OpStatfs
	OpMkdir
	OpRmdir
	OpCreateUnlinked
	OpGetRootFH
	OpClose
)

// Credential identifies the caller for permission checks performed by the
// backend; opencache and the caches never inspect it.
type Credential struct {
	UID uint32
	GID uint32
}

// LookupArgs/OpenAtArgs/... are the per-opcode argument shapes, the Go
// stand-ins for the anonymous unions in struct chimera_vfs_request.

type LookupArgs struct {
	Parent fh.Handle
	Name   string
}

type GetattrArgs struct {
	FH   fh.Handle
	Mask attrs.Mask
}

type SetattrArgs struct {
	FH    fh.Handle
	Patch attrs.Attrs
}

type OpenAtArgs struct {
	Parent    fh.Handle
	Name      string
	OpenFlags uint32
	Exclusive bool
}

type ReadArgs struct {
	FH     fh.Handle
	Offset uint64
	Length uint32
}

type WriteArgs struct {
	FH     fh.Handle
	Offset uint64
	Data   []byte
}

type CommitArgs struct {
	FH     fh.Handle
	Offset uint64
	Length uint32
}

type AllocateArgs struct {
	FH     fh.Handle
	Offset uint64
	Length uint64
}

type RemoveArgs struct {
	Parent  fh.Handle
	Name    string
	ChildFH fh.Handle // zero if the caller doesn't know it — disables silly-rename
}

type RenameAtArgs struct {
	OldParent fh.Handle
	OldName   string
	NewParent fh.Handle
	NewName   string
}

type LinkArgs struct {
	FH        fh.Handle
	NewParent fh.Handle
	NewName   string
}

type SymlinkArgs struct {
	Parent fh.Handle
	Name   string
	Target string
}

type ReaddirArgs struct {
	FH     fh.Handle
	Cookie uint64
	Count  int
}

type StatfsArgs struct {
	FH fh.Handle
}

type MkdirArgs struct {
	Parent fh.Handle
	Name   string
	Mode   uint32
}

type RmdirArgs struct {
	Parent fh.Handle
	Name   string
}

type CreateUnlinkedArgs struct {
	Parent fh.Handle
	Mode   uint32
}

type GetRootFHArgs struct{}

// Result holds the output side of a completed request. Only the fields
// relevant to Op are meaningful; zero values elsewhere are ignored.
type Result struct {
	FH         fh.Handle
	Attrs      attrs.Attrs
	ParentPost attrs.Attrs
	Data       []byte
	Written    uint32
	Entries    []ReaddirEntry
	Cookie     uint64
	EOF        bool
	Handle     *opencache.Handle
}

// ReaddirEntry is one directory entry returned by OpReaddir.
type ReaddirEntry struct {
	Name string
	FH   fh.Handle
}

// Request is one in-flight VFS operation. It is allocated from a Pool,
// dispatched to a backend, completed on the goroutine the backend's callback
// runs on (the owning worker when the backend completes inline), and
// returned to its owner's pool.
type Request struct {
	Op     OpCode
	Owner  uint64 // worker id that allocated this request
	Cred   Credential
	Args   any
	Result Result
	Status vfserr.Error

	// Callback is invoked once, after the completion chain has applied any
	// cache-update side effects, with Status and Result final.
	Callback func(*Request)

	// PendingHandle identifies the cached handle an OpClose request is
	// releasing. The caller sets it before Submit, from the *opencache.Handle
	// an earlier OpOpenAt/OpCreateUnlinked returned in Result.Handle —
	// OpClose has no FH-keyed Args of its own to re-derive it from.
	PendingHandle *opencache.Handle

	next *Request // free-list link, valid only while pooled
}

// Pool is a per-worker free list of Request objects. Not safe for
// concurrent use: exactly one worker goroutine owns a Pool, matching the
// thread-local allocation discipline of chimera_vfs_thread.
type Pool struct {
	free *Request
}

// NewPool constructs an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Get returns a recycled Request or allocates a new one.
func (p *Pool) Get(op OpCode, owner uint64) *Request {
	var r *Request
	if p.free != nil {
		r = p.free
		p.free = r.next
		*r = Request{}
	} else {
		r = &Request{}
	}
	r.Op = op
	r.Owner = owner
	return r
}

// Put returns req to the pool for reuse. The caller must not touch req
// afterward.
func (p *Pool) Put(req *Request) {
	req.next = p.free
	p.free = req
}

// Caches bundles the four process-wide caches a request's completion chain
// may need to update. spec.md §9: one open-file and one open-path cache,
// distinguished by CacheID, plus the shared attribute and name caches.
type Caches struct {
	Attr     *attrcache.Cache
	Name     *namecache.Cache
	OpenFile *opencache.Cache
	OpenPath *opencache.Cache
}

// Complete runs the per-opcode cache-update rule for a backend-completed
// request, then invokes Callback. Caches are updated only on success
// (vfserr.OK); a failed request never pollutes a cache (spec.md §4.E).
func (r *Request) Complete(caches *Caches) {
	if r.Status == vfserr.OK {
		r.applyCacheUpdates(caches)
	}
	if r.Callback != nil {
		r.Callback(r)
	}
}

func (r *Request) applyCacheUpdates(caches *Caches) {
	switch r.Op {
	case OpRead, OpWrite, OpCommit, OpAllocate:
		if caches.Attr != nil && r.Result.Attrs.Has(attrs.MaskStat) {
			caches.Attr.Insert(r.Result.FH, r.Result.Attrs)
		}
	case OpSetattr, OpGetattr:
		if caches.Attr != nil && r.Result.Attrs.Has(attrs.MaskStat) {
			caches.Attr.Insert(r.Result.FH, r.Result.Attrs)
		}
	case OpOpenAt:
		args := r.Args.(*OpenAtArgs)
		if caches.Name != nil {
			caches.Name.Insert(args.Parent, args.Name, r.Result.FH)
		}
		if caches.Attr != nil {
			if r.Result.ParentPost.Has(attrs.MaskStat) {
				caches.Attr.Insert(args.Parent, r.Result.ParentPost)
			}
			if r.Result.Attrs.Has(attrs.MaskStat) {
				caches.Attr.Insert(r.Result.FH, r.Result.Attrs)
			}
		}
	case OpLookup:
		args := r.Args.(*LookupArgs)
		if caches.Name != nil {
			caches.Name.Insert(args.Parent, args.Name, r.Result.FH)
		}
		if caches.Attr != nil && r.Result.Attrs.Has(attrs.MaskStat) {
			caches.Attr.Insert(r.Result.FH, r.Result.Attrs)
		}
	case OpMkdir:
		args := r.Args.(*MkdirArgs)
		if caches.Name != nil {
			caches.Name.Insert(args.Parent, args.Name, r.Result.FH)
		}
	case OpSymlink:
		args := r.Args.(*SymlinkArgs)
		if caches.Name != nil {
			caches.Name.Insert(args.Parent, args.Name, r.Result.FH)
		}
	case OpRenameAt:
		args := r.Args.(*RenameAtArgs)
		if caches.Name != nil {
			// Both the old and new names are invalidated: the old because
			// it no longer resolves, the new because it now resolves to a
			// different child than whatever (if anything) was cached.
			caches.Name.Remove(args.OldParent, args.OldName)
			caches.Name.Remove(args.NewParent, args.NewName)
		}
	case OpRemove:
		args := r.Args.(*RemoveArgs)
		if caches.Name != nil {
			caches.Name.Remove(args.Parent, args.Name)
		}
	case OpRmdir:
		args := r.Args.(*RmdirArgs)
		if caches.Name != nil {
			caches.Name.Remove(args.Parent, args.Name)
		}
	case OpCreateUnlinked:
		if caches.Attr != nil && r.Result.Attrs.Has(attrs.MaskStat) {
			caches.Attr.Insert(r.Result.FH, r.Result.Attrs)
		}
		// The handle produced for an unlinked-create is installed into the
		// open-file cache unconditionally, since there is no name to later
		// resolve it by (spec.md §4.E create_unlinked rule).
		if caches.OpenFile != nil && r.Result.Handle == nil {
			r.Result.Handle = caches.OpenFile.Insert(r.Result.FH, true, 0)
		}
	}
}
