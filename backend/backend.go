// Package backend defines the capability-table abstraction every storage
// implementation plugs into vfscore behind: a polymorphic Module interface
// of per-operation methods, each taking a context and a completion
// callback so the caller's goroutine is never blocked past submission.
// Grounded on spec.md §6/§9 ("model as a capability table behind a
// polymorphic module abstraction") and, for per-method doc style and
// request/response shaping, on jacobsa/fuse's FileSystem interface
// (file_system.go) — the closest thing in the pack to a multi-operation
// filesystem capability surface with one method per VFS call.
//
// © 2025 vfscore authors. MIT License.
package backend

import (
	"context"

	"github.com/chimera-go/vfscore/attrs"
	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/vfserr"
)

// CapSet is a bitset of optional behaviors a Module supports, consulted by
// the dispatch layer before issuing operations the backend hasn't
// implemented (spec.md §6: "OpenFileRequired, CreateUnlinked").
type CapSet uint32

const (
	// OpenFileRequired means Read/Write/Commit/Allocate require a prior
	// Open on the target FH; without it, those calls may be issued
	// directly against a looked-up FH (stateless backends).
	OpenFileRequired CapSet = 1 << iota
	// CreateUnlinked means the backend can create a file with no directory
	// entry at all, for OpCreateUnlinked (O_TMPFILE-style temp files).
	CreateUnlinked
)

// Has reports whether every bit in want is set.
func (c CapSet) Has(want CapSet) bool { return c&want == want }

// OpenResult is passed to an Open completion callback.
type OpenResult struct {
	VFSPrivate uint64
	Attrs      attrs.Attrs
	Err        vfserr.Error
}

// LookupResult is passed to a Lookup completion callback.
type LookupResult struct {
	FH    fh.Handle
	Attrs attrs.Attrs
	Err   vfserr.Error
}

// AttrResult is passed to Getattr/Setattr completion callbacks.
type AttrResult struct {
	Attrs attrs.Attrs
	Err   vfserr.Error
}

// DataResult is passed to a Read completion callback.
type DataResult struct {
	Data  []byte
	EOF   bool
	Attrs attrs.Attrs
	Err   vfserr.Error
}

// WriteResult is passed to Write/Commit/Allocate completion callbacks.
type WriteResult struct {
	Written   uint32
	PostAttrs attrs.Attrs
	Err       vfserr.Error
}

// MutateResult is passed to Remove/Rename/Link/Mkdir/Rmdir completion
// callbacks: a status, the parent's post-op attrs, and, for operations that
// produce one, the resulting object's FH and attrs.
type MutateResult struct {
	FH         fh.Handle
	Attrs      attrs.Attrs
	ParentPost attrs.Attrs
	Err        vfserr.Error
}

// ReaddirResult is passed to a Readdir completion callback.
type ReaddirResult struct {
	Entries []Dirent
	Cookie  uint64
	EOF     bool
	Err     vfserr.Error
}

// Dirent is one directory entry returned by Readdir.
type Dirent struct {
	Name string
	FH   fh.Handle
}

// StatfsResult is passed to a Statfs completion callback.
type StatfsResult struct {
	TotalBytes uint64
	FreeBytes  uint64
	TotalFiles uint64
	FreeFiles  uint64
	Err        vfserr.Error
}

// Credential identifies the caller for a backend's own permission checks.
type Credential struct {
	UID uint32
	GID uint32
}

// Module is the capability table a storage implementation exposes to
// vfscore. Every method submits work and returns immediately; the result
// arrives via the supplied callback, invoked from a goroutine the backend
// controls (possibly inline, possibly from a worker pool) — never
// synchronously reentering the caller's own lock.
type Module interface {
	// Capabilities reports which optional behaviors this backend supports.
	Capabilities() CapSet
	// FHMagic returns the first byte every FH minted by this backend
	// carries, so a multi-backend vfscore.Context can route an FH back to
	// its owning Module without a side table.
	FHMagic() byte

	Lookup(ctx context.Context, parent fh.Handle, name string, cred Credential, cb func(LookupResult))
	GetRootFH(ctx context.Context, cb func(LookupResult))
	Getattr(ctx context.Context, handle fh.Handle, mask attrs.Mask, cred Credential, cb func(AttrResult))
	Setattr(ctx context.Context, handle fh.Handle, patch attrs.Attrs, cred Credential, cb func(AttrResult))

	Open(ctx context.Context, handle fh.Handle, writable bool, cred Credential, cb func(OpenResult))
	Close(ctx context.Context, handle fh.Handle, vfsPrivate uint64, cb func(vfserr.Error))

	Read(ctx context.Context, handle fh.Handle, vfsPrivate uint64, offset uint64, length uint32, cb func(DataResult))
	Write(ctx context.Context, handle fh.Handle, vfsPrivate uint64, offset uint64, data []byte, cb func(WriteResult))
	Commit(ctx context.Context, handle fh.Handle, vfsPrivate uint64, offset uint64, length uint32, cb func(WriteResult))
	Allocate(ctx context.Context, handle fh.Handle, vfsPrivate uint64, offset uint64, length uint64, cb func(WriteResult))

	Remove(ctx context.Context, parent fh.Handle, name string, cred Credential, cb func(MutateResult))
	RenameAt(ctx context.Context, oldParent fh.Handle, oldName string, newParent fh.Handle, newName string, cred Credential, cb func(MutateResult))
	Link(ctx context.Context, handle fh.Handle, newParent fh.Handle, newName string, cred Credential, cb func(MutateResult))
	Symlink(ctx context.Context, parent fh.Handle, name, target string, cred Credential, cb func(MutateResult))

	Mkdir(ctx context.Context, parent fh.Handle, name string, mode uint32, cred Credential, cb func(MutateResult))
	Rmdir(ctx context.Context, parent fh.Handle, name string, cred Credential, cb func(MutateResult))
	Readdir(ctx context.Context, handle fh.Handle, cookie uint64, count int, cred Credential, cb func(ReaddirResult))

	// Create implements OpenAt's create-on-open path: it creates and links
	// a new regular file named name under parent (open_flags carries
	// O_CREAT-style semantics, exclusive requests O_EXCL). If the name
	// already exists and exclusive is true, the callback reports EEXIST
	// without disturbing the existing file; if it exists and exclusive is
	// false, the existing file is looked up and opened instead.
	Create(ctx context.Context, parent fh.Handle, name string, mode uint32, exclusive bool, cred Credential, cb func(OpenResult, fh.Handle))
	// CreateUnlinked creates a regular file with no directory entry at all
	// (O_TMPFILE-style), already open, for backends advertising the
	// CreateUnlinked capability.
	CreateUnlinked(ctx context.Context, parent fh.Handle, mode uint32, cred Credential, cb func(OpenResult, fh.Handle))
	Statfs(ctx context.Context, handle fh.Handle, cb func(StatfsResult))
}
