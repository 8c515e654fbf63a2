// Package attrs defines the POSIX-ish stat attributes exchanged between
// backends, the request/dispatch layer and the attribute cache. Mirrors
// chimera_vfs_attrs from the source this module generalizes: a request mask
// describing what the caller wants (ReqMask) and a set mask describing what
// the backend actually returned (SetMask).
//
// © 2025 vfscore authors. MIT License.
package attrs

import (
	"time"

	"github.com/chimera-go/vfscore/internal/fh"
)

// Mask bits identify individual attribute fields. MaskStat is the set that
// must all be present for attrcache.Insert to accept an entry (spec.md
// §4.B: "only if attrs carries the full stat set").
type Mask uint32

const (
	MaskMode Mask = 1 << iota
	MaskNlink
	MaskUID
	MaskGID
	MaskSize
	MaskAtime
	MaskMtime
	MaskCtime
	MaskType
	MaskFH // the attribute set was stamped with the owning FH by attrcache
)

// MaskStat is the full set a "complete" attribute fetch must return.
const MaskStat = MaskMode | MaskNlink | MaskUID | MaskGID | MaskSize |
	MaskAtime | MaskMtime | MaskCtime | MaskType

// Type enumerates the POSIX file types this module cares about.
type Type uint8

const (
	TypeRegular Type = iota
	TypeDirectory
	TypeSymlink
	TypeOther
)

// Attrs is the attribute payload cached by attrcache and exchanged between
// request arms and backends.
type Attrs struct {
	ReqMask Mask
	SetMask Mask

	Type  Type
	Mode  uint32
	Nlink uint32
	UID   uint32
	GID   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time

	FH fh.Handle
}

// Has reports whether every bit in want is present in SetMask.
func (a Attrs) Has(want Mask) bool {
	return a.SetMask&want == want
}

// Merge overlays the fields named by patch.SetMask onto a, returning the
// result and its updated SetMask — used by setattr/getattr round-trips
// (spec.md §8: "setattr(fh, A); getattr(fh) = A' where A ⊆ A' on the
// requested mask").
func (a Attrs) Merge(patch Attrs) Attrs {
	out := a
	if patch.SetMask&MaskMode != 0 {
		out.Mode = patch.Mode
	}
	if patch.SetMask&MaskNlink != 0 {
		out.Nlink = patch.Nlink
	}
	if patch.SetMask&MaskUID != 0 {
		out.UID = patch.UID
	}
	if patch.SetMask&MaskGID != 0 {
		out.GID = patch.GID
	}
	if patch.SetMask&MaskSize != 0 {
		out.Size = patch.Size
	}
	if patch.SetMask&MaskAtime != 0 {
		out.Atime = patch.Atime
	}
	if patch.SetMask&MaskMtime != 0 {
		out.Mtime = patch.Mtime
	}
	if patch.SetMask&MaskCtime != 0 {
		out.Ctime = patch.Ctime
	}
	if patch.SetMask&MaskType != 0 {
		out.Type = patch.Type
	}
	out.SetMask |= patch.SetMask
	return out
}
