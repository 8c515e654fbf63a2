// Package fh implements the opaque file-handle type shared by every vfscore
// cache: an FH is a byte string of bounded length whose leading bytes
// identify the owning mount. Hashing follows the shard-local-seed approach
// used by shard.hash in the teacher cache (hash/maphash over the raw
// bytes), except the hash here is computed once at handle construction and
// carried alongside it, exactly as fh_hash accompanies every fh in the
// source this package generalizes.
//
// © 2025 vfscore authors. MIT License.
package fh

import (
	"bytes"
	"encoding/hex"
	"hash/maphash"
)

const (
	// Max is the largest number of bytes an FH may occupy.
	Max = 128
	// MountIDSize is the length of the mount-identifying prefix.
	MountIDSize = 16
)

// seed is process-wide: FH hashes must agree across every cache instance
// sharing this package within a single process, unlike the teacher's
// per-shard seed (which only needs internal consistency within one Cache).
var seed = maphash.MakeSeed()

// Handle is an opaque file handle: Bytes[:Len] is significant, the rest of
// the backing array (if any) is not read.
type Handle struct {
	Bytes [Max]byte
	Len   uint8
	hash  uint64
}

// New builds a Handle from raw bytes, computing and caching its hash.
// Panics if b is empty or longer than Max, which indicates a caller bug
// (backends are responsible for producing well-formed FHs).
func New(b []byte) Handle {
	if len(b) == 0 || len(b) > Max {
		panic("fh: handle length out of range")
	}
	var h Handle
	copy(h.Bytes[:], b)
	h.Len = uint8(len(b))
	h.hash = hashBytes(b)
	return h
}

// hashBytes computes the 64-bit hash of the significant prefix of an FH.
func hashBytes(b []byte) uint64 {
	var mh maphash.Hash
	mh.SetSeed(seed)
	mh.Write(b)
	return mh.Sum64()
}

// Hash returns the precomputed 64-bit hash.
func (h Handle) Hash() uint64 { return h.hash }

// Slice returns the significant bytes of the handle.
func (h Handle) Slice() []byte { return h.Bytes[:h.Len] }

// MountID returns the mount-identifying prefix. Panics if the handle is
// shorter than MountIDSize, which would indicate a malformed FH from a
// backend.
func (h Handle) MountID() []byte {
	if int(h.Len) < MountIDSize {
		panic("fh: handle shorter than mount id")
	}
	return h.Bytes[:MountIDSize]
}

// Equal performs byte-equality over the significant prefix of both handles.
func (h Handle) Equal(o Handle) bool {
	return h.Len == o.Len && bytes.Equal(h.Slice(), o.Slice())
}

// EqualBytes compares the handle's significant bytes against a raw slice,
// used when the caller only has (fh, fh_len) rather than a Handle value.
func (h Handle) EqualBytes(b []byte) bool {
	return int(h.Len) == len(b) && bytes.Equal(h.Slice(), b)
}

// SameMount reports whether h belongs to the mount identified by mountID.
func (h Handle) SameMount(mountID []byte) bool {
	return int(h.Len) >= MountIDSize && bytes.Equal(h.Bytes[:MountIDSize], mountID)
}

// String renders the handle as lowercase hex, used to build silly names and
// for debug logging.
func (h Handle) String() string {
	return hex.EncodeToString(h.Slice())
}

// IsZero reports whether h was never initialized via New.
func (h Handle) IsZero() bool { return h.Len == 0 }

// HashName hashes a directory-entry name with the same process-wide seed
// used for FH hashing, so namecache can XOR the two into one shard/slot
// key exactly as fh_hash ^ name_hash does in the source this module
// generalizes.
func HashName(name string) uint64 {
	var mh maphash.Hash
	mh.SetSeed(seed)
	mh.WriteString(name)
	return mh.Sum64()
}
