// Package shardmap holds the sharding primitives every vfscore cache
// builds on: power-of-two shard-index selection and a generic free list of
// recycled nodes. This factors out the arithmetic that appeared four times
// in the source this module generalizes (vfs_attr_cache.h, vfs_name_cache.h
// and vfs_open_cache.h each reimplemented `hash & mask`) and the
// free/recycle pattern the teacher cache applies to its own entry struct in
// pkg/shard.go / internal/genring.
//
// © 2025 vfscore authors. MIT License.
package shardmap

// Index returns the shard owning hash, given numShards (must be a power of
// two — callers validate this once at construction, mirroring the teacher
// cache's New() validation).
func Index(hash uint64, numShards uint32) uint32 {
	return uint32(hash) & (numShards - 1)
}

// IsPowerOfTwo reports whether n is a power of two and nonzero.
func IsPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// FreeList is a singly-linked recycle pool of *T, avoiding an allocation on
// every insert the way shard->free_handles / shard->free_entries do in the
// C source. Not safe for concurrent use; callers hold their own shard lock
// around Get/Put exactly as the original code does.
type FreeList[T any] struct {
	head  *node[T]
	newFn func() *T
}

type node[T any] struct {
	val  *T
	next *node[T]
}

// NewFreeList constructs an empty free list. newFn allocates a fresh T when
// the list is empty.
func NewFreeList[T any](newFn func() *T) *FreeList[T] {
	return &FreeList[T]{newFn: newFn}
}

// Get returns a recycled T if one is available, otherwise allocates a fresh
// one via newFn.
func (f *FreeList[T]) Get() *T {
	if f.head == nil {
		return f.newFn()
	}
	n := f.head
	f.head = n.next
	return n.val
}

// Put returns val to the free list for future reuse.
func (f *FreeList[T]) Put(val *T) {
	f.head = &node[T]{val: val, next: f.head}
}
