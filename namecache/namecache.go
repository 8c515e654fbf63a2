// Package namecache implements the (parent FH, child name) -> child FH
// cache. Grounded line-for-line on vfs_name_cache.h: keys are formed as
// fhHash XOR nameHash, and slot victim selection explicitly marks expired
// entries with score -1 before comparing scores, rather than treating them
// as empty outright.
//
// © 2025 vfscore authors. MIT License.
package namecache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/metrics"
	"github.com/chimera-go/vfscore/internal/reclaim"
	"github.com/chimera-go/vfscore/internal/shardmap"
	"go.uber.org/zap"
)

type entry struct {
	key        uint64
	parent     fh.Handle
	name       string
	child      fh.Handle
	expiration time.Time
	score      atomic.Int64
}

func (e *entry) expired(now time.Time) bool {
	return e.expiration.Before(now)
}

type shard struct {
	mu     sync.Mutex
	slots  []atomic.Pointer[entry]
	domain reclaim.Domain
}

// Cache is the name cache described in spec.md §4.C.
type Cache struct {
	numShards       uint32
	slotsMask       uint64
	entriesPerSlot  uint32
	entriesPerShift uint32
	ttl             time.Duration
	shards          []*shard
	metrics         metrics.Sink
	log             *zap.Logger
}

// Option configures a Cache at construction time.
type Option func(*config)

type config struct {
	metrics metrics.Sink
	log     *zap.Logger
}

func defaultConfig() *config {
	return &config{metrics: metrics.Noop(), log: zap.NewNop()}
}

// WithMetrics plugs in a metrics sink.
func WithMetrics(s metrics.Sink) Option {
	return func(c *config) {
		if s != nil {
			c.metrics = s
		}
	}
}

// WithLogger plugs in a zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// New constructs a name cache, mirroring chimera_vfs_name_cache_create's
// bit-shift sizing.
func New(numShardsBits, numSlotsBits, entriesPerSlotBits uint8, ttl time.Duration, opts ...Option) *Cache {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	numShards := uint32(1) << numShardsBits
	numSlots := uint64(1) << numSlotsBits
	entriesPerSlot := uint32(1) << entriesPerSlotBits

	c := &Cache{
		numShards:       numShards,
		slotsMask:       numSlots - 1,
		entriesPerSlot:  entriesPerSlot,
		entriesPerShift: entriesPerSlotBits,
		ttl:             ttl,
		shards:          make([]*shard, numShards),
		metrics:         cfg.metrics,
		log:             cfg.log,
	}
	for i := range c.shards {
		c.shards[i] = &shard{slots: make([]atomic.Pointer[entry], numSlots*uint64(entriesPerSlot))}
	}

	c.log.Debug("namecache: initialized",
		zap.Uint32("shards", numShards), zap.Uint64("slots", numSlots))

	return c
}

func key(parentHash, nameHash uint64) uint64 { return parentHash ^ nameHash }

func (c *Cache) shardFor(k uint64) (*shard, int) {
	idx := shardmap.Index(k, c.numShards)
	return c.shards[idx], int(idx)
}

func (c *Cache) bucket(sh *shard, k uint64) []atomic.Pointer[entry] {
	slot := (k & c.slotsMask) << c.entriesPerShift
	return sh.slots[slot : slot+uint64(c.entriesPerSlot)]
}

func nameHash(name string) uint64 {
	return fh.HashName(name)
}

// Lookup resolves name within parent, returning the cached child FH.
func (c *Cache) Lookup(parent fh.Handle, name string) (fh.Handle, bool) {
	k := key(parent.Hash(), nameHash(name))
	sh, idx := c.shardFor(k)
	bucket := c.bucket(sh, k)

	g := sh.domain.Enter()
	defer sh.domain.Exit(g)

	now := time.Now()
	for i := range bucket {
		e := bucket[i].Load()
		if e == nil || e.key != k {
			continue
		}
		if e.expired(now) {
			continue
		}
		if !e.parent.Equal(parent) || e.name != name {
			continue
		}
		e.score.Add(1)
		c.metrics.IncHit(idx)
		return e.child, true
	}
	c.metrics.IncMiss(idx)
	return fh.Handle{}, false
}

// Insert publishes a (parent, name) -> child mapping.
func (c *Cache) Insert(parent fh.Handle, name string, child fh.Handle) {
	k := key(parent.Hash(), nameHash(name))
	sh, idx := c.shardFor(k)
	bucket := c.bucket(sh, k)

	ne := &entry{key: k, parent: parent, name: name, child: child, expiration: time.Now().Add(c.ttl)}

	sh.mu.Lock()

	now := time.Now()
	bestIdx := 0
	best := bucket[0].Load()
	for i := range bucket {
		old := bucket[i].Load()

		if old != nil && old.key == k && old.parent.Equal(parent) && old.name == name {
			best, bestIdx = old, i
			break
		}

		if best == nil {
			// Once we've found an empty slot there is no need to compare
			// scores any more — an empty slot is always an acceptable
			// victim; the scan goes on only to find a same-key entry.
			continue
		}

		if old == nil {
			best, bestIdx = old, i
			continue
		}

		if best.expired(now) {
			best.score.Store(-1)
		}
		if old.expired(now) {
			old.score.Store(-1)
		}

		if best.score.Load() > old.score.Load() ||
			(best.score.Load() == old.score.Load() && old.expiration.Before(best.expiration)) {
			best, bestIdx = old, i
		}
	}

	bucket[bestIdx].Store(ne)
	c.metrics.IncInsert(idx)
	sh.mu.Unlock()

	if best != nil {
		sh.domain.Retire(func() {})
	}
}

// Remove evicts the (parent, name) mapping if present. Spec.md §4.C /
// §9: rename of the old name must NOT leave a tombstone behind for
// hard-linked files sharing the same child FH under a different name —
// Remove only clears the (parent, name) slot it was asked about, never
// other entries that happen to reference the same child.
func (c *Cache) Remove(parent fh.Handle, name string) {
	k := key(parent.Hash(), nameHash(name))
	sh, _ := c.shardFor(k)
	bucket := c.bucket(sh, k)

	sh.mu.Lock()
	var removed *entry
	for i := range bucket {
		e := bucket[i].Load()
		if e != nil && e.key == k && e.parent.Equal(parent) && e.name == name {
			removed = e
			bucket[i].Store(nil)
			break
		}
	}
	sh.mu.Unlock()

	if removed != nil {
		sh.domain.Retire(func() {})
	}
}

// ShardCount reports the number of shards.
func (c *Cache) ShardCount() int { return int(c.numShards) }
