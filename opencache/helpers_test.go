package opencache

import "go.uber.org/zap"

// newSingleShardCache bypasses New's mandatory 16x shard-count padding
// (mirroring chimera_vfs_open_cache_init's num_shard_bits+4) so tests that
// assert FIFO eviction order or per-shard capacity can do so without
// depending on which shard a given file handle happens to hash into.
func newSingleShardCache(maxOpenFiles int, closeFn func(h *Handle)) *Cache {
	if maxOpenFiles < 4 {
		maxOpenFiles = 4
	}
	return &Cache{
		shardMask: 0,
		shards:    []*shard{newShard(0, maxOpenFiles)},
		cacheID:   0,
		cacheName: "test-single-shard",
		metrics:   defaultOptions().metrics,
		log:       zap.NewNop(),
		closeFn:   closeFn,
	}
}
