// Package vfscore wires the concurrency/caching core together into one
// object a caller constructs and tears down, the same shape as the
// teacher's top-level Cache[K,V] in pkg/cache.go: one constructor (New),
// functional options for tuning, and per-worker handles (here, Worker
// instead of a bare shard index) that own their own Request pool and
// wakeup.Worker, mirroring chimera_vfs_thread's one-pool-per-thread
// discipline.
//
// © 2025 vfscore authors. MIT License.
package vfscore

import (
	"context"
	"time"

	"github.com/chimera-go/vfscore/attrcache"
	"github.com/chimera-go/vfscore/backend"
	"github.com/chimera-go/vfscore/internal/fh"
	"github.com/chimera-go/vfscore/internal/metrics"
	"github.com/chimera-go/vfscore/internal/vfserr"
	"github.com/chimera-go/vfscore/namecache"
	"github.com/chimera-go/vfscore/opencache"
	"github.com/chimera-go/vfscore/request"
	"github.com/chimera-go/vfscore/sillyrename"
	"github.com/chimera-go/vfscore/wakeup"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// OpenFlags bits recognized by OpOpenAt, the Go rendering of the subset of
// POSIX open(2) flags this core cares about.
const (
	FlagCreate uint32 = 1 << iota
	// FlagWrite requests a writable open (O_WRONLY/O_RDWR); absent, the open
	// is read-only and can share a cached handle with any other reader.
	FlagWrite
	// FlagOpenPath routes the resulting handle into the open-path cache
	// instead of the open-file cache, the Go rendering of
	// CHIMERA_VFS_OPEN_PATH: a caller that only needs a cached reference for
	// path-resolution purposes (no read/write/commit ever issued against the
	// handle) shouldn't compete with real file I/O for open-file cache slots.
	FlagOpenPath
)

// config holds tunables applied by Option at construction time.
type config struct {
	attrShardBits, attrSlotBits, attrEntryBits uint8
	attrTTL                                    time.Duration

	nameShardBits, nameSlotBits, nameEntryBits uint8
	nameTTL                                    time.Duration

	openShardBits int
	maxOpenFiles  int
	minCloseAge   time.Duration
	metricsReg    *prometheus.Registry
	log           *zap.Logger
}

func defaultConfig() *config {
	return &config{
		attrShardBits: 6, attrSlotBits: 6, attrEntryBits: 3, attrTTL: 2 * time.Second,
		nameShardBits: 6, nameSlotBits: 6, nameEntryBits: 3, nameTTL: 2 * time.Second,
		openShardBits: 4, maxOpenFiles: 4096, minCloseAge: 30 * time.Second,
		log: zap.NewNop(),
	}
}

// Option configures a Context at construction time.
type Option func(*config)

// WithAttrCache overrides the attribute cache's shard/slot geometry and TTL.
func WithAttrCache(shardBits, slotBits, entryBits uint8, ttl time.Duration) Option {
	return func(c *config) {
		c.attrShardBits, c.attrSlotBits, c.attrEntryBits, c.attrTTL = shardBits, slotBits, entryBits, ttl
	}
}

// WithNameCache overrides the name cache's shard/slot geometry and TTL.
func WithNameCache(shardBits, slotBits, entryBits uint8, ttl time.Duration) Option {
	return func(c *config) {
		c.nameShardBits, c.nameSlotBits, c.nameEntryBits, c.nameTTL = shardBits, slotBits, entryBits, ttl
	}
}

// WithOpenCache overrides the open-handle caches' shard count and per-cache
// file ceiling.
func WithOpenCache(shardBits, maxOpenFiles int) Option {
	return func(c *config) { c.openShardBits, c.maxOpenFiles = shardBits, maxOpenFiles }
}

// WithDeferCloseAge sets the minimum idle age before DeferClose reaps a
// pending-close handle.
func WithDeferCloseAge(d time.Duration) Option {
	return func(c *config) { c.minCloseAge = d }
}

// WithLogger plugs a zap logger into every cache and into vfserr.Abort.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics registers Prometheus collectors for every cache under reg,
// one series-labeled collector set per cache instance (attr, name,
// open-file, open-path). Omit to run with internal/metrics' noop sink.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.metricsReg = reg }
}

// Context owns every cache, the backend routing table, and the
// silly-rename registry for one VFS instance. Safe for concurrent use by
// multiple Workers.
type Context struct {
	caches         *request.Caches
	sillyReg       *sillyrename.Registry
	backends       map[byte]backend.Module
	defaultBackend backend.Module
	log            *zap.Logger
	minClose       time.Duration
	wakeupReg      *wakeup.Registry
}

// New constructs a Context with empty caches and no registered backends;
// call RegisterBackend before dispatching any request.
func New(opts ...Option) *Context {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	vfserr.SetAbortLogger(cfg.log)

	attrMetrics := metrics.NewPrometheus(cfg.metricsReg, "vfscore_attr_cache", "attr")
	nameMetrics := metrics.NewPrometheus(cfg.metricsReg, "vfscore_name_cache", "name")
	openFileMetrics := metrics.NewPrometheus(cfg.metricsReg, "vfscore_open_cache", "open-file")
	openPathMetrics := metrics.NewPrometheus(cfg.metricsReg, "vfscore_open_path_cache", "open-path")

	return &Context{
		caches: &request.Caches{
			Attr: attrcache.New(cfg.attrShardBits, cfg.attrSlotBits, cfg.attrEntryBits, cfg.attrTTL,
				attrcache.WithLogger(cfg.log), attrcache.WithMetrics(attrMetrics)),
			Name: namecache.New(cfg.nameShardBits, cfg.nameSlotBits, cfg.nameEntryBits, cfg.nameTTL,
				namecache.WithLogger(cfg.log), namecache.WithMetrics(nameMetrics)),
			OpenFile: opencache.New(0, cfg.openShardBits, cfg.maxOpenFiles, "open-file",
				func(h *opencache.Handle) { closeOpenFileHandle(cfg.log, h) },
				opencache.WithLogger(cfg.log), opencache.WithMetrics(openFileMetrics)),
			OpenPath: opencache.New(1, cfg.openShardBits, cfg.maxOpenFiles, "open-path",
				func(*opencache.Handle) {}, opencache.WithLogger(cfg.log), opencache.WithMetrics(openPathMetrics)),
		},
		sillyReg:  sillyrename.NewRegistry(),
		backends:  make(map[byte]backend.Module),
		log:       cfg.log,
		minClose:  cfg.minCloseAge,
		wakeupReg: wakeup.NewRegistry(),
	}
}

// closeOpenFileHandle is the OpenFile cache's evict-on-full/detach backend
// close hook: a handle reaching here has OpenCount==0, so there is no
// VFSModule reference to call back into from within opencache itself
// (spec.md §9 keeps that pointer on the protocol/backend side, not in the
// generic cache). The real backend Close runs in Worker's OpClose path and
// in DeferCloseSweep; a handle evicted or replaced inside the cache reaches
// only this hook, which does nothing but log it.
func closeOpenFileHandle(log *zap.Logger, h *opencache.Handle) {
	log.Debug("opencache: handle reaped without explicit backend close", zap.Uint64("vfs_private", h.VFSPrivate))
}

// RegisterBackend adds a backend.Module to the routing table, keyed by its
// FHMagic byte. FHs minted by this backend must carry that byte as the
// first byte of their mount-id prefix. The first backend registered becomes
// the default, consulted by GetRootFH (which has no FH yet to route by).
func (c *Context) RegisterBackend(m backend.Module) {
	c.backends[m.FHMagic()] = m
	if c.defaultBackend == nil {
		c.defaultBackend = m
	}
}

// openCacheFor returns the cache that owns a handle, keyed by the CacheID
// stamped on it at allocation time (0 for OpenFile, 1 for OpenPath, matching
// the cacheID arguments passed to opencache.New above) — needed because a
// handle produced via FlagOpenPath must be released against OpenPath, never
// OpenFile, or its shard accounting corrupts.
func (c *Context) openCacheFor(cacheID uint8) *opencache.Cache {
	if cacheID == 1 {
		return c.caches.OpenPath
	}
	return c.caches.OpenFile
}

func (c *Context) backendFor(h fh.Handle) (backend.Module, vfserr.Error) {
	b := h.Slice()
	if len(b) == 0 {
		return nil, vfserr.EFAULT
	}
	m, ok := c.backends[b[0]]
	if !ok {
		return nil, vfserr.ESTALE
	}
	return m, vfserr.OK
}

// Caches exposes the shared cache bundle, e.g. for a periodic DeferClose
// sweep driven by the caller's own scheduler.
func (c *Context) Caches() *request.Caches { return c.caches }

// DeferCloseSweep reaps aged pending-close handles from the open-file cache
// and performs their real backend Close, including any deferred
// silly-rename cleanup. Intended to be called periodically (the Go
// analogue of chimera_vfs_open_cache's dedicated close thread).
func (c *Context) DeferCloseSweep(ctx context.Context) {
	c.sweepDeferClose(ctx, c.caches.OpenFile)
	// The open-path cache holds handles minted for path-resolution only
	// (FlagOpenPath); they never go through a backend I/O call, but they
	// still occupy a cache slot and age out through the same pending-close
	// mechanism, so they need the same periodic sweep.
	c.sweepDeferClose(ctx, c.caches.OpenPath)
}

func (c *Context) sweepDeferClose(ctx context.Context, cache *opencache.Cache) {
	closed, _ := cache.DeferClose(c.minClose)
	for _, h := range closed {
		mod, err := c.backendFor(h.FH)
		if err == vfserr.OK {
			mod.Close(ctx, h.FH, h.VFSPrivate, func(vfserr.Error) {
				sillyrename.OnFinalClose(ctx, moduleAsPeer{mod}, c.sillyReg, h.FH, sillyrename.Credential{})
			})
		}
	}
	cache.ReturnClosed(closed)
}

// moduleAsPeer adapts a backend.Module to sillyrename.Peer, translating
// the capability table's callback style into the synchronous-looking calls
// the state machine's Remove/OnFinalClose expect — acceptable because
// every Module this core ships (backend/memory) completes inline; a truly
// asynchronous backend would need its own adapter that blocks on a
// channel here instead.
type moduleAsPeer struct{ m backend.Module }

func (p moduleAsPeer) Rename(ctx context.Context, dirFH fh.Handle, from, to string, cred sillyrename.Credential) vfserr.Error {
	var result vfserr.Error
	p.m.RenameAt(ctx, dirFH, from, dirFH, to, backend.Credential(cred), func(r backend.MutateResult) { result = r.Err })
	return result
}

func (p moduleAsPeer) Remove(ctx context.Context, dirFH fh.Handle, name string, cred sillyrename.Credential) vfserr.Error {
	var result vfserr.Error
	p.m.Remove(ctx, dirFH, name, backend.Credential(cred), func(r backend.MutateResult) { result = r.Err })
	return result
}
