// Package addrcache keeps a bounded, concurrent map from wallet address
// to a decaying reference score. The batch processor consults it before
// writing, so hot addresses stop generating database upserts. Entries age
// out through score decay, with LRU eviction as the backstop and a
// memory-pressure shrink rule on top.
package addrcache

import (
	"container/list"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// Config tunes the cache. DefaultConfig matches the production defaults.
type Config struct {
	Enabled             bool
	MaxSize             int
	DefaultValue        int64 // score of a fresh entry, also the hit boost
	DecayAmount         int64 // score subtracted per decay sweep
	LRUEvictionEnabled  bool
	BatchEvictionSize   int
	MemoryCheckEnabled  bool
	TargetMemoryPercent float64
	MinCacheSize        int
}

// DefaultConfig is tuned so an address touched once every few batches
// stays resident while one-off addresses age out within
// DefaultValue/DecayAmount sweeps.
var DefaultConfig = Config{
	Enabled:             true,
	MaxSize:             1_000_000,
	DefaultValue:        50,
	DecayAmount:         2,
	LRUEvictionEnabled:  true,
	BatchEvictionSize:   10_000,
	MemoryCheckEnabled:  true,
	TargetMemoryPercent: 80,
	MinCacheSize:        100_000,
}

// Sanitize clamps nonsensical settings, warning about each adjustment.
func (c Config) Sanitize() Config {
	if c.MaxSize < 1 {
		log.Warn("Sanitizing invalid cache max size", "provided", c.MaxSize, "updated", DefaultConfig.MaxSize)
		c.MaxSize = DefaultConfig.MaxSize
	}
	if c.DefaultValue < 1 {
		log.Warn("Sanitizing invalid cache default value", "provided", c.DefaultValue, "updated", DefaultConfig.DefaultValue)
		c.DefaultValue = DefaultConfig.DefaultValue
	}
	if c.DecayAmount < 1 {
		log.Warn("Sanitizing invalid cache decay amount", "provided", c.DecayAmount, "updated", DefaultConfig.DecayAmount)
		c.DecayAmount = DefaultConfig.DecayAmount
	}
	if c.BatchEvictionSize < 1 {
		log.Warn("Sanitizing invalid cache batch eviction size", "provided", c.BatchEvictionSize, "updated", DefaultConfig.BatchEvictionSize)
		c.BatchEvictionSize = DefaultConfig.BatchEvictionSize
	}
	if c.TargetMemoryPercent <= 0 || c.TargetMemoryPercent > 100 {
		log.Warn("Sanitizing invalid cache target memory percent", "provided", c.TargetMemoryPercent, "updated", DefaultConfig.TargetMemoryPercent)
		c.TargetMemoryPercent = DefaultConfig.TargetMemoryPercent
	}
	if c.MinCacheSize < 0 {
		log.Warn("Sanitizing invalid cache min size", "provided", c.MinCacheSize, "updated", DefaultConfig.MinCacheSize)
		c.MinCacheSize = DefaultConfig.MinCacheSize
	}
	return c
}

// Stats is a point-in-time view of cache occupancy and the per-batch
// hit/miss counters.
type Stats struct {
	Size               int   `json:"size"`
	MaxSize            int   `json:"maxSize"`
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	SkippedDBOps       int64 `json:"skippedDbOperations"`
	UtilizationPercent int   `json:"utilizationPercent"`
}

// Cache is safe for concurrent use. Scores are per-key atomics so
// CheckAndBoost can interleave with a decay sweep; the LRU list has its
// own lock and mirrors the key set of the map.
type Cache struct {
	cfg Config

	entries sync.Map // address -> *atomic.Int64 score
	size    atomic.Int64

	lruMu sync.Mutex
	lru   *list.List               // front = oldest
	index map[string]*list.Element // address -> lru element

	hits    atomic.Int64
	misses  atomic.Int64
	skipped atomic.Int64

	sizeGauge  metrics.Gauge
	memPercent func() float64

	log log.Logger
}

// New builds a cache from the sanitized config.
func New(cfg Config) *Cache {
	c := &Cache{
		cfg:        cfg.Sanitize(),
		lru:        list.New(),
		index:      make(map[string]*list.Element),
		sizeGauge:  metrics.NewRegisteredGauge("chaindata/cache/size", nil),
		memPercent: MemoryUsedPercent,
		log:        log.New("module", "addrcache"),
	}
	return c
}

// Enabled reports whether the cache participates in filtering at all.
func (c *Cache) Enabled() bool { return c.cfg.Enabled }

// Len returns the current number of entries.
func (c *Cache) Len() int { return int(c.size.Load()) }

// CheckAndBoost returns true and boosts the score when the address is
// cached, marking it most recently used. Misses only bump the miss
// counter; a disabled cache misses everything.
func (c *Cache) CheckAndBoost(address string) bool {
	if !c.cfg.Enabled {
		return false
	}
	if v, ok := c.entries.Load(address); ok {
		score := v.(*atomic.Int64).Add(c.cfg.DefaultValue)
		c.hits.Add(1)
		c.skipped.Add(1)
		c.touch(address)
		c.log.Trace("Cache hit", "address", address, "score", score)
		return true
	}
	c.misses.Add(1)
	return false
}

// AddIfAbsent inserts an address with the default score. When the cache
// is at capacity a decay sweep runs first; if that frees nothing the
// existing entries win and the address is dropped.
func (c *Cache) AddIfAbsent(address string) {
	if !c.cfg.Enabled {
		return
	}
	if int(c.size.Load()) >= c.cfg.MaxSize {
		c.DecayAndEvict()
		if int(c.size.Load()) >= c.cfg.MaxSize {
			return
		}
	}
	score := new(atomic.Int64)
	score.Store(c.cfg.DefaultValue)
	if _, loaded := c.entries.LoadOrStore(address, score); !loaded {
		c.sizeGauge.Update(c.size.Add(1))
		c.pushBack(address)
	}
}

// AddAll is the bulk form of AddIfAbsent.
func (c *Cache) AddAll(addresses []string) {
	if !c.cfg.Enabled {
		return
	}
	for _, address := range addresses {
		c.AddIfAbsent(address)
	}
}

// AddSet inserts every member of the given set.
func (c *Cache) AddSet(addresses mapset.Set[string]) {
	if !c.cfg.Enabled || addresses == nil {
		return
	}
	c.AddAll(addresses.ToSlice())
}

// DecayAndEvict runs one decay sweep: every score drops by the decay
// amount and entries at or below zero are removed. If the cache is still
// at capacity the oldest entries are evicted in a batch, and under
// memory pressure the cache shrinks towards MinCacheSize.
func (c *Cache) DecayAndEvict() {
	if !c.cfg.Enabled {
		return
	}
	before := c.size.Load()

	c.entries.Range(func(key, value any) bool {
		score := value.(*atomic.Int64)
		if score.Add(-c.cfg.DecayAmount) <= 0 {
			if c.entries.CompareAndDelete(key, value) {
				c.size.Add(-1)
				c.remove(key.(string))
			}
		}
		return true
	})

	if c.cfg.LRUEvictionEnabled && int(c.size.Load()) >= c.cfg.MaxSize {
		toEvict := int(c.size.Load()) - c.cfg.MaxSize + c.cfg.BatchEvictionSize
		evicted := c.evictOldest(toEvict)
		c.log.Debug("LRU fallback eviction", "requested", toEvict, "evicted", evicted)
	}

	if c.cfg.MemoryCheckEnabled {
		c.shrinkUnderMemoryPressure()
	}

	c.sizeGauge.Update(c.size.Load())
	c.log.Debug("Cache decay sweep finished", "before", before, "after", c.size.Load())
}

// shrinkUnderMemoryPressure drops the cache to 80% of its current size
// when heap use crosses the configured threshold, never going below
// MinCacheSize.
func (c *Cache) shrinkUnderMemoryPressure() {
	used := c.memPercent()
	size := int(c.size.Load())
	if used <= c.cfg.TargetMemoryPercent || size <= c.cfg.MinCacheSize {
		return
	}
	target := size * 8 / 10
	if target < c.cfg.MinCacheSize {
		target = c.cfg.MinCacheSize
	}
	if evicted := c.evictOldest(size - target); evicted > 0 {
		c.log.Info("Cache shrunk under memory pressure", "evicted", evicted, "size", c.size.Load(), "memoryUsed", used)
	}
}

// evictOldest removes up to n entries starting from the least recently
// used end and returns how many were actually removed.
func (c *Cache) evictOldest(n int) int {
	if n <= 0 {
		return 0
	}
	evicted := 0
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	for evicted < n {
		front := c.lru.Front()
		if front == nil {
			break
		}
		address := front.Value.(string)
		c.lru.Remove(front)
		delete(c.index, address)
		if _, ok := c.entries.LoadAndDelete(address); ok {
			c.size.Add(-1)
			evicted++
		}
	}
	return evicted
}

func (c *Cache) touch(address string) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	if el, ok := c.index[address]; ok {
		c.lru.MoveToBack(el)
	}
}

func (c *Cache) pushBack(address string) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	if _, ok := c.index[address]; !ok {
		c.index[address] = c.lru.PushBack(address)
	}
}

func (c *Cache) remove(address string) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	if el, ok := c.index[address]; ok {
		c.lru.Remove(el)
		delete(c.index, address)
	}
}

// Stats returns the current occupancy and per-batch counters.
func (c *Cache) Stats() Stats {
	size := int(c.size.Load())
	utilization := 0
	if c.cfg.MaxSize > 0 {
		utilization = size * 100 / c.cfg.MaxSize
	}
	return Stats{
		Size:               size,
		MaxSize:            c.cfg.MaxSize,
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
		SkippedDBOps:       c.skipped.Load(),
		UtilizationPercent: utilization,
	}
}

// ResetBatchCounters zeroes the per-batch hit/miss/skipped counters
// without touching the entries.
func (c *Cache) ResetBatchCounters() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.skipped.Store(0)
}
