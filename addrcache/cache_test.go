package addrcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/stretchr/testify/require"
)

func init() {
	// The size gauge registers as a no-op unless metrics collection is
	// on before the first registration.
	metrics.Enabled = true
}

func testConfig() Config {
	return Config{
		Enabled:            true,
		MaxSize:            4,
		DefaultValue:       10,
		DecayAmount:        5,
		LRUEvictionEnabled: true,
		BatchEvictionSize:  1,
		MinCacheSize:       1,
	}
}

// lruKeys snapshots the LRU list from oldest to newest.
func (c *Cache) lruKeys() []string {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	keys := make([]string, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(string))
	}
	return keys
}

func TestCheckAndBoostCountsHitsAndMisses(t *testing.T) {
	c := New(testConfig())

	require.False(t, c.CheckAndBoost("0xA"))
	c.AddIfAbsent("0xA")
	require.True(t, c.CheckAndBoost("0xA"))
	require.True(t, c.CheckAndBoost("0xA"))

	stats := c.Stats()
	require.EqualValues(t, 2, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
	require.EqualValues(t, 2, stats.SkippedDBOps)
	require.Equal(t, 1, stats.Size)
}

func TestResetBatchCountersKeepsEntries(t *testing.T) {
	c := New(testConfig())
	c.AddIfAbsent("0xA")
	c.CheckAndBoost("0xA")
	c.CheckAndBoost("0xB")

	c.ResetBatchCounters()
	stats := c.Stats()
	require.Zero(t, stats.Hits)
	require.Zero(t, stats.Misses)
	require.Zero(t, stats.SkippedDBOps)
	require.Equal(t, 1, stats.Size)
	require.True(t, c.CheckAndBoost("0xA"))
}

func TestDisabledCacheMissesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := New(cfg)

	c.AddIfAbsent("0xA")
	require.False(t, c.CheckAndBoost("0xA"))
	require.Zero(t, c.Len())
}

// Scenario from the tuning rationale: boosted entries survive the decay
// sweep that removes the untouched ones, making room for the newcomer.
func TestDecayEvictsOnlyAgedEntries(t *testing.T) {
	c := New(testConfig()) // max 4, default 10, decay 5
	c.AddAll([]string{"A", "B", "C", "D"})
	require.True(t, c.CheckAndBoost("A")) // score 20
	require.True(t, c.CheckAndBoost("B")) // score 20

	// Full, so this triggers a decay sweep plus the LRU fallback, which
	// takes the oldest untouched entry.
	c.AddIfAbsent("E")

	require.LessOrEqual(t, c.Len(), 4)
	c.DecayAndEvict()
	require.False(t, c.CheckAndBoost("C"))
	require.False(t, c.CheckAndBoost("D"))
	require.True(t, c.CheckAndBoost("A"))
	require.True(t, c.CheckAndBoost("B"))
}

func TestAddIfAbsentPrioritisesExistingEntries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2
	cfg.DecayAmount = 1 // decay frees nothing immediately
	cfg.LRUEvictionEnabled = false
	c := New(cfg)

	c.AddAll([]string{"A", "B"})
	c.AddIfAbsent("C")

	require.Equal(t, 2, c.Len())
	require.False(t, c.CheckAndBoost("C"))
}

func TestLRUListMatchesKeySet(t *testing.T) {
	c := New(testConfig())
	c.AddAll([]string{"A", "B", "C"})
	c.CheckAndBoost("A") // A becomes most recently used

	require.Equal(t, []string{"B", "C", "A"}, c.lruKeys())

	c.DecayAndEvict() // scores 5/5/15: B and C decay out next sweep
	c.DecayAndEvict()
	keys := c.lruKeys()
	require.Equal(t, c.Len(), len(keys))
	for _, k := range keys {
		_, ok := c.entries.Load(k)
		require.True(t, ok, "lru key %s missing from map", k)
	}
}

func TestEvictOldestRespectsOrder(t *testing.T) {
	c := New(testConfig())
	c.AddAll([]string{"A", "B", "C", "D"})
	c.CheckAndBoost("A")

	require.Equal(t, 2, c.evictOldest(2)) // B and C are oldest
	require.False(t, c.CheckAndBoost("B"))
	require.False(t, c.CheckAndBoost("C"))
	require.True(t, c.CheckAndBoost("A"))
	require.True(t, c.CheckAndBoost("D"))
}

func TestMemoryPressureShrinksToFloor(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 100
	cfg.DecayAmount = 1
	cfg.MemoryCheckEnabled = true
	cfg.TargetMemoryPercent = 80
	cfg.MinCacheSize = 10
	c := New(cfg)
	c.memPercent = func() float64 { return 95 }

	for i := 0; i < 50; i++ {
		c.AddIfAbsent(fmt.Sprintf("0x%02d", i))
	}
	c.DecayAndEvict()

	// 20% shrink: 50 -> 40, still above the floor.
	require.Equal(t, 40, c.Len())

	c.memPercent = func() float64 { return 50 }
	c.DecayAndEvict()
	require.Equal(t, 40, c.Len(), "no shrink when memory is below target")
}

func TestSizeGaugeTracksEntries(t *testing.T) {
	c := New(testConfig())
	c.AddAll([]string{"A", "B", "C"})

	g, ok := metrics.DefaultRegistry.Get("chaindata/cache/size").(metrics.Gauge)
	require.True(t, ok, "size gauge not registered")
	require.EqualValues(t, 3, g.Snapshot().Value())

	c.DecayAndEvict() // scores 10 -> 5, nothing removed yet
	require.EqualValues(t, 3, g.Snapshot().Value())
	c.DecayAndEvict() // scores hit 0, everything removed
	require.EqualValues(t, c.Len(), g.Snapshot().Value())
	require.Zero(t, g.Snapshot().Value())
}

func TestConcurrentBoostDuringDecay(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 10000
	cfg.DecayAmount = 1
	c := New(cfg)
	for i := 0; i < 1000; i++ {
		c.AddIfAbsent(fmt.Sprintf("0x%04d", i))
	}

	var (
		wg   sync.WaitGroup
		stop atomic.Bool
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; !stop.Load(); i++ {
				c.CheckAndBoost(fmt.Sprintf("0x%04d", (seed*31+i)%1000))
			}
		}(w)
	}
	for i := 0; i < 20; i++ {
		c.DecayAndEvict()
	}
	stop.Store(true)
	wg.Wait()

	keys := c.lruKeys()
	require.Equal(t, c.Len(), len(keys))
	count := 0
	c.entries.Range(func(key, value any) bool {
		count++
		require.Positive(t, value.(*atomic.Int64).Load(), "score of %v must stay positive", key)
		return true
	})
	require.Equal(t, count, c.Len())
}
