// Package batch orchestrates the ingestion pipeline: a scheduler
// triggers the processor, which walks the chain from the persisted
// high-water mark in fixed-size batches. Each batch pre-fetches blocks
// concurrently, filters the collected addresses through the cache and
// hands the remainder to the bulk writer before advancing the mark.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/kayufok/chain-data/addrcache"
	"github.com/kayufok/chain-data/fetch"
	"github.com/kayufok/chain-data/limiter"
)

// Status catalogue codes referenced by failure-log rows.
const (
	StatusSuccess        = "SUCCESS"
	StatusBlockNotFound  = "BLOCK_NOT_FOUND"
	StatusRPCTimeout     = "RPC_TIMEOUT"
	StatusRPCUpstream    = "RPC_UPSTREAM_ERROR"
	StatusRPCTransport   = "RPC_TRANSPORT_ERROR"
	StatusPrefetchFailed = "PREFETCH_BATCH_PROCESSING_ERROR"
)

// ChainInfo is the persisted cursor of one target chain.
type ChainInfo struct {
	ID         int64
	Name       string
	ExternalID string
	NextBlock  uint64
}

// FailureEntry is an audit record for a block whose fetch failed.
type FailureEntry struct {
	ChainID     string
	BlockNumber uint64
	StatusCode  string
	Message     string
}

// Store is the narrow persistence surface the processor depends on. The
// bulk writer owns all writes to address, address_chain and the chain
// high-water mark; the processor owns failure-log writes.
type Store interface {
	LoadChain(ctx context.Context, externalID string) (*ChainInfo, error)
	BulkUpsert(ctx context.Context, addresses []string, chainRowID int64) error
	AdvanceHighWaterMark(ctx context.Context, chainRowID int64, nextBlock uint64) error
	InsertFailureLog(ctx context.Context, entry *FailureEntry) error
}

// BlockFetcher yields the address set of one block. *fetch.Client is the
// production implementation.
type BlockFetcher interface {
	BlockAddresses(ctx context.Context, number uint64) (*fetch.Result, error)
}

// Config tunes the processor and its scheduler.
type Config struct {
	Size                   int           // blocks per batch
	MaxConcurrentRPCCalls  int           // pre-fetch worker pool size
	RateLimitPerMinute     int           // provider quota, consumed by the limiter
	Schedule               time.Duration // scheduler tick interval
	ChainID                string        // external chain id to ingest
	ChainName              string        // display name used when seeding the chain row
	StartBlock             uint64        // initial high-water mark when seeding
	PrefetchEnabled        bool
	MaxConsecutiveFailures int // failed batches before the breaker opens
}

// DefaultConfig mirrors the production deployment.
var DefaultConfig = Config{
	Size:                   150,
	MaxConcurrentRPCCalls:  10,
	RateLimitPerMinute:     1500,
	Schedule:               10 * time.Second,
	ChainID:                "1",
	ChainName:              "Ethereum Mainnet",
	PrefetchEnabled:        true,
	MaxConsecutiveFailures: 10,
}

// Sanitize clamps out-of-range values, warning about each adjustment.
func (c Config) Sanitize() Config {
	if c.Size < 1 || c.Size > 1000 {
		log.Warn("Sanitizing invalid batch size", "provided", c.Size, "updated", DefaultConfig.Size)
		c.Size = DefaultConfig.Size
	}
	if c.MaxConcurrentRPCCalls < 1 || c.MaxConcurrentRPCCalls > 50 {
		log.Warn("Sanitizing invalid rpc concurrency", "provided", c.MaxConcurrentRPCCalls, "updated", DefaultConfig.MaxConcurrentRPCCalls)
		c.MaxConcurrentRPCCalls = DefaultConfig.MaxConcurrentRPCCalls
	}
	if c.RateLimitPerMinute < 1 {
		log.Warn("Sanitizing invalid rate limit", "provided", c.RateLimitPerMinute, "updated", DefaultConfig.RateLimitPerMinute)
		c.RateLimitPerMinute = DefaultConfig.RateLimitPerMinute
	}
	if c.Schedule <= 0 {
		log.Warn("Sanitizing invalid schedule interval", "provided", c.Schedule, "updated", DefaultConfig.Schedule)
		c.Schedule = DefaultConfig.Schedule
	}
	if c.ChainID == "" {
		log.Warn("Sanitizing empty chain id", "updated", DefaultConfig.ChainID)
		c.ChainID = DefaultConfig.ChainID
	}
	if c.MaxConsecutiveFailures < 1 {
		log.Warn("Sanitizing invalid failure threshold", "provided", c.MaxConsecutiveFailures, "updated", DefaultConfig.MaxConsecutiveFailures)
		c.MaxConsecutiveFailures = DefaultConfig.MaxConsecutiveFailures
	}
	return c
}

// Processor runs at most one batch at a time, guarded by a single-flight
// latch. Overlapping triggers return immediately.
type Processor struct {
	cfg     Config
	fetcher BlockFetcher
	store   Store
	cache   *addrcache.Cache
	limiter *limiter.Limiter
	metrics *Metrics

	running atomic.Bool // the single-flight latch
	stop    atomic.Bool

	log log.Logger
}

// NewProcessor wires the batch pipeline together.
func NewProcessor(cfg Config, fetcher BlockFetcher, store Store, cache *addrcache.Cache, lim *limiter.Limiter) *Processor {
	return &Processor{
		cfg:     cfg.Sanitize(),
		fetcher: fetcher,
		store:   store,
		cache:   cache,
		limiter: lim,
		metrics: NewMetrics(),
		log:     log.New("module", "batch"),
	}
}

// Process performs at most one batch and returns once it has completed,
// stopped or errored. Safe to invoke concurrently: callers that lose the
// latch race return immediately with no error.
func (p *Processor) Process(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Warn("Batch already in flight, dropping trigger")
		return nil
	}
	// The latch must be released on every exit path, including panics
	// escaping the batch body.
	defer p.running.Store(false)

	p.stop.Store(false)
	if err := p.runBatch(ctx); err != nil {
		p.metrics.ErrorJob(err)
		return err
	}
	return nil
}

// RequestStop sets the cooperative stop flag. The in-flight phase
// finishes on its own; the batch winds down at the next safe point.
func (p *Processor) RequestStop() {
	p.log.Info("Stop requested for batch processing")
	p.stop.Store(true)
}

// IsRunning reports whether a batch is in flight.
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

// Metrics returns the current snapshot combined with the cache view.
func (p *Processor) Metrics() Snapshot {
	s := p.metrics.Snapshot()
	stats := p.cache.Stats()
	s.Cache = &stats
	return s
}

func (p *Processor) runBatch(ctx context.Context) error {
	chain, err := p.store.LoadChain(ctx, p.cfg.ChainID)
	if err != nil {
		return fmt.Errorf("load chain %q: %w", p.cfg.ChainID, err)
	}

	startBlock := chain.NextBlock
	size := p.cfg.Size
	p.log.Info("Starting pre-fetch batch", "chain", chain.ExternalID, "startBlock", startBlock, "size", size)

	p.metrics.BeginBatch(startBlock, size)
	p.cache.ResetBatchCounters()

	p.metrics.BeginPreFetch()
	blockAddresses := p.preFetch(ctx, chain, startBlock, size)
	p.metrics.EndPreFetch()

	if p.stop.Load() {
		p.metrics.StopJob()
		return nil
	}

	p.metrics.BeginStorage()
	union := mapset.NewSet[string]()
	for _, addresses := range blockAddresses {
		union = union.Union(addresses)
	}
	missing := make([]string, 0, union.Cardinality())
	for _, address := range union.ToSlice() {
		if !p.cache.CheckAndBoost(address) {
			missing = append(missing, address)
		}
	}
	p.log.Info("Storage phase starting", "addresses", union.Cardinality(), "cacheHits", union.Cardinality()-len(missing), "toWrite", len(missing))
	if len(missing) > 0 {
		if err := p.store.BulkUpsert(ctx, missing, chain.ID); err != nil {
			return fmt.Errorf("bulk upsert: %w", err)
		}
	}
	p.metrics.EndStorage()

	p.metrics.BeginCacheUpdate()
	p.cache.AddAll(missing)
	// Every planned block counts as processed, including the failed and
	// the empty ones: the batch advances through the whole range.
	for i := 0; i < size; i++ {
		number := startBlock + uint64(i)
		count := 0
		if addresses, ok := blockAddresses[number]; ok {
			count = addresses.Cardinality()
		}
		p.metrics.RecordBlockProcessed(number, count)
	}
	p.metrics.EndCacheUpdate()

	if err := p.store.AdvanceHighWaterMark(ctx, chain.ID, startBlock+uint64(size)); err != nil {
		return fmt.Errorf("advance high-water mark: %w", err)
	}

	stats := p.cache.Stats()
	p.log.Info("Cache performance", "hits", stats.Hits, "misses", stats.Misses,
		"skippedDbOps", stats.SkippedDBOps, "size", stats.Size, "utilization", stats.UtilizationPercent)

	p.metrics.CompleteBatch()
	p.metrics.CompleteJob()
	return nil
}

// preFetch fans the planned range out to the worker pool. Each worker
// takes a rate-limit token before calling upstream. Failures are
// recorded and the batch carries on; the returned map only holds blocks
// that produced at least one address.
func (p *Processor) preFetch(ctx context.Context, chain *ChainInfo, startBlock uint64, size int) map[uint64]mapset.Set[string] {
	var (
		mu        sync.Mutex
		collected = make(map[uint64]mapset.Set[string])
		failed    atomic.Int64
	)

	var g errgroup.Group
	g.SetLimit(p.cfg.MaxConcurrentRPCCalls)
	for i := 0; i < size; i++ {
		if p.stop.Load() {
			break
		}
		number := startBlock + uint64(i)
		g.Go(func() error {
			if err := p.limiter.Acquire(ctx); err != nil {
				failed.Add(1)
				p.recordFailure(ctx, chain, number, err)
				return nil
			}
			result, err := p.fetcher.BlockAddresses(ctx, number)
			if err != nil {
				failed.Add(1)
				p.recordFailure(ctx, chain, number, err)
				return nil
			}
			if result.Addresses.Cardinality() > 0 {
				mu.Lock()
				collected[number] = result.Addresses
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	total := 0
	for _, addresses := range collected {
		total += addresses.Cardinality()
	}
	p.log.Info("Pre-fetch phase complete", "startBlock", startBlock, "size", size,
		"withAddresses", len(collected), "failed", failed.Load(), "addresses", total)
	return collected
}

// recordFailure writes the audit row and counts the failure. A broken
// failure log never takes the batch down.
func (p *Processor) recordFailure(ctx context.Context, chain *ChainInfo, number uint64, cause error) {
	entry := &FailureEntry{
		ChainID:     chain.ExternalID,
		BlockNumber: number,
		StatusCode:  statusCodeFor(cause),
		Message:     cause.Error(),
	}
	if err := p.store.InsertFailureLog(ctx, entry); err != nil {
		p.log.Error("Failed to record failure log", "number", number, "err", err)
	}
	p.metrics.RecordBlockFailed(number, cause.Error())
}

// statusCodeFor maps a fetch failure onto the status catalogue.
func statusCodeFor(err error) string {
	kind, ok := fetch.KindOf(err)
	if !ok {
		return StatusPrefetchFailed
	}
	switch kind {
	case fetch.NotFound:
		return StatusBlockNotFound
	case fetch.Timeout:
		return StatusRPCTimeout
	case fetch.Upstream:
		return StatusRPCUpstream
	case fetch.Transport:
		return StatusRPCTransport
	default:
		return StatusPrefetchFailed
	}
}
