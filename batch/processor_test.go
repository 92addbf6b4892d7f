package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/kayufok/chain-data/addrcache"
	"github.com/kayufok/chain-data/fetch"
	"github.com/kayufok/chain-data/limiter"
)

// memStore is an in-memory Store with the same idempotency rules as the
// SQL schema: unique wallet addresses, unique (address, chain) pairs.
type memStore struct {
	mu         sync.Mutex
	chain      ChainInfo
	addresses  map[string]int64
	nextID     int64
	relations  map[string]struct{}
	failures   []FailureEntry
	loadCalls  int
	bulkCalls  int
	upsertErr  error
	advanceErr error
}

func newMemStore(externalID string, nextBlock uint64) *memStore {
	return &memStore{
		chain:     ChainInfo{ID: 1, Name: "test", ExternalID: externalID, NextBlock: nextBlock},
		addresses: make(map[string]int64),
		relations: make(map[string]struct{}),
	}
}

func (s *memStore) LoadChain(_ context.Context, externalID string) (*ChainInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadCalls++
	if externalID != s.chain.ExternalID {
		return nil, fmt.Errorf("chain %q not found", externalID)
	}
	chain := s.chain
	return &chain, nil
}

func (s *memStore) BulkUpsert(_ context.Context, addresses []string, chainRowID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkCalls++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for _, address := range addresses {
		id, ok := s.addresses[address]
		if !ok {
			s.nextID++
			id = s.nextID
			s.addresses[address] = id
		}
		s.relations[fmt.Sprintf("%d/%d", id, chainRowID)] = struct{}{}
	}
	return nil
}

func (s *memStore) AdvanceHighWaterMark(_ context.Context, chainRowID int64, nextBlock uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advanceErr != nil {
		return s.advanceErr
	}
	if chainRowID == s.chain.ID {
		s.chain.NextBlock = nextBlock
	}
	return nil
}

func (s *memStore) InsertFailureLog(_ context.Context, entry *FailureEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, *entry)
	return nil
}

func (s *memStore) snapshot() (addresses, relations int, nextBlock uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.addresses), len(s.relations), s.chain.NextBlock
}

// stubFetcher serves canned address sets. Unlisted blocks come back
// empty, like blocks with no transactions.
type stubFetcher struct {
	blocks  map[uint64][]string
	errs    map[uint64]error
	gate    chan struct{} // when set, fetches block until it is closed
	onFetch func(number uint64)
	calls   atomic.Int64
}

func (f *stubFetcher) BlockAddresses(_ context.Context, number uint64) (*fetch.Result, error) {
	f.calls.Add(1)
	if f.onFetch != nil {
		f.onFetch(number)
	}
	if f.gate != nil {
		<-f.gate
	}
	if err, ok := f.errs[number]; ok {
		return nil, err
	}
	addresses := mapset.NewSet[string]()
	for _, address := range f.blocks[number] {
		addresses.Add(address)
	}
	return &fetch.Result{Number: number, TxCount: len(f.blocks[number]), Addresses: addresses}, nil
}

func testProcessor(t *testing.T, store Store, fetcher BlockFetcher, size int) *Processor {
	t.Helper()
	cfg := DefaultConfig
	cfg.Size = size
	cfg.Schedule = time.Hour // tests drive Process directly
	cacheCfg := addrcache.DefaultConfig
	cacheCfg.MemoryCheckEnabled = false
	return NewProcessor(cfg, fetcher, store, addrcache.New(cacheCfg), limiter.New(600_000))
}

func TestHappyBatch(t *testing.T) {
	store := newMemStore("1", 100)
	fetcher := &stubFetcher{blocks: map[uint64][]string{
		100: {"0xA", "0xB", "0xC", "0xA"},
	}}
	p := testProcessor(t, store, fetcher, 10)

	require.NoError(t, p.Process(context.Background()))

	addresses, relations, next := store.snapshot()
	require.Equal(t, 3, addresses)
	require.Equal(t, 3, relations)
	require.EqualValues(t, 110, next)

	s := p.Metrics()
	require.EqualValues(t, 10, s.TotalBlocksProcessed)
	require.EqualValues(t, 3, s.TotalAddressesFound)
	require.Zero(t, s.TotalFailedBlocks)
	require.Equal(t, JobCompleted, s.JobStatus)
	require.False(t, p.IsRunning())
}

func TestMixedFailures(t *testing.T) {
	store := newMemStore("1", 200)
	fetcher := &stubFetcher{
		blocks: map[uint64][]string{
			200: {"0xA"},
			201: {"0xB"},
			203: {"0xC"},
		},
		errs: map[uint64]error{
			202: &fetch.Error{Kind: fetch.Upstream, Block: 202, Code: -32000, Message: "execution aborted"},
			204: &fetch.Error{Kind: fetch.Timeout, Block: 204, Message: "rpc call timed out"},
		},
	}
	p := testProcessor(t, store, fetcher, 5)

	require.NoError(t, p.Process(context.Background()))

	addresses, _, next := store.snapshot()
	require.Equal(t, 3, addresses)
	require.EqualValues(t, 205, next, "failed blocks do not hold the high-water mark back")

	require.Len(t, store.failures, 2)
	byBlock := make(map[uint64]string)
	for _, f := range store.failures {
		byBlock[f.BlockNumber] = f.StatusCode
		require.Equal(t, "1", f.ChainID)
	}
	require.Equal(t, StatusRPCUpstream, byBlock[202])
	require.Equal(t, StatusRPCTimeout, byBlock[204])

	s := p.Metrics()
	require.EqualValues(t, 5, s.TotalBlocksProcessed, "attempted blocks count as processed")
	require.EqualValues(t, 2, s.TotalFailedBlocks)
}

func TestCacheSuppressesRepeatWrites(t *testing.T) {
	store := newMemStore("1", 0)
	fetcher := &stubFetcher{blocks: map[uint64][]string{}}
	for n := uint64(0); n < 9; n++ {
		fetcher.blocks[n] = []string{"0xA", "0xB"}
	}
	p := testProcessor(t, store, fetcher, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Process(context.Background()))
	}

	addresses, relations, next := store.snapshot()
	require.Equal(t, 2, addresses)
	require.Equal(t, 2, relations)
	require.EqualValues(t, 9, next)
	require.Equal(t, 1, store.bulkCalls, "batches 2 and 3 are fully cache suppressed")

	stats := p.cache.Stats()
	require.EqualValues(t, 2, stats.Hits)
	require.Zero(t, stats.Misses)
	require.EqualValues(t, 2, stats.SkippedDBOps)
}

func TestStorageIntegrityAbortsBatch(t *testing.T) {
	store := newMemStore("1", 50)
	store.upsertErr = errors.New("address bulk upsert failed")
	fetcher := &stubFetcher{blocks: map[uint64][]string{50: {"0xA"}}}
	p := testProcessor(t, store, fetcher, 2)

	err := p.Process(context.Background())
	require.Error(t, err)

	_, _, next := store.snapshot()
	require.EqualValues(t, 50, next, "high-water mark must not advance on storage failure")
	require.False(t, p.IsRunning(), "latch must be released on error")
	require.Equal(t, JobError, p.Metrics().JobStatus)
}

func TestStopBeforeStoragePhase(t *testing.T) {
	store := newMemStore("1", 10)
	fetcher := &stubFetcher{blocks: map[uint64][]string{10: {"0xA"}}}
	var p *Processor
	fetcher.onFetch = func(uint64) { p.RequestStop() }
	p = testProcessor(t, store, fetcher, 3)

	require.NoError(t, p.Process(context.Background()))

	_, _, next := store.snapshot()
	require.EqualValues(t, 10, next)
	require.Zero(t, store.bulkCalls)
	require.Equal(t, JobStopped, p.Metrics().JobStatus)
	require.False(t, p.IsRunning())
}

func TestSingleFlightUnderStorm(t *testing.T) {
	store := newMemStore("1", 0)
	fetcher := &stubFetcher{blocks: map[uint64][]string{}, gate: make(chan struct{})}
	p := testProcessor(t, store, fetcher, 1)

	done := make(chan error, 1)
	go func() { done <- p.Process(context.Background()) }()

	require.Eventually(t, p.IsRunning, time.Second, time.Millisecond)

	var (
		wg       sync.WaitGroup
		stormErr atomic.Int64
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Process(context.Background()) != nil {
				stormErr.Add(1)
			}
		}()
	}
	wg.Wait() // the 100 stormers return promptly while the batch is gated
	require.Zero(t, stormErr.Load())

	store.mu.Lock()
	loads := store.loadCalls
	store.mu.Unlock()
	require.Equal(t, 1, loads, "only the latch winner reaches the store")

	close(fetcher.gate)
	require.NoError(t, <-done)
	require.False(t, p.IsRunning())
}

func TestRateLimitGovernsPreFetch(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on real rate limiter refills")
	}
	store := newMemStore("1", 0)
	fetcher := &stubFetcher{blocks: map[uint64][]string{}}
	for n := uint64(0); n < 5; n++ {
		fetcher.blocks[n] = []string{fmt.Sprintf("0x%d", n)}
	}
	cfg := DefaultConfig
	cfg.Size = 5
	cfg.Schedule = time.Hour
	cacheCfg := addrcache.DefaultConfig
	cacheCfg.MemoryCheckEnabled = false
	p := NewProcessor(cfg, fetcher, store, addrcache.New(cacheCfg), limiter.New(60))

	start := time.Now()
	require.NoError(t, p.Process(context.Background()))
	elapsed := time.Since(start)

	// One token up front, then one per second: the fifth fetch cannot
	// start before roughly three seconds have passed.
	require.GreaterOrEqual(t, elapsed, 2900*time.Millisecond)
	require.EqualValues(t, 5, fetcher.calls.Load())

	s := p.Metrics()
	require.EqualValues(t, 5, s.TotalBlocksProcessed)
	require.Zero(t, s.TotalFailedBlocks)
	addresses, _, next := store.snapshot()
	require.Equal(t, 5, addresses)
	require.EqualValues(t, 5, next)
}

func TestPhaseOrdering(t *testing.T) {
	store := newMemStore("1", 0)
	fetcher := &stubFetcher{blocks: map[uint64][]string{0: {"0xA"}}}
	p := testProcessor(t, store, fetcher, 2)

	require.NoError(t, p.Process(context.Background()))

	m := p.metrics
	m.mu.Lock()
	defer m.mu.Unlock()
	require.False(t, m.preFetchEnd.After(m.storageStart), "pre-fetch must finish before storage starts")
	require.False(t, m.storageEnd.After(m.cacheStart), "storage must finish before the cache update starts")
	require.False(t, m.cacheEnd.After(m.batchEnd), "cache update must finish before the batch completes")
}

func TestUnknownChainFailsBatch(t *testing.T) {
	store := newMemStore("5", 0)
	p := testProcessor(t, store, &stubFetcher{}, 1)

	err := p.Process(context.Background())
	require.Error(t, err)
	require.False(t, p.IsRunning())
}
