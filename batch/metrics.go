package batch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/kayufok/chain-data/addrcache"
)

// JobStatus is the lifecycle state of the ingestion job.
type JobStatus string

const (
	JobIdle      JobStatus = "IDLE"
	JobStarting  JobStatus = "STARTING"
	JobRunning   JobStatus = "RUNNING"
	JobStopped   JobStatus = "STOPPED"
	JobError     JobStatus = "ERROR"
	JobCompleted JobStatus = "COMPLETED"
)

// Phase labels the stage the in-flight batch is in.
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseStarting    Phase = "Starting"
	PhasePreFetch    Phase = "Pre-fetch"
	PhaseStorage     Phase = "Storage"
	PhaseCacheUpdate Phase = "Cache Update"
	PhaseCompleted   Phase = "Completed"
)

// Metrics tracks cumulative job counters, the current batch state and
// per-phase timings. Counters are atomics because pre-fetch workers
// record from multiple goroutines; phase timestamps are only written by
// the batch processor and sit behind the mutex.
type Metrics struct {
	blocksProcessed     atomic.Int64
	addressesFound      atomic.Int64
	failedBlocks        atomic.Int64
	consecutiveFailures atomic.Int64
	batchesCompleted    atomic.Int64
	batchDuration       atomic.Int64 // summed wall clock, milliseconds

	currentBlock atomic.Uint64

	mu             sync.Mutex
	jobStatus      JobStatus
	jobStart       time.Time
	jobEnd         time.Time
	batchNumber    int64
	batchSize      int
	phase          Phase
	batchStart     time.Time
	batchEnd       time.Time
	preFetchStart  time.Time
	preFetchEnd    time.Time
	storageStart   time.Time
	storageEnd     time.Time
	cacheStart     time.Time
	cacheEnd       time.Time
	lastPreFetch   time.Duration
	lastStorage    time.Duration
	lastCacheSweep time.Duration

	blocksGauge    metrics.Gauge
	failedGauge    metrics.Gauge
	addressesGauge metrics.Gauge
	batchesGauge   metrics.Gauge

	prefetchTimer metrics.Timer
	storageTimer  metrics.Timer
	cacheTimer    metrics.Timer
}

// NewMetrics builds the tracker and registers its gauges and timers in
// the default registry for the Prometheus endpoint.
func NewMetrics() *Metrics {
	m := &Metrics{
		jobStatus:      JobIdle,
		phase:          PhaseIdle,
		blocksGauge:    metrics.NewRegisteredGauge("chaindata/blocks/processed", nil),
		failedGauge:    metrics.NewRegisteredGauge("chaindata/blocks/failed", nil),
		addressesGauge: metrics.NewRegisteredGauge("chaindata/addresses/found", nil),
		batchesGauge:   metrics.NewRegisteredGauge("chaindata/batches/completed", nil),
		prefetchTimer:  metrics.NewRegisteredTimer("chaindata/batch/prefetch", nil),
		storageTimer:   metrics.NewRegisteredTimer("chaindata/batch/storage", nil),
		cacheTimer:     metrics.NewRegisteredTimer("chaindata/batch/cacheupdate", nil),
	}
	return m
}

// BeginBatch marks the job running and opens batch bookkeeping for the
// planned range.
func (m *Metrics) BeginBatch(startBlock uint64, size int) {
	m.currentBlock.Store(startBlock)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobStatus = JobStarting
	if m.jobStart.IsZero() {
		m.jobStart = time.Now()
	}
	m.jobEnd = time.Time{}
	m.batchNumber++
	m.batchSize = size
	m.phase = PhaseStarting
	m.batchStart = time.Now()
	m.batchEnd = time.Time{}
	m.preFetchStart, m.preFetchEnd = time.Time{}, time.Time{}
	m.storageStart, m.storageEnd = time.Time{}, time.Time{}
	m.cacheStart, m.cacheEnd = time.Time{}, time.Time{}
	m.jobStatus = JobRunning
}

func (m *Metrics) BeginPreFetch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhasePreFetch
	m.preFetchStart = time.Now()
}

func (m *Metrics) EndPreFetch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preFetchEnd = time.Now()
	m.lastPreFetch = m.preFetchEnd.Sub(m.preFetchStart)
	m.prefetchTimer.Update(m.lastPreFetch)
}

func (m *Metrics) BeginStorage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseStorage
	m.storageStart = time.Now()
}

func (m *Metrics) EndStorage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageEnd = time.Now()
	m.lastStorage = m.storageEnd.Sub(m.storageStart)
	m.storageTimer.Update(m.lastStorage)
}

func (m *Metrics) BeginCacheUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseCacheUpdate
	m.cacheStart = time.Now()
}

func (m *Metrics) EndCacheUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheEnd = time.Now()
	m.lastCacheSweep = m.cacheEnd.Sub(m.cacheStart)
	m.cacheTimer.Update(m.lastCacheSweep)
}

// CompleteBatch closes the current batch and folds its duration into the
// running average.
func (m *Metrics) CompleteBatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseCompleted
	m.batchEnd = time.Now()
	if !m.batchStart.IsZero() {
		m.batchDuration.Add(m.batchEnd.Sub(m.batchStart).Milliseconds())
	}
	m.batchesGauge.Update(m.batchesCompleted.Add(1))
	log.Info("Batch completed", "batch", m.batchNumber, "blocks", m.batchSize,
		"elapsed", m.batchEnd.Sub(m.batchStart),
		"prefetch", m.lastPreFetch, "storage", m.lastStorage, "cacheUpdate", m.lastCacheSweep)
}

func (m *Metrics) CompleteJob() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobStatus = JobCompleted
	m.jobEnd = time.Now()
}

func (m *Metrics) StopJob() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobStatus = JobStopped
	m.jobEnd = time.Now()
	log.Info("Batch job stopped", "nextBlock", m.currentBlock.Load())
}

func (m *Metrics) ErrorJob(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobStatus = JobError
	m.jobEnd = time.Now()
	log.Error("Batch job failed", "err", err)
}

// RecordBlockProcessed counts one attempted block from the planned
// range. Failed blocks are counted here too once the batch advances past
// them; addresses is zero in that case.
func (m *Metrics) RecordBlockProcessed(block uint64, addresses int) {
	m.currentBlock.Store(block + 1)
	m.blocksGauge.Update(m.blocksProcessed.Add(1))
	m.addressesGauge.Update(m.addressesFound.Add(int64(addresses)))
	m.consecutiveFailures.Store(0)
}

// RecordBlockFailed counts one failed fetch.
func (m *Metrics) RecordBlockFailed(block uint64, reason string) {
	m.failedGauge.Update(m.failedBlocks.Add(1))
	streak := m.consecutiveFailures.Add(1)
	log.Warn("Block fetch failed", "number", block, "reason", reason, "consecutiveFailures", streak)
}

// ConsecutiveFailures returns the current failure streak.
func (m *Metrics) ConsecutiveFailures() int64 {
	return m.consecutiveFailures.Load()
}

// Snapshot is the serialisable metrics view returned by the status
// endpoint.
type Snapshot struct {
	JobStatus        JobStatus  `json:"jobStatus"`
	JobStartTime     *time.Time `json:"jobStartTime,omitempty"`
	JobEndTime       *time.Time `json:"jobEndTime,omitempty"`
	TotalJobDuration string     `json:"totalJobDuration,omitempty"`

	CurrentBatchNumber    int64      `json:"currentBatchNumber"`
	CurrentBlockNumber    uint64     `json:"currentBlockNumber"`
	CurrentBatchSize      int        `json:"currentBatchSize"`
	CurrentBatchPhase     Phase      `json:"currentBatchPhase"`
	CurrentBatchStartTime *time.Time `json:"currentBatchStartTime,omitempty"`
	CurrentBatchDuration  string     `json:"currentBatchDuration,omitempty"`

	LastPreFetchDuration    string `json:"lastPreFetchDuration,omitempty"`
	LastStorageDuration     string `json:"lastDbActivityDuration,omitempty"`
	LastCacheUpdateDuration string `json:"lastCacheUpdateDuration,omitempty"`

	TotalBlocksProcessed  int64 `json:"totalBlocksProcessed"`
	TotalAddressesFound   int64 `json:"totalAddressesFound"`
	TotalBatchesCompleted int64 `json:"totalBatchesCompleted"`
	TotalFailedBlocks     int64 `json:"totalFailedBlocks"`
	ConsecutiveFailures   int64 `json:"consecutiveFailures"`

	AverageBatchDuration   string `json:"averageBatchDuration,omitempty"`
	BlocksPerSecond        string `json:"blocksPerSecond,omitempty"`
	AddressesPerSecond     string `json:"addressesPerSecond,omitempty"`
	EstimatedTimeRemaining string `json:"estimatedTimeRemaining,omitempty"`

	Cache *addrcache.Stats `json:"cache,omitempty"`
}

// Snapshot assembles the current view. Derived rates use wall clock
// elapsed since the job started.
func (m *Metrics) Snapshot() Snapshot {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		JobStatus:             m.jobStatus,
		CurrentBatchNumber:    m.batchNumber,
		CurrentBlockNumber:    m.currentBlock.Load(),
		CurrentBatchSize:      m.batchSize,
		CurrentBatchPhase:     m.phase,
		TotalBlocksProcessed:  m.blocksProcessed.Load(),
		TotalAddressesFound:   m.addressesFound.Load(),
		TotalBatchesCompleted: m.batchesCompleted.Load(),
		TotalFailedBlocks:     m.failedBlocks.Load(),
		ConsecutiveFailures:   m.consecutiveFailures.Load(),
	}
	if !m.jobStart.IsZero() {
		start := m.jobStart
		s.JobStartTime = &start
		end := now
		if !m.jobEnd.IsZero() {
			jobEnd := m.jobEnd
			s.JobEndTime = &jobEnd
			end = m.jobEnd
		}
		s.TotalJobDuration = formatDuration(end.Sub(m.jobStart))
	}
	if !m.batchStart.IsZero() {
		start := m.batchStart
		s.CurrentBatchStartTime = &start
		end := now
		if !m.batchEnd.IsZero() {
			end = m.batchEnd
		}
		s.CurrentBatchDuration = formatDuration(end.Sub(m.batchStart))
	}
	if m.lastPreFetch > 0 {
		s.LastPreFetchDuration = formatDuration(m.lastPreFetch)
	}
	if m.lastStorage > 0 {
		s.LastStorageDuration = formatDuration(m.lastStorage)
	}
	if m.lastCacheSweep > 0 {
		s.LastCacheUpdateDuration = formatDuration(m.lastCacheSweep)
	}

	completed := m.batchesCompleted.Load()
	if completed > 0 && m.batchDuration.Load() > 0 {
		avg := time.Duration(m.batchDuration.Load()/completed) * time.Millisecond
		s.AverageBatchDuration = formatDuration(avg)
		if m.phaseActive() && !m.batchStart.IsZero() {
			remaining := avg - now.Sub(m.batchStart)
			if remaining < 0 {
				remaining = 0
			}
			s.EstimatedTimeRemaining = formatDuration(remaining)
		}
	}
	if !m.jobStart.IsZero() && s.TotalBlocksProcessed > 0 {
		elapsed := now.Sub(m.jobStart).Seconds()
		if elapsed > 0 {
			s.BlocksPerSecond = fmt.Sprintf("%.2f blocks/sec", float64(s.TotalBlocksProcessed)/elapsed)
			s.AddressesPerSecond = fmt.Sprintf("%.1f addresses/sec", float64(s.TotalAddressesFound)/elapsed)
		}
	}
	return s
}

// phaseActive reports whether a batch phase is currently in flight.
// Callers hold m.mu.
func (m *Metrics) phaseActive() bool {
	switch m.phase {
	case PhasePreFetch, PhaseStorage, PhaseCacheUpdate:
		return true
	}
	return false
}

// formatDuration renders a duration the way operators read it: seconds
// below a minute, then minute and hour breakdowns.
func formatDuration(d time.Duration) string {
	seconds := int64(d.Seconds())
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm %ds", seconds/3600, (seconds%3600)/60, seconds%60)
	}
}
