package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sony/gobreaker"
)

// Runner is the slice of the processor the scheduler needs.
type Runner interface {
	Process(ctx context.Context) error
}

// Scheduler fires the processor at a fixed interval. The invocation is
// synchronous on the scheduler goroutine: the processor's single-flight
// latch is the only arbiter, so there is no check-then-start race.
// Sustained batch failures open a circuit breaker that pauses the ticks
// until a cooldown probe succeeds.
type Scheduler struct {
	cfg     Config
	runner  Runner
	breaker *gobreaker.CircuitBreaker
	log     log.Logger

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler builds a stopped scheduler; call Start to begin ticking.
func NewScheduler(cfg Config, runner Runner) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		runner: runner,
		quit:   make(chan struct{}),
		log:    log.New("module", "scheduler"),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "batch",
		// Per-block failures never reach the breaker; only batch-level
		// errors (storage integrity, chain lookup) count.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxConsecutiveFailures)
		},
		Timeout: 5 * cfg.Schedule,
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("Batch circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Start launches the tick loop. The loop stops when Stop is called or
// the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.PrefetchEnabled {
		s.log.Info("Pre-fetch batch processing disabled, scheduler idle")
		return
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("Batch scheduler started", "interval", s.cfg.Schedule)
}

// Stop terminates the tick loop and waits for it to exit. A batch that
// is already in flight finishes on its own.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Schedule)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.runner.Process(ctx)
	})
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState):
		s.log.Debug("Skipping tick, circuit breaker open")
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		s.log.Debug("Skipping tick, circuit breaker half-open probe in flight")
	default:
		s.log.Error("Scheduled batch failed", "err", err)
	}
}
