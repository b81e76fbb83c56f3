package idemgate

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Sweeper periodically reclaims expired records from a store. Expiry is
// already enforced at read time; the sweeper exists to bound memory.
type Sweeper struct {
	store    Store
	interval time.Duration
	log      hclog.Logger
	metrics  *Metrics
	now      func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

// NewSweeper builds a sweeper over the store. Options mirror NewEngine;
// the interval comes from the config's CleanupIntervalSeconds.
func NewSweeper(store Store, opts ...Option) *Sweeper {
	s := settings{
		cfg: DefaultConfig(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	_ = s.cfg.Validate()
	if s.logger == nil {
		s.logger = hclog.NewNullLogger()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	return &Sweeper{
		store:    store,
		interval: s.cfg.CleanupInterval(),
		log:      s.logger.Named("idemgate.sweeper"),
		metrics:  s.metrics,
		now:      s.now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep loop. Calling Start twice is a
// no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.run()
}

// Stop halts the loop and waits for an in-flight pass to drain.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	removed, err := s.store.CleanupExpired(ctx, s.now())
	if err != nil {
		s.log.Error("cleanup pass failed", "error", err)
		return 0, storeFault("cleanup_expired", err)
	}
	s.metrics.recordCleanup(removed)
	if removed > 0 {
		s.log.Debug("cleanup pass", "records_removed", removed)
	}
	return removed, nil
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			_, _ = s.RunOnce(ctx)
			cancel()
		}
	}
}
