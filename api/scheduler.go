/*
scheduler.go - Periodic integrity sweep

PURPOSE:
  Periodically runs the integrity checker over every SKU and keeps the
  outcome of the last sweep for the UI. Violations are logged at error
  level and counted by the engine's metrics; nothing is repaired.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Can be stopped and started again; each Start gets a fresh stop channel
  - Keeps the last sweep in memory (GET /api/integrity)

CONFIGURATION:
  - CheckInterval: How often to sweep (INTEGRITY_INTERVAL_MS, default 1 hour)
  - Enabled: Whether the scheduler is active (zero interval disables it)

USAGE:
  scheduler := NewIntegrityScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: CheckIntegrity endpoint (one SKU, on demand)
  - fifo/integrity.go: The checks themselves
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/fifo-ledger/inventory"
)

// IntegritySweep summarizes one run over all SKUs.
type IntegritySweep struct {
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	SKUsChecked int                  `json:"skus_checked"`
	Violations  int                  `json:"violations"`
	Failing     []IntegrityReportDTO `json:"failing"`
	Error       string               `json:"error,omitempty"`
}

// IntegrityScheduler handles automated integrity sweeps.
type IntegrityScheduler struct {
	Service       *inventory.Service
	CheckInterval time.Duration
	Enabled       bool
	logger        *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *IntegritySweep
}

// NewIntegrityScheduler creates a new scheduler.
func NewIntegrityScheduler(svc *inventory.Service, logger *zap.Logger) *IntegrityScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntegrityScheduler{
		Service:       svc,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        logger,
	}
}

// Start begins the scheduler.
func (s *IntegrityScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.logger.Info("integrity scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.logger.Info("integrity scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *IntegrityScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.logger.Info("integrity scheduler stopped")
	}
}

func (s *IntegrityScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	s.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-stop:
			return
		}
	}
}

// Sweep runs one integrity pass over all SKUs and records it as the last
// sweep.
func (s *IntegrityScheduler) Sweep(ctx context.Context) IntegritySweep {
	sweep := IntegritySweep{StartedAt: time.Now().UTC(), Failing: []IntegrityReportDTO{}}

	reports, err := s.Service.SweepIntegrity(ctx)
	for _, rep := range reports {
		sweep.SKUsChecked++
		if !rep.OK() {
			sweep.Violations += len(rep.Violations)
			sweep.Failing = append(sweep.Failing, toIntegrityReportDTO(rep))
		}
	}
	if err != nil {
		sweep.Error = err.Error()
		s.logger.Error("integrity sweep aborted", zap.Int("skus_checked", sweep.SKUsChecked), zap.Error(err))
	}
	sweep.FinishedAt = time.Now().UTC()

	if sweep.Violations > 0 {
		s.logger.Error("integrity sweep found violations",
			zap.Int("skus_checked", sweep.SKUsChecked),
			zap.Int("violations", sweep.Violations),
		)
	} else {
		s.logger.Debug("integrity sweep clean", zap.Int("skus_checked", sweep.SKUsChecked))
	}

	s.lastMu.Lock()
	s.last = &sweep
	s.lastMu.Unlock()
	return sweep
}

// Last returns the most recent sweep, or nil before the first one.
func (s *IntegrityScheduler) Last() *IntegritySweep {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

// LastSweep serves GET /api/integrity.
func (s *IntegrityScheduler) LastSweep(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Last())
}

// RunSweep serves POST /api/integrity/sweep.
func (s *IntegrityScheduler) RunSweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Sweep(r.Context()))
}
