package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/terracat/terracat/internal/ports/input"
)

// ErrRateLimited is returned when the rectify trigger rate limit is
// exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// triggerCooldown throttles manual rectify triggers to roughly two per
// minute.
const triggerCooldown = 30 * time.Second

// TriggerResult reports the outcome of a manually triggered
// reconciliation.
type TriggerResult struct {
	Assets          input.RectifyStats `json:"assets"`
	Products        input.RectifyStats `json:"products"`
	RectifiedAt     time.Time          `json:"rectified_at"`
	NextScheduledAt time.Time          `json:"next_scheduled_at,omitempty"`
}

// RectifyScheduler runs periodic catalog reconciliation and accepts
// rate-limited manual triggers.
type RectifyScheduler struct {
	rectifier *RectifyService
	interval  time.Duration
	logger    *slog.Logger

	// Lifecycle management
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Rate limiting for API triggers
	lastTrigger  time.Time
	triggerMutex sync.Mutex

	// Prevents concurrent reconciliation passes
	passMutex sync.Mutex

	// Track next scheduled pass for reporting
	nextPass time.Time
	nextMu   sync.RWMutex

	// Dirty drivers queued by the archive watcher
	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewRectifyScheduler creates a rectify scheduler.
func NewRectifyScheduler(rectifier *RectifyService, interval time.Duration, logger *slog.Logger) *RectifyScheduler {
	return &RectifyScheduler{
		rectifier: rectifier,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
		dirty:     make(map[string]bool),
		// Initialize to past time to allow an immediate first trigger
		lastTrigger: time.Now().Add(-triggerCooldown - time.Second),
	}
}

// Start begins the periodic reconciliation loop.
func (s *RectifyScheduler) Start(ctx context.Context) {
	s.logger.Info("starting rectify scheduler", "interval", s.interval)

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *RectifyScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.setNextPass(time.Now().Add(s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("rectify scheduler stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("rectify scheduler stopped")
			return
		case <-ticker.C:
			s.logger.Debug("scheduled reconciliation triggered")
			s.doPass(ctx)
			s.setNextPass(time.Now().Add(s.interval))
		}
	}
}

// Stop gracefully stops the scheduler.
func (s *RectifyScheduler) Stop() {
	s.logger.Info("stopping rectify scheduler")
	close(s.stopCh)
	s.wg.Wait()
}

// MarkDirty queues one driver for the next pass. Used by the archive
// watcher on out-of-band tree changes.
func (s *RectifyScheduler) MarkDirty(driver string) {
	s.dirtyMu.Lock()
	s.dirty[driver] = true
	s.dirtyMu.Unlock()
}

// TriggerRectify manually runs both reconciliation passes for one
// driver. Returns ErrRateLimited when called more often than twice a
// minute.
func (s *RectifyScheduler) TriggerRectify(ctx context.Context, driver string) (TriggerResult, error) {
	s.triggerMutex.Lock()
	if time.Since(s.lastTrigger) < triggerCooldown {
		s.triggerMutex.Unlock()
		return TriggerResult{}, ErrRateLimited
	}
	s.lastTrigger = time.Now()
	s.triggerMutex.Unlock()

	s.passMutex.Lock()
	defer s.passMutex.Unlock()

	assets, err := s.rectifier.RectifyAssets(ctx, driver)
	if err != nil {
		return TriggerResult{}, err
	}
	products, err := s.rectifier.RectifyProducts(ctx, driver)
	if err != nil {
		return TriggerResult{}, err
	}

	return TriggerResult{
		Assets:          assets,
		Products:        products,
		RectifiedAt:     time.Now(),
		NextScheduledAt: s.getNextPass(),
	}, nil
}

// doPass reconciles the dirty drivers, or every driver when none are
// queued.
func (s *RectifyScheduler) doPass(ctx context.Context) {
	s.passMutex.Lock()
	defer s.passMutex.Unlock()

	s.dirtyMu.Lock()
	drivers := make([]string, 0, len(s.dirty))
	for name := range s.dirty {
		drivers = append(drivers, name)
	}
	s.dirty = make(map[string]bool)
	s.dirtyMu.Unlock()

	if len(drivers) == 0 {
		if err := s.rectifier.RectifyAll(ctx); err != nil {
			s.logger.Error("reconciliation failed", "error", err)
		}
		return
	}

	for _, name := range drivers {
		if _, err := s.rectifier.RectifyAssets(ctx, name); err != nil {
			s.logger.Error("asset reconciliation failed", "driver", name, "error", err)
			continue
		}
		if _, err := s.rectifier.RectifyProducts(ctx, name); err != nil {
			s.logger.Error("product reconciliation failed", "driver", name, "error", err)
		}
	}
}

func (s *RectifyScheduler) setNextPass(t time.Time) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	s.nextPass = t
}

func (s *RectifyScheduler) getNextPass() time.Time {
	s.nextMu.RLock()
	defer s.nextMu.RUnlock()
	return s.nextPass
}

// Interval returns the scheduling interval.
func (s *RectifyScheduler) Interval() time.Duration {
	return s.interval
}
