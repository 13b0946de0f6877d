package core

import (
	"context"
	"sync"
	"time"

	"github.com/xiaopang/keybroker/internal/logger"
	"github.com/xiaopang/keybroker/internal/model"
	"github.com/xiaopang/keybroker/internal/store"
)

const (
	windowSweepInterval = 30 * time.Second
	daySweepInterval    = 60 * time.Second
)

// Scheduler runs the two periodic maintenance passes of spec.md §4.3. Both
// are optimizations over what the Engine already computes on the fly; their
// job is to keep the /status projection fresh and to reactivate exhausted
// keys promptly after a day rollover.
type Scheduler struct {
	store store.KeyStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler over store. Call Start to begin ticking.
func NewScheduler(s store.KeyStore) *Scheduler {
	return &Scheduler{store: s}
}

// Start launches the window and day sweeps as background goroutines. It
// returns immediately; call Stop to halt them.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.runLoop("window-sweep", windowSweepInterval, s.sweepWindows)
	go s.runLoop("day-sweep", daySweepInterval, s.sweepDays)
}

// Stop cancels both sweeps and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runLoop(name string, interval time.Duration, pass func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pass(s.ctx)
		}
	}
}

// sweepWindows resets usedInWindow/windowStart for every key whose 30 s
// window has elapsed.
func (s *Scheduler) sweepWindows(ctx context.Context) {
	keys, err := s.store.FindAll(ctx, nil)
	if err != nil {
		logger.Warn("window sweep: list keys failed", "error", err)
		return
	}
	now := nowMs()
	for _, k := range keys {
		if !k.WindowExpired(now) {
			continue
		}
		_, err := s.store.UpdateOne(ctx, store.Filter{
			"subscriptionId": k.SubscriptionID,
			"windowStart":    k.WindowStart,
		}, store.Update{Set: map[string]any{
			"usedInWindow": int64(0),
			"windowStart":  now,
		}})
		if err != nil {
			logger.Warn("window sweep: update failed", "subscriptionId", k.SubscriptionID, "error", err)
		}
	}
}

// sweepDays resets usedDaily/dayStart for every key whose 24 h day has
// elapsed, and reactivates exhausted keys. banned keys are never touched.
func (s *Scheduler) sweepDays(ctx context.Context) {
	keys, err := s.store.FindAll(ctx, nil)
	if err != nil {
		logger.Warn("day sweep: list keys failed", "error", err)
		return
	}
	now := nowMs()
	for _, k := range keys {
		if !k.DayExpired(now) {
			continue
		}
		if k.Status == model.StatusBanned {
			continue
		}

		set := map[string]any{
			"usedDaily": int64(0),
			"dayStart":  now,
		}
		if k.Status == model.StatusExhausted {
			set["status"] = string(model.StatusActive)
		}

		_, err := s.store.UpdateOne(ctx, store.Filter{
			"subscriptionId": k.SubscriptionID,
			"dayStart":       k.DayStart,
		}, store.Update{Set: set})
		if err != nil {
			logger.Warn("day sweep: update failed", "subscriptionId", k.SubscriptionID, "error", err)
		}
	}
}
