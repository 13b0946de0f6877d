package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/xiaopang/keybroker/internal/core"
	"github.com/xiaopang/keybroker/internal/logger"
	"github.com/xiaopang/keybroker/internal/model"
)

// UpstreamValidator checks whether the upstream provider still considers
// subscriptionId valid. A nightly HealthProber deletes keys it rejects.
// This is the external collaborator spec.md §1 carves out of the core;
// callers supply a concrete implementation that talks to their provider.
type UpstreamValidator interface {
	IsValid(ctx context.Context, subscriptionID string) (bool, error)
}

// AlwaysValid is a conservative default UpstreamValidator that never flags
// a key as dead — useful when no upstream health endpoint is configured,
// so a missing validator fails safe rather than culling keys blindly.
type AlwaysValid struct{}

// IsValid always reports true.
func (AlwaysValid) IsValid(ctx context.Context, subscriptionID string) (bool, error) {
	return true, nil
}

// HealthProber runs once nightly at UTC midnight, calling validator for
// every registered key that is not banned and deleting the ones it rejects
// (spec.md §4.3's
// "nightly health pass" and §7's Reconcilers).
type HealthProber struct {
	registry  *core.Registry
	validator UpstreamValidator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// nowFn and afterFn are indirected for tests; production code leaves
	// them nil and gets time.Now/time.After.
	nowFn   func() time.Time
	afterFn func(time.Duration) <-chan time.Time
}

// NewHealthProber builds a HealthProber. A nil validator falls back to
// AlwaysValid.
func NewHealthProber(registry *core.Registry, validator UpstreamValidator) *HealthProber {
	if validator == nil {
		validator = AlwaysValid{}
	}
	return &HealthProber{registry: registry, validator: validator}
}

// Start launches the nightly probe loop as a background goroutine.
func (h *HealthProber) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	if h.nowFn == nil {
		h.nowFn = time.Now
	}
	if h.afterFn == nil {
		h.afterFn = time.After
	}

	h.wg.Add(1)
	go h.loop()
}

// Stop cancels the probe loop and waits for it to exit.
func (h *HealthProber) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HealthProber) loop() {
	defer h.wg.Done()
	for {
		wait := nextUTCMidnight(h.nowFn())
		select {
		case <-h.ctx.Done():
			return
		case <-h.afterFn(wait):
			h.runOnce(h.ctx)
		}
	}
}

// nextUTCMidnight returns the duration from now until the following UTC
// midnight.
func nextUTCMidnight(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now)
}

// runOnce validates every registered key except banned ones and deletes
// the ones the validator rejects. Errors from individual checks are logged and
// suppressed — spec.md §7's BackgroundJobFailure policy.
func (h *HealthProber) runOnce(ctx context.Context) {
	keys, err := h.registry.ListStatus(ctx)
	if err != nil {
		logger.Warn("health probe: list keys failed", "error", err)
		return
	}

	culled := 0
	for _, k := range keys {
		if k.Status == model.StatusBanned {
			continue
		}
		ok, err := h.validator.IsValid(ctx, k.SubscriptionID)
		if err != nil {
			logger.Warn("health probe: validator error", "subscriptionId", k.SubscriptionID, "error", err)
			continue
		}
		if ok {
			continue
		}
		if err := h.registry.Delete(ctx, k.SubscriptionID); err != nil {
			logger.Warn("health probe: delete failed", "subscriptionId", k.SubscriptionID, "error", err)
			continue
		}
		culled++
	}
	logger.Info("health probe: completed", "checked", len(keys), "deleted", culled)
}
