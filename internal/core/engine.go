package core

import (
	"context"
	"sort"
	"time"

	"github.com/xiaopang/keybroker/internal/model"
	"github.com/xiaopang/keybroker/internal/store"
)

// reserveAttempts is the number of snapshot-plus-CAS rounds the Engine runs
// before giving up and reporting that no key is available (spec.md §4.2
// step 8).
const reserveAttempts = 3

// reserveBackoff separates CAS rounds when every candidate lost its race.
const reserveBackoff = 20 * time.Millisecond

// Engine implements C3: given the current snapshot of keys, pick one
// eligible candidate and atomically commit its reservation.
type Engine struct {
	store store.KeyStore
}

// NewEngine builds an Engine over store.
func NewEngine(s store.KeyStore) *Engine {
	return &Engine{store: s}
}

// candidate pairs a snapshot observation with its effective (post-expiry)
// counts, so ranking and the CAS filter both work off the same numbers.
type candidate struct {
	key             *model.Key
	effectiveWindow int64
	effectiveDaily  int64
	windowExpired   bool
	dayExpired      bool
}

// Reserve runs the snapshot-plus-CAS algorithm of spec.md §4.2, retrying up
// to reserveAttempts times. It returns (reservation, true, nil) on success,
// (zero, false, nil) when no key is currently reservable, and a non-nil
// error only for a store failure.
func (e *Engine) Reserve(ctx context.Context) (model.Reservation, bool, error) {
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		res, ok, err := e.attempt(ctx)
		if err != nil {
			return model.Reservation{}, false, err
		}
		if ok {
			return res, true, nil
		}
		if attempt < reserveAttempts-1 {
			time.Sleep(reserveBackoff)
		}
	}
	return model.Reservation{}, false, nil
}

func (e *Engine) attempt(ctx context.Context) (model.Reservation, bool, error) {
	keys, err := e.store.FindAll(ctx, nil)
	if err != nil {
		return model.Reservation{}, false, err
	}
	now := nowMs()

	candidates := e.buildCandidates(ctx, keys, now)
	rankCandidates(candidates)

	for _, c := range candidates {
		res, won, err := e.tryCommit(ctx, c, now)
		if err != nil {
			return model.Reservation{}, false, err
		}
		if won {
			return res, true, nil
		}
	}
	return model.Reservation{}, false, nil
}

// buildCandidates filters the snapshot down to keys eligible per spec.md
// §4.2 steps 3-5: active, under both effective quotas, and past their
// spacing guard. Keys whose stored usedDaily has crossed dailyLimit within
// an unexpired day are flipped to exhausted as a best-effort side write.
func (e *Engine) buildCandidates(ctx context.Context, keys []*model.Key, now int64) []candidate {
	out := make([]candidate, 0, len(keys))
	for _, k := range keys {
		if k.Status == model.StatusBanned {
			continue
		}

		windowExpired := k.WindowExpired(now)
		dayExpired := k.DayExpired(now)
		effWindow := k.EffectiveUsedInWindow(now)
		effDaily := k.EffectiveUsedDaily(now)

		if !dayExpired && k.UsedDaily >= int64(k.DailyLimit) && k.Status != model.StatusExhausted {
			e.markExhausted(ctx, k)
			k.Status = model.StatusExhausted
		}

		if k.Status != model.StatusActive {
			continue
		}
		if effDaily >= int64(k.DailyLimit) {
			continue
		}
		if effWindow >= int64(k.WindowLimit) {
			continue
		}
		if now < k.LastUsed+k.AvgIntervalMs {
			continue
		}

		out = append(out, candidate{
			key:             k,
			effectiveWindow: effWindow,
			effectiveDaily:  effDaily,
			windowExpired:   windowExpired,
			dayExpired:      dayExpired,
		})
	}
	return out
}

func (e *Engine) markExhausted(ctx context.Context, k *model.Key) {
	_, _ = e.store.UpdateOne(ctx, store.Filter{
		"subscriptionId": k.SubscriptionID,
		"usedDaily":      k.UsedDaily,
		"dayStart":       k.DayStart,
	}, store.Update{Set: map[string]any{"status": string(model.StatusExhausted)}})
}

// rankCandidates orders candidates least-used-in-window-first, breaking
// ties by ascending lastUsed then subscriptionId — the same sort.Slice
// least-loaded-first idiom the teacher's candidate-ranking code used,
// generalized to this engine's three-key tie-break.
func rankCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.effectiveWindow != b.effectiveWindow {
			return a.effectiveWindow < b.effectiveWindow
		}
		if a.key.LastUsed != b.key.LastUsed {
			return a.key.LastUsed < b.key.LastUsed
		}
		return a.key.SubscriptionID < b.key.SubscriptionID
	})
}

// tryCommit attempts the compare-and-set described in spec.md §4.2 step 7.
// A zero matched count means another caller won the race on this candidate;
// the caller should move on to the next-ranked candidate.
func (e *Engine) tryCommit(ctx context.Context, c candidate, now int64) (model.Reservation, bool, error) {
	k := c.key

	newWindow := c.effectiveWindow + 1
	newWindowStart := k.WindowStart
	if c.windowExpired {
		newWindowStart = now
	}

	newDaily := c.effectiveDaily + 1
	newDayStart := k.DayStart
	if c.dayExpired {
		newDayStart = now
	}

	newStatus := model.StatusActive
	if newDaily >= int64(k.DailyLimit) {
		newStatus = model.StatusExhausted
	}

	filter := store.Filter{
		"subscriptionId": k.SubscriptionID,
		"status":         string(model.StatusActive),
		"usedInWindow":   k.UsedInWindow,
		"windowStart":    k.WindowStart,
		"usedDaily":      k.UsedDaily,
		"dayStart":       k.DayStart,
	}
	update := store.Update{Set: map[string]any{
		"usedInWindow": newWindow,
		"windowStart":  newWindowStart,
		"usedDaily":    newDaily,
		"dayStart":     newDayStart,
		"lastUsed":     now,
		"status":       string(newStatus),
	}}

	matched, err := e.store.UpdateOne(ctx, filter, update)
	if err != nil {
		return model.Reservation{}, false, err
	}
	if matched == 0 {
		return model.Reservation{}, false, nil
	}

	nextAllowed := now + k.AvgIntervalMs
	return model.Reservation{
		SubscriptionID:       k.SubscriptionID,
		Plan:                 k.Plan,
		AvgIntervalMs:        k.AvgIntervalMs,
		LastUsed:             now,
		NextRequestAllowedAt: nextAllowed,
	}, true, nil
}
