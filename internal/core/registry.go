package core

import (
	"context"
	"strings"

	"github.com/xiaopang/keybroker/internal/model"
	"github.com/xiaopang/keybroker/internal/store"
)

// Registry implements C6: register/delete/list operations against the Key
// Store, driven by the Plan Policy for limit derivation.
type Registry struct {
	store  store.KeyStore
	policy *PlanPolicy
}

// NewRegistry builds a Registry over store using policy for limit lookups.
func NewRegistry(s store.KeyStore, policy *PlanPolicy) *Registry {
	return &Registry{store: s, policy: policy}
}

// Register inserts a fresh key or, if one already exists, updates only its
// plan-derived fields — counters, anchors, and lastUsed are left untouched,
// per spec.md §4.5 (P7).
func (r *Registry) Register(ctx context.Context, subscriptionID, planStr string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return model.ErrInvalidArgument
	}
	plan := model.NormalizePlan(planStr)
	limits := r.policy.Limits(plan)

	existing, err := r.store.FindOne(ctx, store.Filter{"subscriptionId": subscriptionID})
	if err == store.ErrNotMatched {
		now := nowMs()
		return r.store.InsertOne(ctx, &model.Key{
			SubscriptionID: subscriptionID,
			Plan:           plan,
			Status:         model.StatusActive,
			WindowLimit:    limits.WindowLimit,
			DailyLimit:     limits.DailyLimit,
			AvgIntervalMs:  limits.AvgIntervalMs,
			UsedInWindow:   0,
			WindowStart:    now,
			UsedDaily:      0,
			DayStart:       now,
			LastUsed:       0,
		})
	}
	if err != nil {
		return err
	}

	_, err = r.store.UpdateOne(ctx, store.Filter{"subscriptionId": subscriptionID}, store.Update{
		Set: map[string]any{
			"plan":          string(plan),
			"windowLimit":   limits.WindowLimit,
			"dailyLimit":    limits.DailyLimit,
			"avgIntervalMs": limits.AvgIntervalMs,
		},
	})
	_ = existing
	return err
}

// Delete removes a key document. Deleting an absent key is a no-op success.
func (r *Registry) Delete(ctx context.Context, subscriptionID string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return model.ErrInvalidArgument
	}
	return r.store.DeleteOne(ctx, store.Filter{"subscriptionId": subscriptionID})
}

// ListStatus returns every key's full projection, as served by /status.
func (r *Registry) ListStatus(ctx context.Context) ([]model.StatusView, error) {
	keys, err := r.store.FindAll(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.StatusView, 0, len(keys))
	for _, k := range keys {
		out = append(out, *k)
	}
	return out, nil
}

// ListLimits returns the limits-only projection, as served by /limits.
func (r *Registry) ListLimits(ctx context.Context) ([]model.LimitsView, error) {
	keys, err := r.store.FindAll(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.LimitsView, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.ToLimitsView())
	}
	return out, nil
}
