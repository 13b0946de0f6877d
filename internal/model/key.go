// Package model holds the data types shared across the broker: the Key
// entity, its lifecycle states, and the reservation descriptor handed back
// to callers.
package model

import "strings"

// Plan is the closed set of subscription tiers the Plan Policy understands.
type Plan string

const (
	PlanPro      Plan = "pro"
	PlanUltimate Plan = "ultimate"
)

// NormalizePlan lower-cases and validates a plan string. Any value that
// doesn't match a known plan collapses to PlanUltimate rather than being
// rejected — dynamic-typed plan values in the source become a small closed
// enum, never a mid-operation error.
func NormalizePlan(s string) Plan {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(PlanPro):
		return PlanPro
	default:
		return PlanUltimate
	}
}

// Status is the Key lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusBanned    Status = "banned"
)

// Key is the single entity the broker manages: a subscription identifier
// together with its plan-derived limits and rolling usage counters.
//
// All timestamps are epoch milliseconds, matching the store's wire format;
// this keeps compare-and-set filters exact-equality checks rather than
// needing time.Time comparison semantics.
type Key struct {
	SubscriptionID string `bson:"subscriptionId" json:"subscriptionId"`
	Plan           Plan   `bson:"plan" json:"plan"`
	Status         Status `bson:"status" json:"status"`

	WindowLimit   int   `bson:"windowLimit" json:"windowLimit"`
	DailyLimit    int   `bson:"dailyLimit" json:"dailyLimit"`
	AvgIntervalMs int64 `bson:"avgIntervalMs" json:"avgIntervalMs"`

	UsedInWindow int64 `bson:"usedInWindow" json:"usedInWindow"`
	WindowStart  int64 `bson:"windowStart" json:"windowStart"`
	UsedDaily    int64 `bson:"usedDaily" json:"usedDaily"`
	DayStart     int64 `bson:"dayStart" json:"dayStart"`

	LastUsed int64 `bson:"lastUsed" json:"lastUsed"`
}

const (
	// WindowPeriodMs is the rolling window over which WindowLimit applies.
	WindowPeriodMs int64 = 30_000
	// DayPeriodMs is the rolling window over which DailyLimit applies.
	DayPeriodMs int64 = 24 * 60 * 60 * 1000
)

// EffectiveUsedInWindow returns UsedInWindow as observed at nowMs, treating
// an elapsed window as already reset to zero without mutating the key.
func (k *Key) EffectiveUsedInWindow(nowMs int64) int64 {
	if nowMs-k.WindowStart >= WindowPeriodMs {
		return 0
	}
	return k.UsedInWindow
}

// EffectiveUsedDaily returns UsedDaily as observed at nowMs, treating an
// elapsed day as already reset to zero without mutating the key.
func (k *Key) EffectiveUsedDaily(nowMs int64) int64 {
	if nowMs-k.DayStart >= DayPeriodMs {
		return 0
	}
	return k.UsedDaily
}

// WindowExpired reports whether the rolling window anchor is stale at nowMs.
func (k *Key) WindowExpired(nowMs int64) bool {
	return nowMs-k.WindowStart >= WindowPeriodMs
}

// DayExpired reports whether the rolling day anchor is stale at nowMs.
func (k *Key) DayExpired(nowMs int64) bool {
	return nowMs-k.DayStart >= DayPeriodMs
}

// NextRequestAllowedAt is the earliest time a future reservation of this key
// may succeed, per the spacing guard.
func (k *Key) NextRequestAllowedAt() int64 {
	if k.LastUsed == 0 {
		return 0
	}
	return k.LastUsed + k.AvgIntervalMs
}

// StatusView is the listStatus() projection: every field of Key, i.e. no
// internal-only fields exist to strip beyond the store's own document
// metadata (already absent from Key itself).
type StatusView = Key

// LimitsView is the listLimits() projection of spec.md §4.5.
type LimitsView struct {
	SubscriptionID       string `json:"subscriptionId"`
	Plan                 Plan   `json:"plan"`
	WindowLimit          int    `json:"windowLimit"`
	DailyLimit           int    `json:"dailyLimit"`
	AvgIntervalMs        int64  `json:"avgIntervalMs"`
	LastUsed             int64  `json:"lastUsed"`
	NextRequestAllowedAt int64  `json:"nextRequestAllowedAt"`
}

// ToLimitsView projects a Key onto the limits-only columns.
func (k *Key) ToLimitsView() LimitsView {
	return LimitsView{
		SubscriptionID:       k.SubscriptionID,
		Plan:                 k.Plan,
		WindowLimit:          k.WindowLimit,
		DailyLimit:           k.DailyLimit,
		AvgIntervalMs:        k.AvgIntervalMs,
		LastUsed:             k.LastUsed,
		NextRequestAllowedAt: k.NextRequestAllowedAt(),
	}
}

// Reservation is what the Engine hands back on a successful reserve().
type Reservation struct {
	SubscriptionID       string `json:"subscriptionId"`
	Plan                 Plan   `json:"plan"`
	AvgIntervalMs        int64  `json:"avgRequestIntervalMs"`
	LastUsed             int64  `json:"lastUsed"`
	NextRequestAllowedAt int64  `json:"nextRequestAllowedAt"`
}
