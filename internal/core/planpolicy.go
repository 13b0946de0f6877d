// Package core implements the broker's domain logic: plan policy,
// reservation engine, key registry, and maintenance scheduler (spec.md
// §4 C2/C3/C4/C6).
package core

import "github.com/xiaopang/keybroker/internal/model"

// defaultProIntervalMs and defaultUltimateIntervalMs are the fallback
// advisory spacing for a plan the operator
// hasn't overridden, per spec.md §4.1's plan table.
const (
	defaultProIntervalMs      int64 = 860
	defaultUltimateIntervalMs int64 = 170
)

// Limits is the fixed, plan-derived quota a newly registered key takes on.
type Limits struct {
	WindowLimit   int
	DailyLimit    int
	AvgIntervalMs int64
}

// PlanPolicy resolves a plan name to its limits, honoring operator overrides
// of the advisory spacing. windowLimit/dailyLimit stay fixed by plan; only
// avgIntervalMs is tunable via MAILTESTER_PRO_INTERVAL_MS /
// MAILTESTER_ULTIMATE_INTERVAL_MS.
type PlanPolicy struct {
	ProIntervalMs      int64
	UltimateIntervalMs int64
}

// NewPlanPolicy builds a PlanPolicy, substituting defaults for zero overrides.
func NewPlanPolicy(proIntervalMs, ultimateIntervalMs int64) *PlanPolicy {
	p := &PlanPolicy{ProIntervalMs: proIntervalMs, UltimateIntervalMs: ultimateIntervalMs}
	if p.ProIntervalMs <= 0 {
		p.ProIntervalMs = defaultProIntervalMs
	}
	if p.UltimateIntervalMs <= 0 {
		p.UltimateIntervalMs = defaultUltimateIntervalMs
	}
	return p
}

// Limits returns the fixed quota for plan.
func (p *PlanPolicy) Limits(plan model.Plan) Limits {
	switch model.NormalizePlan(string(plan)) {
	case model.PlanPro:
		return Limits{WindowLimit: 35, DailyLimit: 100_000, AvgIntervalMs: p.ProIntervalMs}
	default:
		return Limits{WindowLimit: 170, DailyLimit: 500_000, AvgIntervalMs: p.UltimateIntervalMs}
	}
}

// DefaultWaitHintMs is the spacing advice returned to a caller when no key
// is available at all (spec.md §5's "no candidates" case) — the shortest
// interval among plans the policy knows about, so a retrying caller never
// waits longer than the fastest plan's own cadence.
func (p *PlanPolicy) DefaultWaitHintMs() int64 {
	if p.UltimateIntervalMs < p.ProIntervalMs {
		return p.UltimateIntervalMs
	}
	return p.ProIntervalMs
}
