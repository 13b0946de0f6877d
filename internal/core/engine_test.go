package core

import (
	"context"
	"sync"
	"testing"

	"github.com/xiaopang/keybroker/internal/model"
	"github.com/xiaopang/keybroker/internal/store"
)

func withFixedClock(t *testing.T, ms int64) {
	t.Helper()
	orig := nowMs
	nowMs = func() int64 { return ms }
	t.Cleanup(func() { nowMs = orig })
}

func TestEngineReserveSpacingGuard(t *testing.T) {
	withFixedClock(t, 1_000_000)
	s := store.NewMem()
	policy := NewPlanPolicy(0, 0)
	reg := NewRegistry(s, policy)
	eng := NewEngine(s)
	ctx := context.Background()

	if err := reg.Register(ctx, "sub_pro_test", "pro"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, ok, err := eng.Reserve(ctx)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	if res.SubscriptionID != "sub_pro_test" || res.AvgIntervalMs != 860 {
		t.Fatalf("unexpected reservation: %+v", res)
	}

	// Immediately reserving again must fail: spacing guard blocks it.
	_, ok, err = eng.Reserve(ctx)
	if err != nil {
		t.Fatalf("second reserve error: %v", err)
	}
	if ok {
		t.Fatalf("second reserve succeeded, want blocked by spacing guard")
	}

	// After the interval elapses, the key becomes reservable again.
	withFixedClock(t, 1_000_000+870)
	res2, ok, err := eng.Reserve(ctx)
	if err != nil || !ok {
		t.Fatalf("third reserve: ok=%v err=%v", ok, err)
	}
	if res2.SubscriptionID != "sub_pro_test" {
		t.Fatalf("unexpected reservation: %+v", res2)
	}
}

func TestEngineReserveLeastUsedFirst(t *testing.T) {
	withFixedClock(t, 2_000_000)
	s := store.NewMem()
	policy := NewPlanPolicy(0, 0)
	reg := NewRegistry(s, policy)
	eng := NewEngine(s)
	ctx := context.Background()

	_ = reg.Register(ctx, "ultimate_fast", "ultimate")
	_ = reg.Register(ctx, "pro_slow", "pro")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		res, ok, err := eng.Reserve(ctx)
		if err != nil || !ok {
			t.Fatalf("reserve %d: ok=%v err=%v", i, ok, err)
		}
		seen[res.SubscriptionID] = true
		withFixedClock(t, nowMs()+1)
	}
	if !seen["ultimate_fast"] || !seen["pro_slow"] {
		t.Fatalf("expected both keys reserved once, got %v", seen)
	}
}

func TestEngineReserveNoneAvailable(t *testing.T) {
	withFixedClock(t, 3_000_000)
	s := store.NewMem()
	eng := NewEngine(s)
	_, ok, err := eng.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve on empty store: %v", err)
	}
	if ok {
		t.Fatalf("Reserve on empty store returned ok, want none available")
	}
}

func TestEngineReserveExactlyOneWinnerUnderContention(t *testing.T) {
	withFixedClock(t, 4_000_000)
	s := store.NewMem()
	policy := NewPlanPolicy(0, 0)
	reg := NewRegistry(s, policy)
	ctx := context.Background()
	_ = reg.Register(ctx, "sub_contended", "pro")

	const n = 8
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			eng := NewEngine(s)
			_, ok, _ := eng.Reserve(ctx)
			results[idx] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestEngineSkipsBannedAndExhausted(t *testing.T) {
	withFixedClock(t, 5_000_000)
	s := store.NewMem()
	ctx := context.Background()

	banned := &model.Key{
		SubscriptionID: "banned_key", Plan: model.PlanPro, Status: model.StatusBanned,
		WindowLimit: 35, DailyLimit: 100_000, AvgIntervalMs: 860, WindowStart: 5_000_000, DayStart: 5_000_000,
	}
	exhausted := &model.Key{
		SubscriptionID: "exhausted_key", Plan: model.PlanPro, Status: model.StatusExhausted,
		WindowLimit: 35, DailyLimit: 100_000, AvgIntervalMs: 860, WindowStart: 5_000_000, DayStart: 5_000_000,
	}
	_ = s.InsertOne(ctx, banned)
	_ = s.InsertOne(ctx, exhausted)

	eng := NewEngine(s)
	_, ok, err := eng.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if ok {
		t.Fatalf("Reserve selected a banned/exhausted key")
	}
}
