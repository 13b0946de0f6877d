package core

import (
	"context"
	"testing"

	"github.com/xiaopang/keybroker/internal/model"
	"github.com/xiaopang/keybroker/internal/store"
)

func TestSchedulerSweepWindowsResetsExpired(t *testing.T) {
	withFixedClock(t, 100_000)
	s := store.NewMem()
	ctx := context.Background()
	_ = s.InsertOne(ctx, &model.Key{
		SubscriptionID: "k1", Status: model.StatusActive, Plan: model.PlanPro,
		WindowLimit: 35, DailyLimit: 100_000, AvgIntervalMs: 860,
		UsedInWindow: 10, WindowStart: 0, DayStart: 100_000,
	})

	sched := NewScheduler(s)
	sched.sweepWindows(ctx)

	got, err := s.FindOne(ctx, store.Filter{"subscriptionId": "k1"})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if got.UsedInWindow != 0 || got.WindowStart != 100_000 {
		t.Fatalf("window not reset: %+v", got)
	}
}

func TestSchedulerSweepDaysReactivatesExhausted(t *testing.T) {
	withFixedClock(t, model.DayPeriodMs+1_000)
	s := store.NewMem()
	ctx := context.Background()
	_ = s.InsertOne(ctx, &model.Key{
		SubscriptionID: "k1", Status: model.StatusExhausted, Plan: model.PlanPro,
		WindowLimit: 35, DailyLimit: 100_000, AvgIntervalMs: 860,
		UsedDaily: 100_000, DayStart: 0, WindowStart: 0,
	})

	sched := NewScheduler(s)
	sched.sweepDays(ctx)

	got, err := s.FindOne(ctx, store.Filter{"subscriptionId": "k1"})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if got.Status != model.StatusActive {
		t.Fatalf("status = %v, want active", got.Status)
	}
	if got.UsedDaily != 0 {
		t.Fatalf("usedDaily = %d, want 0", got.UsedDaily)
	}
}

func TestSchedulerSweepDaysNeverReactivatesBanned(t *testing.T) {
	withFixedClock(t, model.DayPeriodMs+1_000)
	s := store.NewMem()
	ctx := context.Background()
	_ = s.InsertOne(ctx, &model.Key{
		SubscriptionID: "k1", Status: model.StatusBanned, Plan: model.PlanPro,
		WindowLimit: 35, DailyLimit: 100_000, AvgIntervalMs: 860,
		UsedDaily: 50, DayStart: 0, WindowStart: 0,
	})

	sched := NewScheduler(s)
	sched.sweepDays(ctx)

	got, err := s.FindOne(ctx, store.Filter{"subscriptionId": "k1"})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if got.Status != model.StatusBanned {
		t.Fatalf("status = %v, want still banned", got.Status)
	}
}
