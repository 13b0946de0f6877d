package core

import (
	"context"
	"testing"

	"github.com/xiaopang/keybroker/internal/model"
	"github.com/xiaopang/keybroker/internal/store"
)

func TestRegistryRegisterInsertsFreshKey(t *testing.T) {
	withFixedClock(t, 10_000)
	s := store.NewMem()
	reg := NewRegistry(s, NewPlanPolicy(0, 0))
	ctx := context.Background()

	if err := reg.Register(ctx, "sub1", "PRO"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	k, err := s.FindOne(ctx, store.Filter{"subscriptionId": "sub1"})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if k.Plan != model.PlanPro || k.Status != model.StatusActive || k.LastUsed != 0 {
		t.Fatalf("unexpected fresh key: %+v", k)
	}
	if k.WindowLimit != 35 || k.DailyLimit != 100_000 {
		t.Fatalf("unexpected limits: %+v", k)
	}
}

func TestRegistryRegisterRejectsEmptyID(t *testing.T) {
	s := store.NewMem()
	reg := NewRegistry(s, NewPlanPolicy(0, 0))
	if err := reg.Register(context.Background(), "  ", "pro"); err != model.ErrInvalidArgument {
		t.Fatalf("Register(empty) = %v, want ErrInvalidArgument", err)
	}
}

func TestRegistryUnrecognizedPlanCollapsesToUltimate(t *testing.T) {
	s := store.NewMem()
	reg := NewRegistry(s, NewPlanPolicy(0, 0))
	ctx := context.Background()
	_ = reg.Register(ctx, "sub1", "bogus-plan")

	k, err := s.FindOne(ctx, store.Filter{"subscriptionId": "sub1"})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if k.Plan != model.PlanUltimate {
		t.Fatalf("plan = %v, want ultimate", k.Plan)
	}
}

func TestRegistryReRegisterPreservesCounters(t *testing.T) {
	withFixedClock(t, 20_000)
	s := store.NewMem()
	policy := NewPlanPolicy(0, 0)
	reg := NewRegistry(s, policy)
	eng := NewEngine(s)
	ctx := context.Background()

	_ = reg.Register(ctx, "sub1", "pro")
	if _, ok, err := eng.Reserve(ctx); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}

	if err := reg.Register(ctx, "sub1", "ultimate"); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	k, err := s.FindOne(ctx, store.Filter{"subscriptionId": "sub1"})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if k.Plan != model.PlanUltimate || k.AvgIntervalMs != 170 || k.WindowLimit != 170 {
		t.Fatalf("limits not updated: %+v", k)
	}
	if k.UsedInWindow != 1 || k.UsedDaily != 1 {
		t.Fatalf("counters not preserved: %+v", k)
	}
}

func TestRegistryDeleteAbsentIsNoOp(t *testing.T) {
	s := store.NewMem()
	reg := NewRegistry(s, NewPlanPolicy(0, 0))
	if err := reg.Delete(context.Background(), "missing"); err != nil {
		t.Fatalf("Delete(missing): %v", err)
	}
}

func TestRegistryListLimitsMatchesStatusProjection(t *testing.T) {
	withFixedClock(t, 30_000)
	s := store.NewMem()
	reg := NewRegistry(s, NewPlanPolicy(0, 0))
	ctx := context.Background()
	_ = reg.Register(ctx, "sub1", "pro")

	statuses, err := reg.ListStatus(ctx)
	if err != nil {
		t.Fatalf("ListStatus: %v", err)
	}
	limits, err := reg.ListLimits(ctx)
	if err != nil {
		t.Fatalf("ListLimits: %v", err)
	}
	if len(statuses) != 1 || len(limits) != 1 {
		t.Fatalf("unexpected lengths: %d %d", len(statuses), len(limits))
	}
	if limits[0].SubscriptionID != statuses[0].SubscriptionID ||
		limits[0].WindowLimit != statuses[0].WindowLimit ||
		limits[0].DailyLimit != statuses[0].DailyLimit {
		t.Fatalf("limits projection mismatch: %+v vs %+v", limits[0], statuses[0])
	}
}
