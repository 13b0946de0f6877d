package reconcile

import (
	"context"
	"testing"

	"github.com/xiaopang/keybroker/internal/core"
	"github.com/xiaopang/keybroker/internal/model"
	"github.com/xiaopang/keybroker/internal/store"
)

func TestConfigSyncerPrefersJSONOverOtherSources(t *testing.T) {
	s := store.NewMem()
	reg := core.NewRegistry(s, core.NewPlanPolicy(0, 0))
	c := NewConfigSyncer(reg)
	c.KeysJSON = `[{"id":"sub1","plan":"pro"}]`
	c.Keys = "sub2"

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if _, err := s.FindOne(context.Background(), store.Filter{"subscriptionId": "sub1"}); err != nil {
		t.Fatalf("expected sub1 registered: %v", err)
	}
	if _, err := s.FindOne(context.Background(), store.Filter{"subscriptionId": "sub2"}); err != store.ErrNotMatched {
		t.Fatalf("sub2 should not be registered when KeysJSON is set, got %v", err)
	}
}

func TestConfigSyncerIDPlanPairs(t *testing.T) {
	s := store.NewMem()
	reg := core.NewRegistry(s, core.NewPlanPolicy(0, 0))
	c := NewConfigSyncer(reg)
	c.KeysWithPlan = "sub1:pro, sub2:ultimate"

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	k1, err := s.FindOne(context.Background(), store.Filter{"subscriptionId": "sub1"})
	if err != nil || k1.Plan != model.PlanPro {
		t.Fatalf("sub1 = %+v, err=%v", k1, err)
	}
	k2, err := s.FindOne(context.Background(), store.Filter{"subscriptionId": "sub2"})
	if err != nil || k2.Plan != model.PlanUltimate {
		t.Fatalf("sub2 = %+v, err=%v", k2, err)
	}
}

func TestConfigSyncerPlainIDsUseDefaultPlan(t *testing.T) {
	s := store.NewMem()
	reg := core.NewRegistry(s, core.NewPlanPolicy(0, 0))
	c := NewConfigSyncer(reg)
	c.Keys = "sub1, sub2"
	c.DefaultPlan = "pro"

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	k1, err := s.FindOne(context.Background(), store.Filter{"subscriptionId": "sub1"})
	if err != nil || k1.Plan != model.PlanPro {
		t.Fatalf("sub1 = %+v, err=%v", k1, err)
	}
}

func TestConfigSyncerNoSourceIsNoOp(t *testing.T) {
	s := store.NewMem()
	reg := core.NewRegistry(s, core.NewPlanPolicy(0, 0))
	c := NewConfigSyncer(reg)

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	keys, err := s.FindAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys registered, got %d", len(keys))
	}
}
