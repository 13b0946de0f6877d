package store

import (
	"context"
	"sync"

	"github.com/xiaopang/keybroker/internal/model"
)

// MemStore is an in-memory KeyStore used by the core, api and reconcile
// tests, grounded on
// the teacher's tempDB(t) pattern of standing up a throwaway store per test
// — here a guarded map instead of a tmpdir SQLite file, since the CAS
// contract reduces to a compare-then-copy under a single mutex.
type MemStore struct {
	mu   sync.Mutex
	docs map[string]*model.Key
}

// NewMem returns an empty MemStore.
func NewMem() *MemStore {
	return &MemStore{docs: make(map[string]*model.Key)}
}

func matches(k *model.Key, filter Filter) bool {
	for field, want := range filter {
		if !fieldEquals(k, field, want) {
			return false
		}
	}
	return true
}

func fieldEquals(k *model.Key, field string, want any) bool {
	switch field {
	case "subscriptionId":
		return k.SubscriptionID == want
	case "status":
		return string(k.Status) == want
	case "plan":
		return string(k.Plan) == want
	case "usedInWindow":
		return k.UsedInWindow == toInt64(want)
	case "windowStart":
		return k.WindowStart == toInt64(want)
	case "usedDaily":
		return k.UsedDaily == toInt64(want)
	case "dayStart":
		return k.DayStart == toInt64(want)
	default:
		return false
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func applyUpdate(k *model.Key, update Update) {
	for field, val := range update.Set {
		switch field {
		case "status":
			k.Status = model.Status(val.(string))
		case "plan":
			k.Plan = model.Plan(val.(string))
		case "windowLimit":
			k.WindowLimit = val.(int)
		case "dailyLimit":
			k.DailyLimit = val.(int)
		case "avgIntervalMs":
			k.AvgIntervalMs = toInt64(val)
		case "usedInWindow":
			k.UsedInWindow = toInt64(val)
		case "windowStart":
			k.WindowStart = toInt64(val)
		case "usedDaily":
			k.UsedDaily = toInt64(val)
		case "dayStart":
			k.DayStart = toInt64(val)
		case "lastUsed":
			k.LastUsed = toInt64(val)
		}
	}
	// Unset is part of the contract but unused by this broker's callers
	// today; nothing in model.Key is ever cleared rather than reset.
	_ = update.Unset
}

func clone(k *model.Key) *model.Key {
	cp := *k
	return &cp
}

// FindAll returns a defensive copy of every document matching filter.
func (s *MemStore) FindAll(ctx context.Context, filter Filter) ([]*model.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Key
	for _, k := range s.docs {
		if matches(k, filter) {
			out = append(out, clone(k))
		}
	}
	return out, nil
}

// FindOne returns a copy of the single document matching filter.
func (s *MemStore) FindOne(ctx context.Context, filter Filter) (*model.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.docs {
		if matches(k, filter) {
			return clone(k), nil
		}
	}
	return nil, ErrNotMatched
}

// InsertOne stores doc, keyed by its SubscriptionID.
func (s *MemStore) InsertOne(ctx context.Context, doc *model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[doc.SubscriptionID] = clone(doc)
	return nil
}

// UpdateOne applies update to the first document matching filter.
func (s *MemStore) UpdateOne(ctx context.Context, filter Filter, update Update) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.docs {
		if matches(k, filter) {
			applyUpdate(k, update)
			return 1, nil
		}
	}
	return 0, nil
}

// FindOneAndUpdate applies update to the first document matching filter and
// returns its post-image, under the same lock so the compare-then-write is
// indivisible from a concurrent caller's point of view — the same guarantee
// MongoDB's findOneAndUpdate gives the production store.
func (s *MemStore) FindOneAndUpdate(ctx context.Context, filter Filter, update Update) (*model.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.docs {
		if matches(k, filter) {
			applyUpdate(k, update)
			return clone(k), nil
		}
	}
	return nil, ErrNotMatched
}

// DeleteOne removes the first document matching filter, if any.
func (s *MemStore) DeleteOne(ctx context.Context, filter Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, k := range s.docs {
		if matches(k, filter) {
			delete(s.docs, id)
			return nil
		}
	}
	return nil
}
