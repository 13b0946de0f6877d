// Package store implements the Key Store contract of spec.md §6: an
// atomic-compare-and-set-capable document store keyed by subscriptionId.
package store

import (
	"context"
	"errors"

	"github.com/xiaopang/keybroker/internal/model"
)

// ErrNotMatched is returned by FindOne/FindOneAndUpdate when no document
// matches the filter — distinct from a transport/store error.
var ErrNotMatched = errors.New("store: no document matched")

// Filter selects documents by exact-equality field matches. A nil/empty
// filter matches every document.
type Filter map[string]any

// Update describes a compare-and-set mutation: fields to set, fields to
// unset. Only Set is used by this broker today, but Unset is part of the
// spec's store contract and kept for completeness.
type Update struct {
	Set   map[string]any
	Unset []string
}

// KeyStore is the abstract contract every component in the core depends on.
// Production code talks to MongoStore; tests talk to MemStore. Both commit
// UpdateOne/FindOneAndUpdate atomically per document — no component may
// assume more than that.
type KeyStore interface {
	FindAll(ctx context.Context, filter Filter) ([]*model.Key, error)
	FindOne(ctx context.Context, filter Filter) (*model.Key, error)
	InsertOne(ctx context.Context, doc *model.Key) error
	// UpdateOne applies update to at most one document matching filter and
	// reports how many documents matched (0 or 1 for a properly-scoped CAS
	// filter keyed on subscriptionId plus pinned counter values).
	UpdateOne(ctx context.Context, filter Filter, update Update) (matchedCount int64, err error)
	// FindOneAndUpdate atomically applies update to the document matching
	// filter and returns its post-image, or ErrNotMatched if nothing matched.
	FindOneAndUpdate(ctx context.Context, filter Filter, update Update) (*model.Key, error)
	DeleteOne(ctx context.Context, filter Filter) error
}
