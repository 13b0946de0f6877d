package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xiaopang/keybroker/internal/model"
)

// MongoStore is the production KeyStore, backed by a single collection of
// Key documents — one document per key, as spec.md §6's persisted layout
// describes.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// New connects to uri/dbName and ensures the unique index on subscriptionId,
// mirroring the teacher's New(dbPath)+migrate() shape in internal/store/sqlite.go.
func New(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(dbName).Collection("keys")
	s := &MongoStore{client: client, coll: coll}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "subscriptionId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toBsonFilter(f Filter) bson.M {
	if f == nil {
		return bson.M{}
	}
	return bson.M(f)
}

func toUpdateDoc(u Update) bson.M {
	doc := bson.M{}
	if len(u.Set) > 0 {
		doc["$set"] = bson.M(u.Set)
	}
	if len(u.Unset) > 0 {
		unset := bson.M{}
		for _, field := range u.Unset {
			unset[field] = ""
		}
		doc["$unset"] = unset
	}
	return doc
}

// FindAll returns every document matching filter.
func (s *MongoStore) FindAll(ctx context.Context, filter Filter) ([]*model.Key, error) {
	cur, err := s.coll.Find(ctx, toBsonFilter(filter))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var keys []*model.Key
	for cur.Next(ctx) {
		var k model.Key
		if err := cur.Decode(&k); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	return keys, cur.Err()
}

// FindOne returns the single document matching filter, or ErrNotMatched.
func (s *MongoStore) FindOne(ctx context.Context, filter Filter) (*model.Key, error) {
	var k model.Key
	err := s.coll.FindOne(ctx, toBsonFilter(filter)).Decode(&k)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotMatched
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// InsertOne inserts a fresh key document.
func (s *MongoStore) InsertOne(ctx context.Context, doc *model.Key) error {
	_, err := s.coll.InsertOne(ctx, doc)
	return err
}

// UpdateOne applies update to the document matched by filter and returns
// the matched count — the compare-and-set primitive the Engine relies on.
func (s *MongoStore) UpdateOne(ctx context.Context, filter Filter, update Update) (int64, error) {
	res, err := s.coll.UpdateOne(ctx, toBsonFilter(filter), toUpdateDoc(update))
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

// FindOneAndUpdate atomically updates and returns the post-image.
func (s *MongoStore) FindOneAndUpdate(ctx context.Context, filter Filter, update Update) (*model.Key, error) {
	after := options.After
	var k model.Key
	err := s.coll.FindOneAndUpdate(ctx, toBsonFilter(filter), toUpdateDoc(update),
		&options.FindOneAndUpdateOptions{ReturnDocument: &after}).Decode(&k)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotMatched
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// DeleteOne removes the document matched by filter. Matching zero documents
// is not an error — spec.md §4.5 makes delete of an absent key a no-op.
func (s *MongoStore) DeleteOne(ctx context.Context, filter Filter) error {
	_, err := s.coll.DeleteOne(ctx, toBsonFilter(filter))
	return err
}
