// Package mongo implements the document-store driver on MongoDB.
package mongo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/carlostoek/yabot/internal/profile"
	"github.com/carlostoek/yabot/store"
)

// DB holds the MongoDB client and the collection handles used by the
// document side of the store pair.
type DB struct {
	profile *profile.Profile
	client  *mongo.Client

	users     *mongo.Collection
	fragments *mongo.Collection
	hints     *mongo.Collection
	messages  *mongo.Collection
}

var _ store.DocumentDriver = (*DB)(nil)

// NewDB creates the driver without touching the network; Connect dials.
func NewDB(profile *profile.Profile) *DB {
	return &DB{profile: profile}
}

func (d *DB) Connect(ctx context.Context) error {
	opts := options.Client().
		ApplyURI(d.profile.MongoURI).
		SetMinPoolSize(uint64(d.profile.MongoMinPoolSize)).
		SetMaxPoolSize(uint64(d.profile.MongoMaxPoolSize)).
		SetConnectTimeout(time.Duration(d.profile.MongoConnectTimeoutSeconds) * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "failed to connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return errors.Wrap(err, "failed to ping mongodb")
	}

	d.client = client
	db := client.Database(d.profile.MongoDatabase)
	d.users = db.Collection("users")
	d.fragments = db.Collection("narrative_fragments")
	d.hints = db.Collection("narrative_hints")
	d.messages = db.Collection("messages")

	return d.ensureIndexes(ctx)
}

func (d *DB) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{d.users, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "updated_at", Value: 1}}},
		}},
		{d.fragments, []mongo.IndexModel{
			{Keys: bson.D{{Key: "fragment_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{d.hints, []mongo.IndexModel{
			{Keys: bson.D{{Key: "hint_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "condition.content_id", Value: 1}}},
		}},
		{d.messages, []mongo.IndexModel{
			{Keys: bson.D{{Key: "message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduled_time", Value: 1}}},
		}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateMany(ctx, idx.models); err != nil {
			return errors.Wrapf(err, "failed to create indexes on %s", idx.coll.Name())
		}
	}
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	if d.client == nil {
		return store.ErrUnavailable
	}
	return d.client.Ping(ctx, nil)
}

func (d *DB) Close() error {
	if d.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
