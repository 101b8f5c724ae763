package mongo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/carlostoek/yabot/store"
)

func (d *DB) InsertMessage(ctx context.Context, create *store.Message) error {
	_, err := d.messages.InsertOne(ctx, create)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return errors.Wrap(err, "failed to insert message")
	}
	return nil
}

func (d *DB) UpdateMessage(ctx context.Context, update *store.UpdateMessage) error {
	set := bson.M{"updated_at": time.Now()}
	if update.Status != nil {
		set["status"] = *update.Status
	}
	if update.ScheduledTime != nil {
		set["scheduled_time"] = *update.ScheduledTime
	}
	if update.SentTime != nil {
		set["sent_time"] = *update.SentTime
	}
	if update.RetryCount != nil {
		set["retry_count"] = *update.RetryCount
	}
	if update.ErrorMessage != nil {
		set["error_message"] = *update.ErrorMessage
	}

	result, err := d.messages.UpdateOne(ctx, bson.M{"message_id": update.MessageID}, bson.M{"$set": set})
	if err != nil {
		return errors.Wrap(err, "failed to update message")
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	filter := bson.M{}
	if find.MessageID != nil {
		filter["message_id"] = *find.MessageID
	}
	if find.UserID != nil {
		filter["user_id"] = *find.UserID
	}
	if find.Status != nil {
		filter["status"] = *find.Status
	}
	if find.DueBefore != nil {
		filter["scheduled_time"] = bson.M{"$lte": *find.DueBefore}
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "scheduled_time", Value: 1},
		{Key: "created_at", Value: 1},
	})
	if find.Limit != nil {
		opts.SetLimit(int64(*find.Limit))
	}

	cursor, err := d.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer cursor.Close(ctx)

	var msgs []*store.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, errors.Wrap(err, "failed to decode messages")
	}
	return msgs, nil
}
