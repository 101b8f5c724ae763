package mongo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/carlostoek/yabot/store"
)

func (d *DB) GetUserDocument(ctx context.Context, userID string) (*store.UserDocument, error) {
	var doc store.UserDocument
	err := d.users.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to find user document")
	}
	return &doc, nil
}

func (d *DB) InsertUserDocument(ctx context.Context, create *store.UserDocument) error {
	_, err := d.users.InsertOne(ctx, create)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return errors.Wrap(err, "failed to insert user document")
	}
	return nil
}

func (d *DB) UpdateUserDocument(ctx context.Context, update *store.UpdateUserDocument) error {
	set := bson.M{}
	if update.CurrentState != nil {
		set["current_state"] = *update.CurrentState
	}
	if update.Narrative != nil {
		set["current_state.narrative_progress"] = *update.Narrative
	}
	if update.Preferences != nil {
		set["preferences"] = *update.Preferences
	}
	if update.BesitosBalance != nil {
		set["besitos_balance"] = *update.BesitosBalance
	}
	if update.NarrativeLevel != nil {
		set["narrative_level"] = *update.NarrativeLevel
	}
	if update.UpdatedAt != nil {
		set["updated_at"] = *update.UpdatedAt
	} else {
		set["updated_at"] = time.Now()
	}

	doc := bson.M{"$set": set}
	if update.PushView != nil {
		doc["$push"] = bson.M{"view_history": *update.PushView}
	}

	result, err := d.users.UpdateOne(ctx, bson.M{"user_id": update.UserID}, doc)
	if err != nil {
		return errors.Wrap(err, "failed to update user document")
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) DeleteUserDocument(ctx context.Context, userID string) error {
	result, err := d.users.DeleteOne(ctx, bson.M{"user_id": userID})
	if err != nil {
		return errors.Wrap(err, "failed to delete user document")
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
