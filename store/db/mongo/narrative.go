package mongo

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/carlostoek/yabot/store"
)

func (d *DB) GetNarrativeFragment(ctx context.Context, fragmentID string) (*store.NarrativeFragment, error) {
	var fragment store.NarrativeFragment
	err := d.fragments.FindOne(ctx, bson.M{"fragment_id": fragmentID}).Decode(&fragment)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to find narrative fragment")
	}
	return &fragment, nil
}

func (d *DB) UpsertNarrativeFragment(ctx context.Context, upsert *store.NarrativeFragment) error {
	filter := bson.M{"fragment_id": upsert.FragmentID}
	opts := options.Replace().SetUpsert(true)
	if _, err := d.fragments.ReplaceOne(ctx, filter, upsert, opts); err != nil {
		return errors.Wrap(err, "failed to upsert narrative fragment")
	}
	return nil
}

func (d *DB) ListNarrativeHints(ctx context.Context, find *store.FindNarrativeHint) ([]*store.NarrativeHint, error) {
	filter := bson.M{}
	if find.HintID != nil {
		filter["hint_id"] = *find.HintID
	}
	if find.ContentID != nil {
		filter["condition.content_id"] = *find.ContentID
	}

	opts := options.Find().SetSort(bson.D{{Key: "hint_id", Value: 1}})
	cursor, err := d.hints.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list narrative hints")
	}
	defer cursor.Close(ctx)

	var hints []*store.NarrativeHint
	if err := cursor.All(ctx, &hints); err != nil {
		return nil, errors.Wrap(err, "failed to decode narrative hints")
	}
	return hints, nil
}

func (d *DB) UpsertNarrativeHint(ctx context.Context, upsert *store.NarrativeHint) error {
	filter := bson.M{"hint_id": upsert.HintID}
	opts := options.Replace().SetUpsert(true)
	if _, err := d.hints.ReplaceOne(ctx, filter, upsert, opts); err != nil {
		return errors.Wrap(err, "failed to upsert narrative hint")
	}
	return nil
}
