package gamification

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/store"
)

// Unlocker grants hint items when an observed reaction matches a hint
// condition. Inventory failures are logged and skipped; they never roll
// back the reaction that triggered them.
type Unlocker struct {
	store  *store.Store
	client *Client
	bus    eventbus.Publisher
}

func NewUnlocker(st *store.Store, client *Client, bus eventbus.Publisher) *Unlocker {
	return &Unlocker{store: st, client: client, bus: bus}
}

// Register subscribes the unlocker to reaction events.
func (u *Unlocker) Register(bus *eventbus.Bus) {
	bus.Subscribe(string(eventbus.ReactionDetected), u.HandleReaction)
}

// HandleReaction unlocks every hint whose condition matches the
// reaction. Hints the user already holds are skipped.
func (u *Unlocker) HandleReaction(ctx context.Context, ev eventbus.Event) error {
	var p eventbus.ReactionDetectedPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}

	hints, err := u.store.ListNarrativeHints(ctx, &store.FindNarrativeHint{ContentID: &p.ContentID})
	if err != nil {
		return errors.Wrap(err, "list hints")
	}

	var matched []*store.NarrativeHint
	for _, hint := range hints {
		if conditionMatches(hint.Condition, p.ReactionType) {
			matched = append(matched, hint)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	held := u.heldHints(ctx, ev.UserID)
	for _, hint := range matched {
		if _, ok := held[hint.HintID]; ok {
			continue
		}
		if err := u.client.AddItem(ctx, itemFromHint(ev.UserID, hint)); err != nil {
			slog.Warn("hint unlock skipped, inventory unreachable",
				"user_id", ev.UserID,
				"hint_id", hint.HintID,
				"error", err,
			)
			continue
		}
		u.emit(ctx, ev.UserID, hint)
	}
	return nil
}

// heldHints returns the hint ids already in the user's inventory. An
// unreachable inventory yields an empty set; the API is expected to
// treat a repeated add as a no-op.
func (u *Unlocker) heldHints(ctx context.Context, userID string) map[string]struct{} {
	held := make(map[string]struct{})
	items, err := u.client.UserItems(ctx, userID, CategoryCollectible, ItemTypeNarrativeHint)
	if err != nil {
		slog.Warn("listing held hints", "user_id", userID, "error", err)
		return held
	}
	for _, item := range items {
		if item.Effects.HintID != "" {
			held[item.Effects.HintID] = struct{}{}
		}
	}
	return held
}

// conditionMatches applies the hint condition to a reaction. An empty
// reaction_type in the condition matches any reaction on the content.
func conditionMatches(cond store.HintCondition, reactionType string) bool {
	if cond.Trigger != "" && cond.Trigger != "reaction" {
		return false
	}
	return cond.ReactionType == "" || cond.ReactionType == reactionType
}

func itemFromHint(userID string, hint *store.NarrativeHint) *Item {
	return &Item{
		UserID:      userID,
		ItemID:      "hint_" + hint.HintID,
		Name:        hint.Title,
		Description: hint.Description,
		Category:    CategoryCollectible,
		Rarity:      "rare",
		Quantity:    1,
		Effects: ItemEffects{
			Type:       ItemTypeNarrativeHint,
			HintID:     hint.HintID,
			FragmentID: hint.FragmentID,
		},
	}
}

func (u *Unlocker) emit(ctx context.Context, userID string, hint *store.NarrativeHint) {
	e, err := eventbus.New(eventbus.NarrativeHintUnlocked, userID, eventbus.HintUnlockedPayload{
		HintID:     hint.HintID,
		FragmentID: hint.FragmentID,
	})
	if err != nil {
		slog.Error("building event", "event_type", eventbus.NarrativeHintUnlocked, "error", err)
		return
	}
	if err := u.bus.Emit(ctx, e); err != nil {
		slog.Warn("emitting event", "event_type", eventbus.NarrativeHintUnlocked, "error", err)
	}
}
