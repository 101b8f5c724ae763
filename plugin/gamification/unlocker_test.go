package gamification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/internal/profile"
	"github.com/carlostoek/yabot/store"
)

// fakeInventory is an in-memory stand-in for the gamification API.
type fakeInventory struct {
	mu         sync.Mutex
	items      map[string][]Item
	postStatus int
	getStatus  int
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{items: make(map[string][]Item)}
}

func (f *fakeInventory) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/gamification/items":
			if f.postStatus != 0 {
				w.WriteHeader(f.postStatus)
				return
			}
			var item Item
			if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.mu.Lock()
			f.items[item.UserID] = append(f.items[item.UserID], item)
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)

		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/gamification/users/"):
			if f.getStatus != 0 {
				w.WriteHeader(f.getStatus)
				return
			}
			userID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/gamification/users/"), "/items")
			f.mu.Lock()
			items := f.items[userID]
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"items": items})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeInventory) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items[userID])
}

type fixture struct {
	unlocker  *Unlocker
	inventory *fakeInventory
	doc       *store.MockDocumentDriver
	rec       *eventbus.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inventory := newFakeInventory()
	srv := httptest.NewServer(inventory.handler())
	t.Cleanup(srv.Close)

	doc := store.NewMockDocumentDriver()
	rec := eventbus.NewRecorder()
	st := store.New(doc, store.NewMockRelationalDriver(), &profile.Profile{})
	unlocker := NewUnlocker(st, NewClient(srv.URL, 0, nil), rec)

	return &fixture{unlocker: unlocker, inventory: inventory, doc: doc, rec: rec}
}

func (f *fixture) seedHint(t *testing.T, hintID, contentID, reactionType string) {
	t.Helper()
	err := f.doc.UpsertNarrativeHint(context.Background(), &store.NarrativeHint{
		HintID:      hintID,
		FragmentID:  "forest_path",
		Title:       "Pista " + hintID,
		Description: "Una pista escondida.",
		Condition: store.HintCondition{
			Trigger:      "reaction",
			ContentID:    contentID,
			ReactionType: reactionType,
		},
	})
	require.NoError(t, err)
}

func reactionEvent(t *testing.T, userID, contentID, reactionType string) eventbus.Event {
	t.Helper()
	ev, err := eventbus.New(eventbus.ReactionDetected, userID, eventbus.ReactionDetectedPayload{
		ContentID:    contentID,
		ReactionType: reactionType,
	})
	require.NoError(t, err)
	return ev
}

func TestHandleReactionUnlocksMatchingHints(t *testing.T) {
	f := newFixture(t)
	f.seedHint(t, "h1", "post_7", "love")
	f.seedHint(t, "h2", "post_7", "") // any reaction on the content
	f.seedHint(t, "h3", "post_8", "love")

	err := f.unlocker.HandleReaction(context.Background(), reactionEvent(t, "42", "post_7", "love"))
	require.NoError(t, err)

	assert.Equal(t, 2, f.inventory.count("42"))

	unlocked := f.rec.ByType(eventbus.NarrativeHintUnlocked)
	require.Len(t, unlocked, 2)
	var p eventbus.HintUnlockedPayload
	require.NoError(t, unlocked[0].Decode(&p))
	assert.Equal(t, "h1", p.HintID)
	assert.Equal(t, "forest_path", p.FragmentID)
}

func TestHandleReactionSkipsHeldHints(t *testing.T) {
	f := newFixture(t)
	f.seedHint(t, "h1", "post_7", "love")

	ctx := context.Background()
	require.NoError(t, f.unlocker.HandleReaction(ctx, reactionEvent(t, "42", "post_7", "love")))
	require.Equal(t, 1, f.inventory.count("42"))
	f.rec.Reset()

	// The same reaction again finds the hint already held.
	require.NoError(t, f.unlocker.HandleReaction(ctx, reactionEvent(t, "42", "post_7", "love")))
	assert.Equal(t, 1, f.inventory.count("42"))
	assert.Empty(t, f.rec.ByType(eventbus.NarrativeHintUnlocked))
}

func TestHandleReactionWrongTypeNoMatch(t *testing.T) {
	f := newFixture(t)
	f.seedHint(t, "h1", "post_7", "love")

	err := f.unlocker.HandleReaction(context.Background(), reactionEvent(t, "42", "post_7", "like"))
	require.NoError(t, err)
	assert.Zero(t, f.inventory.count("42"))
	assert.Empty(t, f.rec.Events())
}

func TestHandleReactionInventoryDown(t *testing.T) {
	f := newFixture(t)
	f.seedHint(t, "h1", "post_7", "love")
	f.inventory.postStatus = http.StatusServiceUnavailable
	f.inventory.getStatus = http.StatusServiceUnavailable

	// An unreachable inventory must not fail the triggering reaction.
	err := f.unlocker.HandleReaction(context.Background(), reactionEvent(t, "42", "post_7", "love"))
	require.NoError(t, err)
	assert.Empty(t, f.rec.ByType(eventbus.NarrativeHintUnlocked))
}

func TestHandleReactionSeparateUsers(t *testing.T) {
	f := newFixture(t)
	f.seedHint(t, "h1", "post_7", "")

	ctx := context.Background()
	require.NoError(t, f.unlocker.HandleReaction(ctx, reactionEvent(t, "42", "post_7", "like")))
	require.NoError(t, f.unlocker.HandleReaction(ctx, reactionEvent(t, "43", "post_7", "love")))

	assert.Equal(t, 1, f.inventory.count("42"))
	assert.Equal(t, 1, f.inventory.count("43"))
}
