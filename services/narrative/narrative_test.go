package narrative

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/internal/profile"
	"github.com/carlostoek/yabot/store"
)

type fakeVIP struct {
	allow bool
	err   error
}

func (f *fakeVIP) ValidateVIPAccess(ctx context.Context, userID string) (bool, error) {
	return f.allow, f.err
}

type fixture struct {
	svc *Service
	doc *store.MockDocumentDriver
	rec *eventbus.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	doc := store.NewMockDocumentDriver()
	rec := eventbus.NewRecorder()
	st := store.New(doc, store.NewMockRelationalDriver(), &profile.Profile{})
	return &fixture{svc: New(st, rec), doc: doc, rec: rec}
}

func (f *fixture) seedUser(t *testing.T, userID string, progress store.NarrativeProgress) {
	t.Helper()
	err := f.doc.InsertUserDocument(context.Background(), &store.UserDocument{
		UserID: userID,
		CurrentState: store.UserState{
			MenuContext: "main_menu",
			Narrative:   progress,
		},
		NarrativeLevel: 1,
	})
	require.NoError(t, err)
}

func (f *fixture) seedFragment(t *testing.T, frag store.NarrativeFragment) {
	t.Helper()
	require.NoError(t, f.doc.UpsertNarrativeFragment(context.Background(), &frag))
}

func TestGetFragment(t *testing.T) {
	f := newFixture(t)
	f.seedFragment(t, store.NarrativeFragment{
		FragmentID: "intro",
		Title:      "Intro",
		Content:    "Welcome to the story.",
	})

	frag, err := f.svc.GetFragment(context.Background(), "intro", "42")
	require.NoError(t, err)
	assert.Equal(t, "Welcome to the story.", frag.Content)

	accessed := f.rec.ByType(eventbus.NarrativeFragmentAccessed)
	require.Len(t, accessed, 1)
	var p eventbus.FragmentAccessedPayload
	require.NoError(t, accessed[0].Decode(&p))
	assert.Equal(t, "intro", p.FragmentID)
	assert.False(t, p.VIPRequired)
}

func TestGetFragmentMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetFragment(context.Background(), "ghost", "42")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGetFragmentVIPGate(t *testing.T) {
	f := newFixture(t)
	f.seedFragment(t, store.NarrativeFragment{
		FragmentID:  "secret_01",
		Content:     "The hidden chapter.",
		VIPRequired: true,
	})

	t.Run("denied without checker", func(t *testing.T) {
		_, err := f.svc.GetFragment(context.Background(), "secret_01", "42")
		assert.True(t, errors.Is(err, ErrVIPAccessRequired))
		assert.Empty(t, f.rec.Events(), "a denial must not emit events")
	})

	t.Run("denied without user", func(t *testing.T) {
		f.svc.SetVIPChecker(&fakeVIP{allow: true})
		_, err := f.svc.GetFragment(context.Background(), "secret_01", "")
		assert.True(t, errors.Is(err, ErrVIPAccessRequired))
	})

	t.Run("denied for non-vip user", func(t *testing.T) {
		f.svc.SetVIPChecker(&fakeVIP{allow: false})
		_, err := f.svc.GetFragment(context.Background(), "secret_01", "42")
		assert.True(t, errors.Is(err, ErrVIPAccessRequired))
		assert.Empty(t, f.rec.Events())
	})

	t.Run("granted for vip user", func(t *testing.T) {
		f.svc.SetVIPChecker(&fakeVIP{allow: true})
		frag, err := f.svc.GetFragment(context.Background(), "secret_01", "42")
		require.NoError(t, err)
		assert.Equal(t, "The hidden chapter.", frag.Content)
		assert.Len(t, f.rec.ByType(eventbus.NarrativeFragmentAccessed), 1)
	})
}

func TestGetUserProgressDefaults(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "42", store.NarrativeProgress{})

	progress, err := f.svc.GetUserProgress(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, StartFragmentID, progress.CurrentFragment)
	assert.Empty(t, progress.CompletedFragments)
	assert.Equal(t, 0, progress.CompletionPercentage)
}

func TestGetUserProgressMissingUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetUserProgress(context.Background(), "ghost")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestUpdateProgressRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "42", store.NarrativeProgress{})
	f.seedFragment(t, store.NarrativeFragment{FragmentID: "forest_path", Content: "A dark path."})

	progress, err := f.svc.UpdateProgress(ctx, "42", "forest_path", "go_left")
	require.NoError(t, err)
	assert.Equal(t, "forest_path", progress.CurrentFragment)
	assert.Equal(t, []string{StartFragmentID}, progress.CompletedFragments)
	assert.Equal(t, "go_left", progress.ChoicesMade[StartFragmentID])
	assert.Equal(t, 10, progress.CompletionPercentage)

	// The persisted view matches what the update returned.
	got, err := f.svc.GetUserProgress(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, progress.CurrentFragment, got.CurrentFragment)
	assert.Equal(t, progress.CompletedFragments, got.CompletedFragments)
	assert.Equal(t, progress.ChoicesMade, got.ChoicesMade)

	assert.Len(t, f.rec.ByType(eventbus.NarrativeProgressUpdated), 1)
	assert.Empty(t, f.rec.ByType(eventbus.NarrativeCheckpointReached))
}

func TestUpdateProgressInfersFirstChoiceBySort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "42", store.NarrativeProgress{CurrentFragment: "crossroads"})
	f.seedFragment(t, store.NarrativeFragment{
		FragmentID: "crossroads",
		Choices: []store.Choice{
			{ChoiceID: "take_bridge", NextFragmentID: "river"},
			{ChoiceID: "wade_across", NextFragmentID: "river"},
		},
	})
	f.seedFragment(t, store.NarrativeFragment{FragmentID: "river"})

	progress, err := f.svc.UpdateProgress(ctx, "42", "river", "")
	require.NoError(t, err)
	assert.Equal(t, "take_bridge", progress.ChoicesMade["crossroads"])
}

func TestUpdateProgressDedupKeepsFirstInsertionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "42", store.NarrativeProgress{})
	f.seedFragment(t, store.NarrativeFragment{FragmentID: "f1"})
	f.seedFragment(t, store.NarrativeFragment{FragmentID: "f2"})

	_, err := f.svc.UpdateProgress(ctx, "42", "f1", "")
	require.NoError(t, err)
	_, err = f.svc.UpdateProgress(ctx, "42", "f2", "")
	require.NoError(t, err)
	_, err = f.svc.UpdateProgress(ctx, "42", "f1", "")
	require.NoError(t, err)
	progress, err := f.svc.UpdateProgress(ctx, "42", "f2", "")
	require.NoError(t, err)

	assert.Equal(t, []string{StartFragmentID, "f1", "f2"}, progress.CompletedFragments)
	assert.Equal(t, 30, progress.CompletionPercentage)
}

func TestUpdateProgressCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedFragment(t, store.NarrativeFragment{FragmentID: "intro"})
	f.seedFragment(t, store.NarrativeFragment{FragmentID: "forest_path"})
	f.seedFragment(t, store.NarrativeFragment{
		FragmentID: "gate_01",
		Metadata: store.FragmentMetadata{
			IsCheckpoint: true,
			UnlockConditions: &store.UnlockConditions{
				RequiredFragments: []string{"intro", "forest_path"},
				RequiredChoices:   map[string]string{"intro": "go_left"},
			},
		},
	})

	t.Run("denied when conditions unmet", func(t *testing.T) {
		f.seedUser(t, "42", store.NarrativeProgress{
			CurrentFragment:    "forest_path",
			CompletedFragments: []string{"intro"},
		})

		_, err := f.svc.UpdateProgress(ctx, "42", "gate_01", "")
		assert.True(t, errors.Is(err, ErrProgressionDenied))
		assert.Empty(t, f.rec.Events(), "a denial must not emit events")

		// Progress must be untouched.
		got, err := f.svc.GetUserProgress(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "forest_path", got.CurrentFragment)
	})

	t.Run("admitted when conditions met", func(t *testing.T) {
		f.seedUser(t, "43", store.NarrativeProgress{
			CurrentFragment:    "forest_path",
			CompletedFragments: []string{"intro"},
			ChoicesMade:        map[string]string{"intro": "go_left"},
		})

		// Completing forest_path happens as part of the move.
		_, err := f.svc.UpdateProgress(ctx, "43", "gate_01", "")
		assert.True(t, errors.Is(err, ErrProgressionDenied),
			"forest_path is only completed by leaving it, so the gate is still locked")

		// After an intermediate hop the gate opens.
		_, err = f.svc.UpdateProgress(ctx, "43", "intro", "")
		require.NoError(t, err)
		progress, err := f.svc.UpdateProgress(ctx, "43", "gate_01", "")
		require.NoError(t, err)
		assert.Equal(t, "gate_01", progress.CurrentFragment)

		reached := f.rec.ByType(eventbus.NarrativeCheckpointReached)
		require.Len(t, reached, 1)
		var p eventbus.CheckpointReachedPayload
		require.NoError(t, reached[0].Decode(&p))
		assert.Equal(t, "gate_01", p.FragmentID)
	})
}

func TestUpdateProgressUnknownRequiredFragmentIsUnmet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "42", store.NarrativeProgress{CurrentFragment: "intro"})
	f.seedFragment(t, store.NarrativeFragment{FragmentID: "intro"})
	f.seedFragment(t, store.NarrativeFragment{
		FragmentID: "gate_02",
		Metadata: store.FragmentMetadata{
			IsCheckpoint: true,
			UnlockConditions: &store.UnlockConditions{
				RequiredFragments: []string{"fragment_never_written"},
			},
		},
	})

	_, err := f.svc.UpdateProgress(ctx, "42", "gate_02", "")
	assert.True(t, errors.Is(err, ErrProgressionDenied))
}

func TestUpdateProgressCompletionCapsAtHundred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	completed := make([]string, 11)
	for i := range completed {
		completed[i] = string(rune('a' + i))
	}
	f.seedUser(t, "42", store.NarrativeProgress{
		CurrentFragment:    "z",
		CompletedFragments: completed,
	})
	f.seedFragment(t, store.NarrativeFragment{FragmentID: "final"})

	progress, err := f.svc.UpdateProgress(ctx, "42", "final", "")
	require.NoError(t, err)
	assert.Len(t, progress.CompletedFragments, 12)
	assert.Equal(t, 100, progress.CompletionPercentage)
}

func TestTrackContentView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "42", store.NarrativeProgress{})

	require.NoError(t, f.svc.TrackContentView(ctx, "42", "post_7", "channel_post"))

	doc, err := f.doc.GetUserDocument(ctx, "42")
	require.NoError(t, err)
	require.Len(t, doc.ViewHistory, 1)
	assert.Equal(t, "post_7", doc.ViewHistory[0].ContentID)

	viewed := f.rec.ByType(eventbus.ContentViewed)
	require.Len(t, viewed, 1)
}
