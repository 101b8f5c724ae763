package store

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlostoek/yabot/internal/profile"
)

func newTestStore() (*Store, *MockDocumentDriver, *MockRelationalDriver) {
	doc := NewMockDocumentDriver()
	rel := NewMockRelationalDriver()
	return New(doc, rel, &profile.Profile{Mode: "dev"}), doc, rel
}

func testUserPair(userID string, telegramID int64) (*UserDocument, *UserProfile) {
	now := time.Now()
	doc := &UserDocument{
		UserID: userID,
		CurrentState: UserState{
			MenuContext: "main_menu",
			Narrative:   NarrativeProgress{CurrentFragment: "start"},
			SessionData: map[string]any{"last_activity": now},
		},
		Preferences:    UserPreferences{Language: "es", Notifications: true},
		NarrativeLevel: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	prof := &UserProfile{
		UserID:           userID,
		TelegramUserID:   telegramID,
		Username:         "ana",
		FirstName:        "Ana",
		LanguageCode:     "es",
		RegistrationDate: now,
		LastLogin:        now,
		IsActive:         true,
	}
	return doc, prof
}

func TestCreateUserAtomic(t *testing.T) {
	ctx := context.Background()

	t.Run("success commits both stores", func(t *testing.T) {
		s, _, _ := newTestStore()
		doc, prof := testUserPair("42", 42)

		require.NoError(t, s.CreateUserAtomic(ctx, doc, prof))

		gotDoc, err := s.GetUserDocument(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "main_menu", gotDoc.CurrentState.MenuContext)
		assert.Equal(t, int64(0), gotDoc.BesitosBalance)

		gotProf, err := s.GetUserProfile(ctx, &FindUserProfile{UserID: stringPtr("42")})
		require.NoError(t, err)
		assert.Equal(t, int64(42), gotProf.TelegramUserID)
		assert.True(t, gotProf.IsActive)
	})

	t.Run("relational failure compensates document insert", func(t *testing.T) {
		s, _, rel := newTestStore()
		rel.FailCreate = errors.New("disk full")
		doc, prof := testUserPair("43", 43)

		err := s.CreateUserAtomic(ctx, doc, prof)
		require.Error(t, err)

		_, err = s.GetUserDocument(ctx, "43")
		assert.ErrorIs(t, err, ErrNotFound, "document must be deleted after compensation")
	})

	t.Run("document failure leaves relational untouched", func(t *testing.T) {
		s, docDrv, _ := newTestStore()
		docDrv.FailInsert = errors.New("connection reset")
		doc, prof := testUserPair("44", 44)

		err := s.CreateUserAtomic(ctx, doc, prof)
		require.Error(t, err)

		_, err = s.GetUserProfile(ctx, &FindUserProfile{UserID: stringPtr("44")})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("failed compensation leaves an orphan and surfaces the original error", func(t *testing.T) {
		s, docDrv, rel := newTestStore()
		rel.FailCreate = errors.New("disk full")
		docDrv.FailDelete = errors.New("timeout")
		doc, prof := testUserPair("45", 45)

		err := s.CreateUserAtomic(ctx, doc, prof)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")

		// The orphan stays until read-time repair picks it up.
		docDrv.FailDelete = nil
		_, err = s.GetUserDocument(ctx, "45")
		assert.NoError(t, err)
	})
}

func TestHealth(t *testing.T) {
	ctx := context.Background()

	t.Run("both stores healthy", func(t *testing.T) {
		s, _, _ := newTestStore()
		health := s.Health(ctx)
		assert.True(t, health.DocumentOK)
		assert.True(t, health.RelationalOK)
	})

	t.Run("document ping failure reported independently", func(t *testing.T) {
		s, docDrv, _ := newTestStore()
		docDrv.FailPing = errors.New("no reachable servers")
		health := s.Health(ctx)
		assert.False(t, health.DocumentOK)
		assert.True(t, health.RelationalOK)
	})
}

func TestConnectWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures retried until success", func(t *testing.T) {
		attempts := 0
		connect := func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("connection refused")
			}
			return nil
		}
		err := connectWithRetry(ctx, "document", time.Millisecond, connect)
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		attempts := 0
		connect := func(ctx context.Context) error {
			attempts++
			return errors.New("connection refused")
		}
		err := connectWithRetry(ctx, "relational", time.Millisecond, connect)
		require.Error(t, err)
		assert.Equal(t, maxConnectAttempts, attempts)
		assert.Contains(t, err.Error(), "after 5 attempts")
	})

	t.Run("cancellation stops the backoff wait", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()
		connect := func(ctx context.Context) error {
			return errors.New("connection refused")
		}
		err := connectWithRetry(cancelCtx, "document", time.Hour, connect)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestUpdateUserDocumentPartial(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore()
	doc, prof := testUserPair("42", 42)
	require.NoError(t, s.CreateUserAtomic(ctx, doc, prof))

	balance := int64(7)
	view := ViewEntry{ContentID: "post_7", ContentType: "post", ViewedAt: time.Now()}
	require.NoError(t, s.UpdateUserDocument(ctx, &UpdateUserDocument{
		UserID:         "42",
		BesitosBalance: &balance,
		PushView:       &view,
	}))

	got, err := s.GetUserDocument(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.BesitosBalance)
	require.Len(t, got.ViewHistory, 1)
	assert.Equal(t, "post_7", got.ViewHistory[0].ContentID)
	// Untouched fields survive a partial update.
	assert.Equal(t, "main_menu", got.CurrentState.MenuContext)
	assert.Equal(t, "es", got.Preferences.Language)
}

func stringPtr(s string) *string { return &s }
