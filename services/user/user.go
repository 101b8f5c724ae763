// Package user owns the user record pair: the document-store state and
// the relational profile, created atomically and repaired on read.
package user

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/store"
)

const (
	// DefaultMenuContext is where every new user starts.
	DefaultMenuContext = "main_menu"

	defaultLanguage = "en"
	defaultTheme    = "default"
)

// PlatformUser is the inbound chat-platform blob a registration starts
// from.
type PlatformUser struct {
	ID           int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
}

// UserContext is the merged view of both stores for one user.
type UserContext struct {
	UserID   string              `json:"user_id"`
	Profile  *store.UserProfile  `json:"profile"`
	Document *store.UserDocument `json:"document"`
}

// Service implements user lifecycle operations over the store pair.
type Service struct {
	store *store.Store
	bus   eventbus.Publisher
}

func New(st *store.Store, bus eventbus.Publisher) *Service {
	return &Service{store: st, bus: bus}
}

// CreateUser registers a platform user in both stores and publishes
// `user_registered`. Returns store.ErrDuplicate when the user already
// exists.
func (s *Service) CreateUser(ctx context.Context, blob PlatformUser) (*UserContext, error) {
	userID := strconv.FormatInt(blob.ID, 10)

	doc := defaultDocument(userID, blob.LanguageCode)
	now := time.Now().UTC()
	prof := &store.UserProfile{
		UserID:           userID,
		TelegramUserID:   blob.ID,
		Username:         blob.Username,
		FirstName:        blob.FirstName,
		LastName:         blob.LastName,
		LanguageCode:     blob.LanguageCode,
		RegistrationDate: now,
		LastLogin:        now,
		IsActive:         true,
	}

	if err := s.store.CreateUserAtomic(ctx, doc, prof); err != nil {
		return nil, err
	}

	s.emit(ctx, eventbus.UserRegistered, userID, eventbus.UserRegisteredPayload{
		TelegramUserID: blob.ID,
		Username:       blob.Username,
		LanguageCode:   blob.LanguageCode,
	})
	return &UserContext{UserID: userID, Profile: prof, Document: doc}, nil
}

// GetUserContext returns the merged view, or (nil, nil) when the user
// does not exist. A record present in only one store is repaired here:
// a missing document is rebuilt from defaults, an orphaned document is
// removed.
func (s *Service) GetUserContext(ctx context.Context, userID string) (*UserContext, error) {
	doc, docErr := s.store.GetUserDocument(ctx, userID)
	if docErr != nil && !errors.Is(docErr, store.ErrNotFound) {
		return nil, errors.Wrap(docErr, "load user document")
	}
	prof, profErr := s.store.GetUserProfile(ctx, &store.FindUserProfile{UserID: &userID})
	if profErr != nil && !errors.Is(profErr, store.ErrNotFound) {
		return nil, errors.Wrap(profErr, "load user profile")
	}

	docMissing := errors.Is(docErr, store.ErrNotFound)
	profMissing := errors.Is(profErr, store.ErrNotFound)
	switch {
	case docMissing && profMissing:
		return nil, nil

	case docMissing:
		slog.Warn("data_inconsistency: user document missing, rebuilding from defaults",
			"user_id", userID,
		)
		doc = defaultDocument(userID, prof.LanguageCode)
		if err := s.store.InsertUserDocument(ctx, doc); err != nil {
			return nil, errors.Wrap(err, "rebuild user document")
		}

	case profMissing:
		slog.Warn("data_inconsistency: user profile missing, removing orphaned document",
			"user_id", userID,
		)
		if err := s.store.DeleteUserDocument(ctx, userID); err != nil {
			return nil, errors.Wrap(err, "remove orphaned document")
		}
		return nil, nil
	}

	return &UserContext{UserID: userID, Profile: prof, Document: doc}, nil
}

// UpdateUserState replaces the user's menu/session state and publishes
// `user_state_updated`.
func (s *Service) UpdateUserState(ctx context.Context, userID string, state store.UserState) error {
	err := s.store.UpdateUserDocument(ctx, &store.UpdateUserDocument{
		UserID:       userID,
		CurrentState: &state,
	})
	if err != nil {
		return err
	}

	s.emit(ctx, eventbus.UserStateUpdated, userID, eventbus.UserStateUpdatedPayload{
		MenuContext: state.MenuContext,
	})
	return nil
}

// UpdateProfile applies a partial profile patch in the relational store.
func (s *Service) UpdateProfile(ctx context.Context, update *store.UpdateUserProfile) (*store.UserProfile, error) {
	return s.store.UpdateUserProfile(ctx, update)
}

// DeleteUser removes the user from both stores. partial is true when
// exactly one side failed; the other side's delete still happened.
// Deleting an unknown user returns store.ErrNotFound.
func (s *Service) DeleteUser(ctx context.Context, userID string) (partial bool, err error) {
	docErr := s.store.DeleteUserDocument(ctx, userID)
	docHard := docErr != nil && !errors.Is(docErr, store.ErrNotFound)

	relErr := s.store.DeleteUserProfile(ctx, userID)
	relHard := relErr != nil && !errors.Is(relErr, store.ErrNotFound)

	switch {
	case docHard && relHard:
		return false, errors.Wrap(relErr, "delete user")
	case errors.Is(docErr, store.ErrNotFound) && errors.Is(relErr, store.ErrNotFound):
		return false, store.ErrNotFound
	case docHard:
		slog.Error("user delete left document behind", "user_id", userID, "error", docErr)
		partial = true
	case relHard:
		slog.Error("user delete left profile behind", "user_id", userID, "error", relErr)
		partial = true
	}

	s.emit(ctx, eventbus.UserDeleted, userID, eventbus.UserDeletedPayload{Partial: partial})
	return partial, nil
}

func defaultDocument(userID, language string) *store.UserDocument {
	if language == "" {
		language = defaultLanguage
	}
	now := time.Now().UTC()
	return &store.UserDocument{
		UserID: userID,
		CurrentState: store.UserState{
			MenuContext: DefaultMenuContext,
			Narrative:   store.NarrativeProgress{},
			SessionData: map[string]any{"last_activity": now.Format(time.RFC3339)},
		},
		Preferences: store.UserPreferences{
			Language:      language,
			Notifications: true,
			Theme:         defaultTheme,
		},
		BesitosBalance: 0,
		NarrativeLevel: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) emit(ctx context.Context, t eventbus.EventType, userID string, payload any) {
	e, err := eventbus.New(t, userID, payload)
	if err != nil {
		slog.Error("building event", "event_type", t, "error", err)
		return
	}
	if err := s.bus.Emit(ctx, e); err != nil {
		slog.Warn("emitting event", "event_type", t, "error", err)
	}
}
