package store

import (
	"context"

	"github.com/pkg/errors"
)

// Store-level sentinel errors. Drivers translate their native error values
// (mongo.ErrNoDocuments, sql.ErrNoRows, unique-constraint violations) into
// these so callers can test with errors.Is regardless of the backend.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("duplicate record")
	// ErrUnavailable is returned when a store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// DocumentDriver is the contract for the document store holding dynamic
// per-user state, narrative content, hint definitions and outbound messages.
type DocumentDriver interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	GetUserDocument(ctx context.Context, userID string) (*UserDocument, error)
	InsertUserDocument(ctx context.Context, create *UserDocument) error
	UpdateUserDocument(ctx context.Context, update *UpdateUserDocument) error
	DeleteUserDocument(ctx context.Context, userID string) error

	GetNarrativeFragment(ctx context.Context, fragmentID string) (*NarrativeFragment, error)
	UpsertNarrativeFragment(ctx context.Context, upsert *NarrativeFragment) error

	ListNarrativeHints(ctx context.Context, find *FindNarrativeHint) ([]*NarrativeHint, error)
	UpsertNarrativeHint(ctx context.Context, upsert *NarrativeHint) error

	InsertMessage(ctx context.Context, create *Message) error
	UpdateMessage(ctx context.Context, update *UpdateMessage) error
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
}

// RelationalDriver is the contract for the relational store holding user
// profiles and subscription records.
type RelationalDriver interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	CreateUserProfile(ctx context.Context, create *UserProfile) error
	GetUserProfile(ctx context.Context, find *FindUserProfile) (*UserProfile, error)
	UpdateUserProfile(ctx context.Context, update *UpdateUserProfile) (*UserProfile, error)
	DeleteUserProfile(ctx context.Context, userID string) error

	CreateSubscription(ctx context.Context, create *Subscription) (*Subscription, error)
	GetSubscription(ctx context.Context, find *FindSubscription) (*Subscription, error)
	UpdateSubscription(ctx context.Context, update *UpdateSubscription) (*Subscription, error)
}
