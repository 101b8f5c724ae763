package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/internal/profile"
)

const (
	connectTimeout     = 5 * time.Second
	pingTimeout        = 2 * time.Second
	maxConnectAttempts = 5
	backoffBase        = 1 * time.Second
)

// Store provides access to the store pair: a document store for dynamic
// per-user state and a relational store for profiles and subscriptions.
// The two stores connect and fail independently; CreateUserAtomic is the
// only cross-store write path and compensates on partial failure.
type Store struct {
	profile *profile.Profile
	doc     DocumentDriver
	rel     RelationalDriver
}

// Health reports the result of pinging each store.
type Health struct {
	DocumentOK   bool `json:"document_ok"`
	RelationalOK bool `json:"relational_ok"`
}

// New creates a new instance of Store.
func New(doc DocumentDriver, rel RelationalDriver, profile *profile.Profile) *Store {
	return &Store{
		profile: profile,
		doc:     doc,
		rel:     rel,
	}
}

// ConnectAll opens both stores, each with its own retry loop. It fails only
// after a store stays unreachable for the full retry schedule.
func (s *Store) ConnectAll(ctx context.Context) error {
	if err := connectWithRetry(ctx, "document", backoffBase, s.doc.Connect); err != nil {
		return err
	}
	if err := connectWithRetry(ctx, "relational", backoffBase, s.rel.Connect); err != nil {
		return err
	}
	return nil
}

func connectWithRetry(ctx context.Context, name string, base time.Duration, connect func(context.Context) error) error {
	var lastErr error
	backoff := base
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := connect(attemptCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				slog.Info("store connected after retry", "store", name, "attempt", attempt)
			}
			return nil
		}
		lastErr = err
		slog.Warn("store connect failed", "store", name, "attempt", attempt, "error", err)
		if attempt == maxConnectAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "store connect cancelled")
		}
		backoff *= 2
	}
	return errors.Wrapf(lastErr, "failed to connect %s store after %d attempts", name, maxConnectAttempts)
}

// Health pings both stores concurrently with a short deadline. It never
// returns an error; an unreachable store simply reports false.
func (s *Store) Health(ctx context.Context) Health {
	var health Health
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		health.DocumentOK = s.doc.Ping(pingCtx) == nil
	}()
	go func() {
		defer wg.Done()
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		health.RelationalOK = s.rel.Ping(pingCtx) == nil
	}()
	wg.Wait()

	return health
}

// Migrate applies the relational schema. The document store is schemaless
// and only needs its indexes, which the driver creates on connect.
func (s *Store) Migrate(ctx context.Context) error {
	return s.rel.Migrate(ctx)
}

func (s *Store) Close() error {
	docErr := s.doc.Close()
	relErr := s.rel.Close()
	if docErr != nil {
		return docErr
	}
	return relErr
}

// CreateUserAtomic writes the document side first, then the relational side.
// On relational failure the document is deleted again so the pair commits
// only if both writes succeed. A failed compensation leaves an orphan that
// read-time repair removes on the next access.
func (s *Store) CreateUserAtomic(ctx context.Context, doc *UserDocument, prof *UserProfile) error {
	if err := s.doc.InsertUserDocument(ctx, doc); err != nil {
		return errors.Wrap(err, "failed to insert user document")
	}
	if err := s.rel.CreateUserProfile(ctx, prof); err != nil {
		if derr := s.doc.DeleteUserDocument(ctx, doc.UserID); derr != nil {
			slog.Error("data_inconsistency: compensation delete failed, repair deferred to next read",
				"user_id", doc.UserID, "error", derr)
		}
		return errors.Wrap(err, "failed to create user profile")
	}
	return nil
}

// Document store operations.

func (s *Store) GetUserDocument(ctx context.Context, userID string) (*UserDocument, error) {
	return s.doc.GetUserDocument(ctx, userID)
}

func (s *Store) InsertUserDocument(ctx context.Context, create *UserDocument) error {
	return s.doc.InsertUserDocument(ctx, create)
}

func (s *Store) UpdateUserDocument(ctx context.Context, update *UpdateUserDocument) error {
	return s.doc.UpdateUserDocument(ctx, update)
}

func (s *Store) DeleteUserDocument(ctx context.Context, userID string) error {
	return s.doc.DeleteUserDocument(ctx, userID)
}

func (s *Store) GetNarrativeFragment(ctx context.Context, fragmentID string) (*NarrativeFragment, error) {
	return s.doc.GetNarrativeFragment(ctx, fragmentID)
}

func (s *Store) UpsertNarrativeFragment(ctx context.Context, upsert *NarrativeFragment) error {
	return s.doc.UpsertNarrativeFragment(ctx, upsert)
}

func (s *Store) ListNarrativeHints(ctx context.Context, find *FindNarrativeHint) ([]*NarrativeHint, error) {
	return s.doc.ListNarrativeHints(ctx, find)
}

func (s *Store) UpsertNarrativeHint(ctx context.Context, upsert *NarrativeHint) error {
	return s.doc.UpsertNarrativeHint(ctx, upsert)
}

func (s *Store) InsertMessage(ctx context.Context, create *Message) error {
	return s.doc.InsertMessage(ctx, create)
}

func (s *Store) UpdateMessage(ctx context.Context, update *UpdateMessage) error {
	return s.doc.UpdateMessage(ctx, update)
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.doc.ListMessages(ctx, find)
}

// Relational store operations.

func (s *Store) CreateUserProfile(ctx context.Context, create *UserProfile) error {
	return s.rel.CreateUserProfile(ctx, create)
}

func (s *Store) GetUserProfile(ctx context.Context, find *FindUserProfile) (*UserProfile, error) {
	return s.rel.GetUserProfile(ctx, find)
}

func (s *Store) UpdateUserProfile(ctx context.Context, update *UpdateUserProfile) (*UserProfile, error) {
	return s.rel.UpdateUserProfile(ctx, update)
}

func (s *Store) DeleteUserProfile(ctx context.Context, userID string) error {
	return s.rel.DeleteUserProfile(ctx, userID)
}

func (s *Store) CreateSubscription(ctx context.Context, create *Subscription) (*Subscription, error) {
	return s.rel.CreateSubscription(ctx, create)
}

func (s *Store) GetSubscription(ctx context.Context, find *FindSubscription) (*Subscription, error) {
	return s.rel.GetSubscription(ctx, find)
}

func (s *Store) UpdateSubscription(ctx context.Context, update *UpdateSubscription) (*Subscription, error) {
	return s.rel.UpdateSubscription(ctx, update)
}
