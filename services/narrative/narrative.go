// Package narrative serves story fragments, gates VIP content and
// advances per-user progress.
package narrative

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/store"
)

// StartFragmentID is the implicit position of a user with no recorded
// progress.
const StartFragmentID = "start"

var (
	// ErrVIPAccessRequired is returned when a fragment requires an
	// active vip subscription the user does not hold.
	ErrVIPAccessRequired = errors.New("vip access required")
	// ErrProgressionDenied is returned when a checkpoint's unlock
	// conditions are not met.
	ErrProgressionDenied = errors.New("progression denied")
)

// VIPChecker answers whether a user may access vip-gated content. The
// coordinator implements it; a nil checker denies.
type VIPChecker interface {
	ValidateVIPAccess(ctx context.Context, userID string) (bool, error)
}

// Service implements narrative operations over the document store.
type Service struct {
	store *store.Store
	bus   eventbus.Publisher
	vip   VIPChecker
}

func New(st *store.Store, bus eventbus.Publisher) *Service {
	return &Service{store: st, bus: bus}
}

// SetVIPChecker wires the access check. Called once at startup, after
// the coordinator exists.
func (s *Service) SetVIPChecker(v VIPChecker) {
	s.vip = v
}

// GetFragment returns a fragment by id, enforcing the vip gate. userID
// may be empty only for fragments that are not vip-gated. Emits
// `narrative_fragment_accessed` on success; a denial emits nothing.
func (s *Service) GetFragment(ctx context.Context, fragmentID, userID string) (*store.NarrativeFragment, error) {
	frag, err := s.store.GetNarrativeFragment(ctx, fragmentID)
	if err != nil {
		return nil, err
	}

	if frag.VIPRequired {
		if userID == "" || s.vip == nil {
			return nil, errors.Wrapf(ErrVIPAccessRequired, "fragment %s", fragmentID)
		}
		ok, err := s.vip.ValidateVIPAccess(ctx, userID)
		if err != nil {
			return nil, errors.Wrap(err, "validate vip access")
		}
		if !ok {
			return nil, errors.Wrapf(ErrVIPAccessRequired, "fragment %s", fragmentID)
		}
	}

	s.emit(ctx, eventbus.NarrativeFragmentAccessed, userID, eventbus.FragmentAccessedPayload{
		FragmentID:  fragmentID,
		VIPRequired: frag.VIPRequired,
	})
	return frag, nil
}

// GetUserProgress returns the user's embedded progress. A user with no
// recorded progress is positioned at the start fragment.
func (s *Service) GetUserProgress(ctx context.Context, userID string) (*store.NarrativeProgress, error) {
	doc, err := s.store.GetUserDocument(ctx, userID)
	if err != nil {
		return nil, err
	}

	progress := doc.CurrentState.Narrative
	if progress.CurrentFragment == "" {
		progress.CurrentFragment = StartFragmentID
	}
	return &progress, nil
}

// UpdateProgress moves the user to nextFragmentID. The outgoing
// fragment joins completed_fragments (deduplicated, first-insertion
// order) and the taken choice is recorded against it. A checkpoint
// target admits the user only when its unlock conditions hold.
func (s *Service) UpdateProgress(ctx context.Context, userID, nextFragmentID, choiceID string) (*store.NarrativeProgress, error) {
	doc, err := s.store.GetUserDocument(ctx, userID)
	if err != nil {
		return nil, err
	}

	target, err := s.store.GetNarrativeFragment(ctx, nextFragmentID)
	if err != nil {
		return nil, err
	}

	progress := doc.CurrentState.Narrative
	if progress.CurrentFragment == "" {
		progress.CurrentFragment = StartFragmentID
	}

	if target.Metadata.IsCheckpoint && !unlockMet(target.Metadata.UnlockConditions, progress) {
		return nil, errors.Wrapf(ErrProgressionDenied, "checkpoint %s locked", nextFragmentID)
	}

	outgoing := progress.CurrentFragment
	progress.CompletedFragments = appendUnique(progress.CompletedFragments, outgoing)

	if choiceID == "" {
		choiceID = s.inferChoice(ctx, outgoing, nextFragmentID)
	}
	if choiceID != "" {
		if progress.ChoicesMade == nil {
			progress.ChoicesMade = make(map[string]string)
		}
		progress.ChoicesMade[outgoing] = choiceID
	}

	progress.CurrentFragment = nextFragmentID
	progress.CompletionPercentage = completionPercentage(len(progress.CompletedFragments))
	progress.LastUpdated = time.Now().UTC()

	err = s.store.UpdateUserDocument(ctx, &store.UpdateUserDocument{
		UserID:    userID,
		Narrative: &progress,
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, eventbus.NarrativeProgressUpdated, userID, eventbus.ProgressUpdatedPayload{
		CurrentFragment:      progress.CurrentFragment,
		CompletionPercentage: progress.CompletionPercentage,
	})
	if target.Metadata.IsCheckpoint {
		s.emit(ctx, eventbus.NarrativeCheckpointReached, userID, eventbus.CheckpointReachedPayload{
			FragmentID: nextFragmentID,
		})
	}
	return &progress, nil
}

// TrackContentView appends to the user's view history and emits
// `content_viewed`.
func (s *Service) TrackContentView(ctx context.Context, userID, contentID, contentType string) error {
	entry := store.ViewEntry{
		ContentID:   contentID,
		ContentType: contentType,
		ViewedAt:    time.Now().UTC(),
	}
	err := s.store.UpdateUserDocument(ctx, &store.UpdateUserDocument{
		UserID:   userID,
		PushView: &entry,
	})
	if err != nil {
		return err
	}

	s.emit(ctx, eventbus.ContentViewed, userID, eventbus.ContentViewedPayload{
		ContentID:   contentID,
		ContentType: contentType,
	})
	return nil
}

// UpsertFragment loads story content. Used by content tooling and
// fixtures, not by the chat path.
func (s *Service) UpsertFragment(ctx context.Context, frag *store.NarrativeFragment) error {
	return s.store.UpsertNarrativeFragment(ctx, frag)
}

// inferChoice resolves the choice id for a transition the caller did
// not name: the outgoing fragment's choices pointing at the target, the
// first by choice_id sort order. Unknown outgoing fragments resolve to
// no choice.
func (s *Service) inferChoice(ctx context.Context, outgoingID, nextID string) string {
	frag, err := s.store.GetNarrativeFragment(ctx, outgoingID)
	if err != nil {
		return ""
	}

	var candidates []string
	for _, c := range frag.Choices {
		if c.NextFragmentID == nextID {
			candidates = append(candidates, c.ChoiceID)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[0]
}

// unlockMet reports whether every unlock condition holds. A required
// fragment the user has not completed, or one unknown to the store,
// counts as unmet.
func unlockMet(cond *store.UnlockConditions, progress store.NarrativeProgress) bool {
	if cond == nil {
		return true
	}

	completed := make(map[string]struct{}, len(progress.CompletedFragments))
	for _, id := range progress.CompletedFragments {
		completed[id] = struct{}{}
	}
	for _, id := range cond.RequiredFragments {
		if _, ok := completed[id]; !ok {
			return false
		}
	}
	for fragID, choiceID := range cond.RequiredChoices {
		if progress.ChoicesMade[fragID] != choiceID {
			return false
		}
	}
	return true
}

// completionPercentage is ten points per completed fragment, capped at
// one hundred.
func completionPercentage(completed int) int {
	pct := completed * 10
	if pct > 100 {
		return 100
	}
	return pct
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

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
