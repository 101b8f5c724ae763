package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EventType names a kind of event. The constants below form the set this
// core consumes; producers may publish additional types.
type EventType string

const (
	UserRegistered             EventType = "user_registered"
	UserInteraction            EventType = "user_interaction"
	UserStateUpdated           EventType = "user_state_updated"
	UserDeleted                EventType = "user_deleted"
	SubscriptionCreated        EventType = "subscription_created"
	SubscriptionUpdated        EventType = "subscription_updated"
	SubscriptionUpgraded       EventType = "subscription_upgraded"
	DecisionMade               EventType = "decision_made"
	ContentViewed              EventType = "content_viewed"
	ReactionDetected           EventType = "reaction_detected"
	BesitosAwarded             EventType = "besitos_awarded"
	BesitosTransaction         EventType = "besitos_transaction"
	NarrativeHintUnlocked      EventType = "narrative_hint_unlocked"
	NarrativeFragmentAccessed  EventType = "narrative_fragment_accessed"
	NarrativeProgressUpdated   EventType = "narrative_progress_updated"
	NarrativeCheckpointReached EventType = "narrative_checkpoint_reached"
	VIPAccessGranted           EventType = "vip_access_granted"
	LucienMessageSent          EventType = "lucien_message_sent"
	LucienMessageFailed        EventType = "lucien_message_failed"
	EventProcessingFailed      EventType = "event_processing_failed"
)

var knownTypes = map[EventType]struct{}{
	UserRegistered:             {},
	UserInteraction:            {},
	UserStateUpdated:           {},
	UserDeleted:                {},
	SubscriptionCreated:        {},
	SubscriptionUpdated:        {},
	SubscriptionUpgraded:       {},
	DecisionMade:               {},
	ContentViewed:              {},
	ReactionDetected:           {},
	BesitosAwarded:             {},
	BesitosTransaction:         {},
	NarrativeHintUnlocked:      {},
	NarrativeFragmentAccessed:  {},
	NarrativeProgressUpdated:   {},
	NarrativeCheckpointReached: {},
	VIPAccessGranted:           {},
	LucienMessageSent:          {},
	LucienMessageFailed:        {},
	EventProcessingFailed:      {},
}

// Known reports whether t belongs to the consumed taxonomy.
func (t EventType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is the unit carried by the bus. Timestamp is the producer clock
// and drives per-user ordering downstream.
type Event struct {
	ID        string          `json:"event_id"`
	Type      EventType       `json:"event_type"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with a fresh id and the current producer clock.
// payload may be nil for events that carry no fields.
func New(t EventType, userID string, payload any) (Event, error) {
	e := Event{
		ID:        uuid.NewString(),
		Type:      t,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, errors.Wrapf(err, "marshal %s payload", t)
		}
		e.Payload = raw
	}
	return e, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("event %s has no payload", e.ID)
	}
	return errors.Wrapf(json.Unmarshal(e.Payload, v), "decode %s payload", e.Type)
}

// Payloads for the event types this core produces. Fields mirror what the
// consuming handlers need; producers may attach more.

type UserRegisteredPayload struct {
	TelegramUserID int64  `json:"telegram_user_id"`
	Username       string `json:"username,omitempty"`
	LanguageCode   string `json:"language_code,omitempty"`
}

type UserInteractionPayload struct {
	Action  string         `json:"action"`
	Context map[string]any `json:"context,omitempty"`
}

type UserStateUpdatedPayload struct {
	MenuContext string `json:"menu_context"`
}

type UserDeletedPayload struct {
	Partial bool `json:"partial"`
}

type SubscriptionCreatedPayload struct {
	PlanType string     `json:"plan_type"`
	EndDate  *time.Time `json:"end_date,omitempty"`
}

type SubscriptionUpdatedPayload struct {
	PlanType string `json:"plan_type"`
	Status   string `json:"status"`
}

type SubscriptionUpgradedPayload struct {
	FromPlan string `json:"from_plan"`
	ToPlan   string `json:"to_plan"`
}

type DecisionMadePayload struct {
	FragmentID string `json:"fragment_id"`
	ChoiceID   string `json:"choice_id"`
}

type ContentViewedPayload struct {
	ContentID   string `json:"content_id"`
	ContentType string `json:"content_type"`
}

type ReactionDetectedPayload struct {
	ContentID    string `json:"content_id"`
	ReactionType string `json:"reaction_type"`
}

type BesitosTransactionPayload struct {
	Delta       int64  `json:"delta"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Balance     int64  `json:"balance"`
}

type BesitosAwardedPayload struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

type HintUnlockedPayload struct {
	HintID     string `json:"hint_id"`
	FragmentID string `json:"fragment_id,omitempty"`
}

type FragmentAccessedPayload struct {
	FragmentID  string `json:"fragment_id"`
	VIPRequired bool   `json:"vip_required"`
}

type ProgressUpdatedPayload struct {
	CurrentFragment      string `json:"current_fragment"`
	CompletionPercentage int    `json:"completion_percentage"`
}

type CheckpointReachedPayload struct {
	FragmentID string `json:"fragment_id"`
}

type VIPAccessGrantedPayload struct {
	FragmentID string `json:"fragment_id,omitempty"`
}

type LucienMessageSentPayload struct {
	MessageID  string `json:"message_id"`
	TemplateID string `json:"template_id"`
}

type LucienMessageFailedPayload struct {
	MessageID  string `json:"message_id"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

type ProcessingFailedPayload struct {
	SourceEventID string    `json:"source_event_id"`
	SourceType    EventType `json:"source_type"`
	Error         string    `json:"error"`
}
