package store

import "time"

// UserDocument is the document-store side of a user record: dynamic state,
// preferences, currency balance and view history.
type UserDocument struct {
	UserID         string          `bson:"user_id" json:"user_id"`
	CurrentState   UserState       `bson:"current_state" json:"current_state"`
	Preferences    UserPreferences `bson:"preferences" json:"preferences"`
	BesitosBalance int64           `bson:"besitos_balance" json:"besitos_balance"`
	NarrativeLevel int             `bson:"narrative_level" json:"narrative_level"`
	ViewHistory    []ViewEntry     `bson:"view_history" json:"view_history"`
	CreatedAt      time.Time       `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `bson:"updated_at" json:"updated_at"`
}

// UserState is the menu/session context plus the embedded narrative progress.
type UserState struct {
	MenuContext string             `bson:"menu_context" json:"menu_context"`
	Narrative   NarrativeProgress  `bson:"narrative_progress" json:"narrative_progress"`
	SessionData map[string]any     `bson:"session_data" json:"session_data"`
}

// UserPreferences holds per-user presentation settings.
type UserPreferences struct {
	Language      string `bson:"language" json:"language"`
	Notifications bool   `bson:"notifications" json:"notifications"`
	Theme         string `bson:"theme" json:"theme"`
}

// NarrativeProgress tracks where a user is in the story.
// CompletedFragments is an ordered set: deduplicated, first-insertion order.
type NarrativeProgress struct {
	CurrentFragment      string            `bson:"current_fragment" json:"current_fragment"`
	CompletedFragments   []string          `bson:"completed_fragments" json:"completed_fragments"`
	ChoicesMade          map[string]string `bson:"choices_made" json:"choices_made"`
	CompletionPercentage int               `bson:"completion_percentage" json:"completion_percentage"`
	LastUpdated          time.Time         `bson:"last_updated" json:"last_updated"`
}

// ViewEntry is one append-only record of content the user has seen.
type ViewEntry struct {
	ContentID   string    `bson:"content_id" json:"content_id"`
	ContentType string    `bson:"content_type" json:"content_type"`
	ViewedAt    time.Time `bson:"viewed_at" json:"viewed_at"`
}

// UpdateUserDocument specifies a partial update of a user document.
// Nil fields are left untouched; PushView appends to view_history.
type UpdateUserDocument struct {
	UserID         string
	CurrentState   *UserState
	Narrative      *NarrativeProgress
	Preferences    *UserPreferences
	BesitosBalance *int64
	NarrativeLevel *int
	PushView       *ViewEntry
	UpdatedAt      *time.Time
}
