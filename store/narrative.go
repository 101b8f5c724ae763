package store

// NarrativeFragment is an atomic unit of story content. Fragments are
// read-only at runtime; Upsert exists for content loading and fixtures.
type NarrativeFragment struct {
	FragmentID  string           `bson:"fragment_id" json:"fragment_id"`
	Title       string           `bson:"title" json:"title"`
	Content     string           `bson:"content" json:"content"`
	Choices     []Choice         `bson:"choices,omitempty" json:"choices,omitempty"`
	VIPRequired bool             `bson:"vip_required" json:"vip_required"`
	Metadata    FragmentMetadata `bson:"metadata" json:"metadata"`
}

// Choice is one branch a user can take from a fragment.
type Choice struct {
	ChoiceID       string         `bson:"choice_id" json:"choice_id"`
	Text           string         `bson:"text" json:"text"`
	NextFragmentID string         `bson:"next_fragment_id,omitempty" json:"next_fragment_id,omitempty"`
	Conditions     map[string]any `bson:"conditions,omitempty" json:"conditions,omitempty"`
}

// FragmentMetadata carries tags and checkpoint gating.
type FragmentMetadata struct {
	Tags             []string          `bson:"tags,omitempty" json:"tags,omitempty"`
	IsCheckpoint     bool              `bson:"is_checkpoint" json:"is_checkpoint"`
	UnlockConditions *UnlockConditions `bson:"unlock_conditions,omitempty" json:"unlock_conditions,omitempty"`
}

// UnlockConditions must all hold before a checkpoint fragment admits a user.
// RequiredChoices maps fragment id to the choice id the user must have made.
type UnlockConditions struct {
	RequiredFragments []string          `bson:"required_fragments,omitempty" json:"required_fragments,omitempty"`
	RequiredChoices   map[string]string `bson:"required_choices,omitempty" json:"required_choices,omitempty"`
}

// NarrativeHint is a pista definition: a clue unlocked into the gamification
// inventory when its condition matches an observed reaction.
type NarrativeHint struct {
	HintID      string        `bson:"hint_id" json:"hint_id"`
	FragmentID  string        `bson:"fragment_id" json:"fragment_id"`
	Title       string        `bson:"title" json:"title"`
	Description string        `bson:"description" json:"description"`
	Condition   HintCondition `bson:"condition" json:"condition"`
}

// HintCondition matches hints against events. Trigger is currently always
// "reaction"; an empty ReactionType matches any reaction on the content.
type HintCondition struct {
	Trigger      string `bson:"trigger" json:"trigger"`
	ContentID    string `bson:"content_id" json:"content_id"`
	ReactionType string `bson:"reaction_type,omitempty" json:"reaction_type,omitempty"`
}

// FindNarrativeHint specifies the conditions for finding hint definitions.
type FindNarrativeHint struct {
	HintID    *string
	ContentID *string
}
