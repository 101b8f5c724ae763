package store

import "time"

// MessageStatus is the delivery state of an outbound message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageFailed    MessageStatus = "failed"
	MessageCancelled MessageStatus = "cancelled"
)

// Message is a persisted outbound message, either sent immediately or
// scheduled for a periodic scanner to promote once due.
type Message struct {
	MessageID       string        `bson:"message_id" json:"message_id"`
	UserID          string        `bson:"user_id" json:"user_id"`
	TemplateID      string        `bson:"template_id" json:"template_id"`
	RenderedContent string        `bson:"rendered_content" json:"rendered_content"`
	Status          MessageStatus `bson:"status" json:"status"`
	ScheduledTime   *time.Time    `bson:"scheduled_time,omitempty" json:"scheduled_time,omitempty"`
	SentTime        *time.Time    `bson:"sent_time,omitempty" json:"sent_time,omitempty"`
	RetryCount      int           `bson:"retry_count" json:"retry_count"`
	ErrorMessage    string        `bson:"error_message,omitempty" json:"error_message,omitempty"`
	CreatedAt       time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `bson:"updated_at" json:"updated_at"`
}

// FindMessage specifies the conditions for finding messages. DueBefore
// selects messages with scheduled_time at or before the given instant.
type FindMessage struct {
	MessageID *string
	UserID    *string
	Status    *MessageStatus
	DueBefore *time.Time
	Limit     *int
}

// UpdateMessage specifies the data for a partial message update.
// ScheduledTime reschedules a pending message, e.g. for a retry.
type UpdateMessage struct {
	MessageID     string
	Status        *MessageStatus
	ScheduledTime *time.Time
	SentTime      *time.Time
	RetryCount    *int
	ErrorMessage  *string
}
