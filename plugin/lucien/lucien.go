// Package lucien renders the bot's templated messages, persists them and
// delivers them through the chat platform. Scheduled messages wait for
// the scanner to come due.
package lucien

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/metrics"
	"github.com/carlostoek/yabot/store"
)

const (
	// maxRetries is the number of delivery attempts before a message is
	// marked failed for good.
	maxRetries = 3
	// retryDelay spaces out redelivery of a failed message.
	retryDelay = time.Minute

	defaultUserName = "viajero"
)

// Sender delivers rendered content to a user on the chat platform.
type Sender interface {
	Send(ctx context.Context, userID, content string) error
}

// Messenger renders $var templates, persists Message records and sends
// them via the platform sender.
type Messenger struct {
	store   *store.Store
	bus     eventbus.Publisher
	sender  Sender
	botName string
	metrics *metrics.Metrics
}

func New(st *store.Store, bus eventbus.Publisher, sender Sender, botName string, m *metrics.Metrics) *Messenger {
	return &Messenger{
		store:   st,
		bus:     bus,
		sender:  sender,
		botName: botName,
		metrics: m,
	}
}

// Render substitutes $var placeholders from vars. user_name, bot_name
// and timestamp fall back to defaults; unknown variables render empty.
func (m *Messenger) Render(template string, vars map[string]string) string {
	return os.Expand(template, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		switch key {
		case "user_name":
			return defaultUserName
		case "bot_name":
			return m.botName
		case "timestamp":
			return time.Now().UTC().Format(time.RFC3339)
		}
		return ""
	})
}

// Send renders the template, persists the message and delivers it
// immediately. On delivery failure the persisted record is returned
// alongside the error; the scanner retries it later.
func (m *Messenger) Send(ctx context.Context, userID, templateID, template string, vars map[string]string) (*store.Message, error) {
	msg := m.newMessage(userID, templateID, template, vars)
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return nil, errors.Wrap(err, "persist message")
	}
	if err := m.deliver(ctx, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Schedule renders the template and persists the message with a future
// scheduled_time. The scanner promotes it once due.
func (m *Messenger) Schedule(ctx context.Context, userID, templateID, template string, vars map[string]string, delay time.Duration) (*store.Message, error) {
	msg := m.newMessage(userID, templateID, template, vars)
	due := time.Now().UTC().Add(delay)
	msg.ScheduledTime = &due

	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return nil, errors.Wrap(err, "persist scheduled message")
	}
	slog.Info("message scheduled",
		"message_id", msg.MessageID,
		"user_id", userID,
		"template_id", templateID,
		"due", due,
	)
	return msg, nil
}

// deliver attempts one send. Success marks the record sent and emits
// `lucien_message_sent`. Failure bumps retry_count, reschedules while
// attempts remain (failed for good after maxRetries) and emits
// `lucien_message_failed`.
func (m *Messenger) deliver(ctx context.Context, msg *store.Message) error {
	err := m.sender.Send(ctx, msg.UserID, msg.RenderedContent)
	if err == nil {
		now := time.Now().UTC()
		sent := store.MessageSent
		if uerr := m.store.UpdateMessage(ctx, &store.UpdateMessage{
			MessageID: msg.MessageID,
			Status:    &sent,
			SentTime:  &now,
		}); uerr != nil {
			slog.Error("marking message sent", "message_id", msg.MessageID, "error", uerr)
		}
		m.metrics.RecordLucienMessage("sent")
		m.emit(ctx, eventbus.LucienMessageSent, msg.UserID, eventbus.LucienMessageSentPayload{
			MessageID:  msg.MessageID,
			TemplateID: msg.TemplateID,
		})
		return nil
	}

	retry := msg.RetryCount + 1
	errMsg := err.Error()
	update := &store.UpdateMessage{
		MessageID:    msg.MessageID,
		RetryCount:   &retry,
		ErrorMessage: &errMsg,
	}
	if retry >= maxRetries {
		failed := store.MessageFailed
		update.Status = &failed
	} else {
		due := time.Now().UTC().Add(retryDelay)
		update.ScheduledTime = &due
	}
	if uerr := m.store.UpdateMessage(ctx, update); uerr != nil {
		slog.Error("recording send failure", "message_id", msg.MessageID, "error", uerr)
	}

	m.metrics.RecordLucienMessage("failed")
	m.emit(ctx, eventbus.LucienMessageFailed, msg.UserID, eventbus.LucienMessageFailedPayload{
		MessageID:  msg.MessageID,
		RetryCount: retry,
		Error:      err.Error(),
	})
	return errors.Wrapf(err, "send message %s", msg.MessageID)
}

func (m *Messenger) newMessage(userID, templateID, template string, vars map[string]string) *store.Message {
	now := time.Now().UTC()
	return &store.Message{
		MessageID:       shortuuid.New(),
		UserID:          userID,
		TemplateID:      templateID,
		RenderedContent: m.Render(template, vars),
		Status:          store.MessagePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (m *Messenger) emit(ctx context.Context, t eventbus.EventType, userID string, payload any) {
	e, err := eventbus.New(t, userID, payload)
	if err != nil {
		slog.Error("building event", "event_type", t, "error", err)
		return
	}
	if err := m.bus.Emit(ctx, e); err != nil {
		slog.Warn("emitting event", "event_type", t, "error", err)
	}
}
