package lucien

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/internal/profile"
	"github.com/carlostoek/yabot/store"
)

type fakeSender struct {
	mu   sync.Mutex
	fail error
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, userID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeSender) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	messenger *Messenger
	st        *store.Store
	doc       *store.MockDocumentDriver
	rel       *store.MockRelationalDriver
	rec       *eventbus.Recorder
	sender    *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	doc := store.NewMockDocumentDriver()
	rel := store.NewMockRelationalDriver()
	rec := eventbus.NewRecorder()
	sender := &fakeSender{}
	st := store.New(doc, rel, &profile.Profile{})
	return &fixture{
		messenger: New(st, rec, sender, "Lucien", nil),
		st:        st,
		doc:       doc,
		rel:       rel,
		rec:       rec,
		sender:    sender,
	}
}

func (f *fixture) message(t *testing.T, id string) *store.Message {
	t.Helper()
	msgs, err := f.doc.ListMessages(context.Background(), &store.FindMessage{MessageID: &id})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestRender(t *testing.T) {
	f := newFixture(t)

	out := f.messenger.Render("Hola $user_name, soy $bot_name.", map[string]string{"user_name": "Ana"})
	assert.Equal(t, "Hola Ana, soy Lucien.", out)

	out = f.messenger.Render("Hola $user_name, soy $bot_name.", nil)
	assert.Equal(t, "Hola viajero, soy Lucien.", out)

	assert.NotEmpty(t, f.messenger.Render("$timestamp", nil))
	assert.Empty(t, f.messenger.Render("$no_such_var", nil))
}

func TestSendDeliversAndPersists(t *testing.T) {
	f := newFixture(t)

	msg, err := f.messenger.Send(context.Background(), "42", "welcome",
		"Hola $user_name.", map[string]string{"user_name": "Ana"})
	require.NoError(t, err)

	require.Equal(t, 1, f.sender.count())
	assert.Equal(t, "Hola Ana.", f.sender.sent[0])

	stored := f.message(t, msg.MessageID)
	assert.Equal(t, store.MessageSent, stored.Status)
	require.NotNil(t, stored.SentTime)
	assert.Zero(t, stored.RetryCount)

	sent := f.rec.ByType(eventbus.LucienMessageSent)
	require.Len(t, sent, 1)
	var p eventbus.LucienMessageSentPayload
	require.NoError(t, sent[0].Decode(&p))
	assert.Equal(t, msg.MessageID, p.MessageID)
	assert.Equal(t, "welcome", p.TemplateID)
}

func TestSendFailureBumpsRetryAndReschedules(t *testing.T) {
	f := newFixture(t)
	f.sender.setFail(errors.New("telegram down"))

	msg, err := f.messenger.Send(context.Background(), "42", "welcome", "Hola.", nil)
	require.Error(t, err)
	require.NotNil(t, msg, "the record must exist even when delivery fails")

	stored := f.message(t, msg.MessageID)
	assert.Equal(t, store.MessagePending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "telegram down", stored.ErrorMessage)
	require.NotNil(t, stored.ScheduledTime)
	assert.True(t, stored.ScheduledTime.After(time.Now()), "rescheduled into the future")

	failed := f.rec.ByType(eventbus.LucienMessageFailed)
	require.Len(t, failed, 1)
	var p eventbus.LucienMessageFailedPayload
	require.NoError(t, failed[0].Decode(&p))
	assert.Equal(t, 1, p.RetryCount)
	assert.Contains(t, p.Error, "telegram down")
}

func TestSchedulePersistsWithoutSending(t *testing.T) {
	f := newFixture(t)

	msg, err := f.messenger.Schedule(context.Background(), "42", "milestone",
		"Hola $user_name.", nil, time.Hour)
	require.NoError(t, err)

	assert.Zero(t, f.sender.count())
	assert.Empty(t, f.rec.Events())

	stored := f.message(t, msg.MessageID)
	assert.Equal(t, store.MessagePending, stored.Status)
	require.NotNil(t, stored.ScheduledTime)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *stored.ScheduledTime, 2*time.Second)
}

func TestScannerPromotesDueMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	due, err := f.messenger.Schedule(ctx, "42", "milestone", "Ya es hora.", nil, -time.Minute)
	require.NoError(t, err)
	later, err := f.messenger.Schedule(ctx, "42", "milestone", "Todavía no.", nil, time.Hour)
	require.NoError(t, err)

	scanner := NewScanner(f.messenger, 0)
	promoted, err := scanner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	assert.Equal(t, store.MessageSent, f.message(t, due.MessageID).Status)
	assert.Equal(t, store.MessagePending, f.message(t, later.MessageID).Status)
	assert.Equal(t, []string{"Ya es hora."}, f.sender.sent)
	assert.Len(t, f.rec.ByType(eventbus.LucienMessageSent), 1)
}

func TestScannerBatchLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < scanBatch+10; i++ {
		_, err := f.messenger.Schedule(ctx, "42", "milestone", "Hola.", nil, -time.Minute)
		require.NoError(t, err)
	}

	scanner := NewScanner(f.messenger, 0)
	promoted, err := scanner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, scanBatch, promoted)

	promoted, err = scanner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, promoted)
}

func TestScannerRetriesUntilFailedForGood(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.setFail(errors.New("telegram down"))

	msg, err := f.messenger.Schedule(ctx, "42", "milestone", "Hola.", nil, -time.Minute)
	require.NoError(t, err)
	scanner := NewScanner(f.messenger, 0)

	makeDue := func() {
		past := time.Now().UTC().Add(-time.Second)
		require.NoError(t, f.doc.UpdateMessage(ctx, &store.UpdateMessage{
			MessageID:     msg.MessageID,
			ScheduledTime: &past,
		}))
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		promoted, err := scanner.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, promoted)
		assert.Equal(t, attempt, f.message(t, msg.MessageID).RetryCount)
		makeDue()
	}

	stored := f.message(t, msg.MessageID)
	assert.Equal(t, store.MessageFailed, stored.Status)
	assert.Equal(t, maxRetries, stored.RetryCount)

	// Terminal: another pass must not touch it.
	promoted, err := scanner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, promoted)
	assert.Equal(t, maxRetries, f.message(t, msg.MessageID).RetryCount)

	assert.Len(t, f.rec.ByType(eventbus.LucienMessageFailed), maxRetries)
}

func TestNotifierWelcome(t *testing.T) {
	f := newFixture(t)
	notifier := NewNotifier(f.messenger, f.st)

	ev, err := eventbus.New(eventbus.UserRegistered, "42", eventbus.UserRegisteredPayload{
		TelegramUserID: 42,
		Username:       "ana",
	})
	require.NoError(t, err)
	require.NoError(t, notifier.HandleUserRegistered(context.Background(), ev))

	require.Equal(t, 1, f.sender.count())
	assert.Contains(t, f.sender.sent[0], "ana")
	assert.Contains(t, f.sender.sent[0], "Lucien")

	msgs, err := f.doc.ListMessages(context.Background(), &store.FindMessage{UserID: strPtr("42")})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, TemplateWelcome, msgs[0].TemplateID)
}

func TestNotifierMilestone(t *testing.T) {
	f := newFixture(t)
	notifier := NewNotifier(f.messenger, f.st)
	require.NoError(t, f.rel.CreateUserProfile(context.Background(), &store.UserProfile{
		UserID:    "42",
		FirstName: "Ana",
	}))

	ev, err := eventbus.New(eventbus.NarrativeCheckpointReached, "42", eventbus.CheckpointReachedPayload{
		FragmentID: "gate_01",
	})
	require.NoError(t, err)
	require.NoError(t, notifier.HandleCheckpointReached(context.Background(), ev))

	require.Equal(t, 1, f.sender.count())
	assert.Contains(t, f.sender.sent[0], "Ana")
	assert.Contains(t, f.sender.sent[0], "gate_01")
}

func TestNotifierMilestoneWithoutProfile(t *testing.T) {
	f := newFixture(t)
	notifier := NewNotifier(f.messenger, f.st)

	ev, err := eventbus.New(eventbus.NarrativeCheckpointReached, "42", eventbus.CheckpointReachedPayload{
		FragmentID: "gate_01",
	})
	require.NoError(t, err)
	require.NoError(t, notifier.HandleCheckpointReached(context.Background(), ev))

	require.Equal(t, 1, f.sender.count())
	assert.True(t, strings.Contains(f.sender.sent[0], defaultUserName))
}

func strPtr(s string) *string { return &s }
