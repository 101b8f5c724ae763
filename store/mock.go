package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockDocumentDriver is an in-memory DocumentDriver for testing. The Fail*
// fields inject an error into the corresponding operation when non-nil.
type MockDocumentDriver struct {
	mu        sync.RWMutex
	users     map[string]*UserDocument
	fragments map[string]*NarrativeFragment
	hints     map[string]*NarrativeHint
	messages  map[string]*Message

	FailConnect error
	FailPing    error
	FailInsert  error
	FailGet     error
	FailUpdate  error
	FailDelete  error
}

var _ DocumentDriver = (*MockDocumentDriver)(nil)

// NewMockDocumentDriver creates an empty in-memory document driver.
func NewMockDocumentDriver() *MockDocumentDriver {
	return &MockDocumentDriver{
		users:     make(map[string]*UserDocument),
		fragments: make(map[string]*NarrativeFragment),
		hints:     make(map[string]*NarrativeHint),
		messages:  make(map[string]*Message),
	}
}

func (m *MockDocumentDriver) Connect(ctx context.Context) error { return m.FailConnect }
func (m *MockDocumentDriver) Ping(ctx context.Context) error    { return m.FailPing }
func (m *MockDocumentDriver) Close() error                      { return nil }

func (m *MockDocumentDriver) GetUserDocument(ctx context.Context, userID string) (*UserDocument, error) {
	if m.FailGet != nil {
		return nil, m.FailGet
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUserDocument(doc), nil
}

func (m *MockDocumentDriver) InsertUserDocument(ctx context.Context, create *UserDocument) error {
	if m.FailInsert != nil {
		return m.FailInsert
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[create.UserID]; ok {
		return ErrDuplicate
	}
	m.users[create.UserID] = cloneUserDocument(create)
	return nil
}

func (m *MockDocumentDriver) UpdateUserDocument(ctx context.Context, update *UpdateUserDocument) error {
	if m.FailUpdate != nil {
		return m.FailUpdate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.users[update.UserID]
	if !ok {
		return ErrNotFound
	}
	if update.CurrentState != nil {
		doc.CurrentState = *update.CurrentState
	}
	if update.Narrative != nil {
		doc.CurrentState.Narrative = *update.Narrative
	}
	if update.Preferences != nil {
		doc.Preferences = *update.Preferences
	}
	if update.BesitosBalance != nil {
		doc.BesitosBalance = *update.BesitosBalance
	}
	if update.NarrativeLevel != nil {
		doc.NarrativeLevel = *update.NarrativeLevel
	}
	if update.PushView != nil {
		doc.ViewHistory = append(doc.ViewHistory, *update.PushView)
	}
	if update.UpdatedAt != nil {
		doc.UpdatedAt = *update.UpdatedAt
	}
	return nil
}

func (m *MockDocumentDriver) DeleteUserDocument(ctx context.Context, userID string) error {
	if m.FailDelete != nil {
		return m.FailDelete
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	delete(m.users, userID)
	return nil
}

func (m *MockDocumentDriver) GetNarrativeFragment(ctx context.Context, fragmentID string) (*NarrativeFragment, error) {
	if m.FailGet != nil {
		return nil, m.FailGet
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	fragment, ok := m.fragments[fragmentID]
	if !ok {
		return nil, ErrNotFound
	}
	f := *fragment
	return &f, nil
}

func (m *MockDocumentDriver) UpsertNarrativeFragment(ctx context.Context, upsert *NarrativeFragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := *upsert
	m.fragments[upsert.FragmentID] = &f
	return nil
}

func (m *MockDocumentDriver) ListNarrativeHints(ctx context.Context, find *FindNarrativeHint) ([]*NarrativeHint, error) {
	if m.FailGet != nil {
		return nil, m.FailGet
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hints []*NarrativeHint
	for _, hint := range m.hints {
		if find.HintID != nil && hint.HintID != *find.HintID {
			continue
		}
		if find.ContentID != nil && hint.Condition.ContentID != *find.ContentID {
			continue
		}
		h := *hint
		hints = append(hints, &h)
	}
	sort.Slice(hints, func(i, j int) bool { return hints[i].HintID < hints[j].HintID })
	return hints, nil
}

func (m *MockDocumentDriver) UpsertNarrativeHint(ctx context.Context, upsert *NarrativeHint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := *upsert
	m.hints[upsert.HintID] = &h
	return nil
}

func (m *MockDocumentDriver) InsertMessage(ctx context.Context, create *Message) error {
	if m.FailInsert != nil {
		return m.FailInsert
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[create.MessageID]; ok {
		return ErrDuplicate
	}
	msg := *create
	m.messages[create.MessageID] = &msg
	return nil
}

func (m *MockDocumentDriver) UpdateMessage(ctx context.Context, update *UpdateMessage) error {
	if m.FailUpdate != nil {
		return m.FailUpdate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[update.MessageID]
	if !ok {
		return ErrNotFound
	}
	if update.Status != nil {
		msg.Status = *update.Status
	}
	if update.ScheduledTime != nil {
		msg.ScheduledTime = update.ScheduledTime
	}
	if update.SentTime != nil {
		msg.SentTime = update.SentTime
	}
	if update.RetryCount != nil {
		msg.RetryCount = *update.RetryCount
	}
	if update.ErrorMessage != nil {
		msg.ErrorMessage = *update.ErrorMessage
	}
	msg.UpdatedAt = time.Now()
	return nil
}

func (m *MockDocumentDriver) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	if m.FailGet != nil {
		return nil, m.FailGet
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var msgs []*Message
	for _, msg := range m.messages {
		if find.MessageID != nil && msg.MessageID != *find.MessageID {
			continue
		}
		if find.UserID != nil && msg.UserID != *find.UserID {
			continue
		}
		if find.Status != nil && msg.Status != *find.Status {
			continue
		}
		if find.DueBefore != nil {
			if msg.ScheduledTime == nil || msg.ScheduledTime.After(*find.DueBefore) {
				continue
			}
		}
		mm := *msg
		msgs = append(msgs, &mm)
	}
	sort.Slice(msgs, func(i, j int) bool {
		ti, tj := msgs[i].CreatedAt, msgs[j].CreatedAt
		if msgs[i].ScheduledTime != nil && msgs[j].ScheduledTime != nil {
			ti, tj = *msgs[i].ScheduledTime, *msgs[j].ScheduledTime
		}
		if ti.Equal(tj) {
			return msgs[i].MessageID < msgs[j].MessageID
		}
		return ti.Before(tj)
	})
	if find.Limit != nil && len(msgs) > *find.Limit {
		msgs = msgs[:*find.Limit]
	}
	return msgs, nil
}

func cloneUserDocument(doc *UserDocument) *UserDocument {
	clone := *doc
	clone.CurrentState.Narrative.CompletedFragments = append([]string(nil), doc.CurrentState.Narrative.CompletedFragments...)
	clone.CurrentState.Narrative.ChoicesMade = make(map[string]string, len(doc.CurrentState.Narrative.ChoicesMade))
	for k, v := range doc.CurrentState.Narrative.ChoicesMade {
		clone.CurrentState.Narrative.ChoicesMade[k] = v
	}
	clone.CurrentState.SessionData = make(map[string]any, len(doc.CurrentState.SessionData))
	for k, v := range doc.CurrentState.SessionData {
		clone.CurrentState.SessionData[k] = v
	}
	clone.ViewHistory = append([]ViewEntry(nil), doc.ViewHistory...)
	return &clone
}

// MockRelationalDriver is an in-memory RelationalDriver for testing.
type MockRelationalDriver struct {
	mu            sync.RWMutex
	profiles      map[string]*UserProfile
	subscriptions map[int64]*Subscription
	nextSubID     int64

	FailConnect error
	FailPing    error
	FailCreate  error
	FailGet     error
	FailUpdate  error
	FailDelete  error
}

var _ RelationalDriver = (*MockRelationalDriver)(nil)

// NewMockRelationalDriver creates an empty in-memory relational driver.
func NewMockRelationalDriver() *MockRelationalDriver {
	return &MockRelationalDriver{
		profiles:      make(map[string]*UserProfile),
		subscriptions: make(map[int64]*Subscription),
	}
}

func (m *MockRelationalDriver) Connect(ctx context.Context) error { return m.FailConnect }
func (m *MockRelationalDriver) Ping(ctx context.Context) error    { return m.FailPing }
func (m *MockRelationalDriver) Migrate(ctx context.Context) error { return nil }
func (m *MockRelationalDriver) Close() error                      { return nil }

func (m *MockRelationalDriver) CreateUserProfile(ctx context.Context, create *UserProfile) error {
	if m.FailCreate != nil {
		return m.FailCreate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[create.UserID]; ok {
		return ErrDuplicate
	}
	for _, p := range m.profiles {
		if p.TelegramUserID == create.TelegramUserID {
			return ErrDuplicate
		}
	}
	p := *create
	m.profiles[create.UserID] = &p
	return nil
}

func (m *MockRelationalDriver) GetUserProfile(ctx context.Context, find *FindUserProfile) (*UserProfile, error) {
	if m.FailGet != nil {
		return nil, m.FailGet
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles {
		if find.UserID != nil && p.UserID != *find.UserID {
			continue
		}
		if find.TelegramUserID != nil && p.TelegramUserID != *find.TelegramUserID {
			continue
		}
		profile := *p
		return &profile, nil
	}
	return nil, ErrNotFound
}

func (m *MockRelationalDriver) UpdateUserProfile(ctx context.Context, update *UpdateUserProfile) (*UserProfile, error) {
	if m.FailUpdate != nil {
		return nil, m.FailUpdate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[update.UserID]
	if !ok {
		return nil, ErrNotFound
	}
	if update.Username != nil {
		p.Username = *update.Username
	}
	if update.FirstName != nil {
		p.FirstName = *update.FirstName
	}
	if update.LastName != nil {
		p.LastName = *update.LastName
	}
	if update.LanguageCode != nil {
		p.LanguageCode = *update.LanguageCode
	}
	if update.LastLogin != nil {
		p.LastLogin = *update.LastLogin
	}
	if update.IsActive != nil {
		p.IsActive = *update.IsActive
	}
	profile := *p
	return &profile, nil
}

func (m *MockRelationalDriver) DeleteUserProfile(ctx context.Context, userID string) error {
	if m.FailDelete != nil {
		return m.FailDelete
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[userID]; !ok {
		return ErrNotFound
	}
	delete(m.profiles, userID)
	return nil
}

func (m *MockRelationalDriver) CreateSubscription(ctx context.Context, create *Subscription) (*Subscription, error) {
	if m.FailCreate != nil {
		return nil, m.FailCreate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	sub := *create
	sub.ID = m.nextSubID
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	m.subscriptions[sub.ID] = &sub
	out := sub
	return &out, nil
}

// GetSubscription returns the newest matching record, mirroring the SQL
// drivers' ORDER BY id DESC LIMIT 1.
func (m *MockRelationalDriver) GetSubscription(ctx context.Context, find *FindSubscription) (*Subscription, error) {
	if m.FailGet != nil {
		return nil, m.FailGet
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *Subscription
	for _, sub := range m.subscriptions {
		if find.ID != nil && sub.ID != *find.ID {
			continue
		}
		if find.UserID != nil && sub.UserID != *find.UserID {
			continue
		}
		if find.Status != nil && sub.Status != *find.Status {
			continue
		}
		if newest == nil || sub.ID > newest.ID {
			newest = sub
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	sub := *newest
	return &sub, nil
}

func (m *MockRelationalDriver) UpdateSubscription(ctx context.Context, update *UpdateSubscription) (*Subscription, error) {
	if m.FailUpdate != nil {
		return nil, m.FailUpdate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[update.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if update.PlanType != nil {
		sub.PlanType = *update.PlanType
	}
	if update.Status != nil {
		sub.Status = *update.Status
	}
	if update.StartDate != nil {
		sub.StartDate = *update.StartDate
	}
	if update.EndDate != nil {
		sub.EndDate = update.EndDate
	}
	sub.UpdatedAt = time.Now()
	out := *sub
	return &out, nil
}
