package lucien

import (
	"context"

	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/store"
)

// Built-in message templates.
const (
	TemplateWelcome   = "welcome"
	TemplateMilestone = "milestone"
)

var templates = map[string]string{
	TemplateWelcome:   "¡Hola $user_name! Soy $bot_name y te acompaño en esta historia. Escribe /historia para empezar.",
	TemplateMilestone: "$user_name, has desbloqueado $checkpoint. Lucien guarda una pista para ti.",
}

// Notifier turns lifecycle events into lucien messages: a welcome on
// registration, a milestone note on each checkpoint.
type Notifier struct {
	messenger *Messenger
	store     *store.Store
}

func NewNotifier(m *Messenger, st *store.Store) *Notifier {
	return &Notifier{messenger: m, store: st}
}

// Register subscribes the notifier to the events it reacts to.
func (n *Notifier) Register(bus *eventbus.Bus) {
	bus.Subscribe(string(eventbus.UserRegistered), n.HandleUserRegistered)
	bus.Subscribe(string(eventbus.NarrativeCheckpointReached), n.HandleCheckpointReached)
}

func (n *Notifier) HandleUserRegistered(ctx context.Context, ev eventbus.Event) error {
	var p eventbus.UserRegisteredPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}

	vars := map[string]string{}
	if p.Username != "" {
		vars["user_name"] = p.Username
	}
	_, err := n.messenger.Send(ctx, ev.UserID, TemplateWelcome, templates[TemplateWelcome], vars)
	return err
}

func (n *Notifier) HandleCheckpointReached(ctx context.Context, ev eventbus.Event) error {
	var p eventbus.CheckpointReachedPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}

	vars := map[string]string{"checkpoint": p.FragmentID}
	if name := n.userName(ctx, ev.UserID); name != "" {
		vars["user_name"] = name
	}
	_, err := n.messenger.Send(ctx, ev.UserID, TemplateMilestone, templates[TemplateMilestone], vars)
	return err
}

// userName resolves the display name from the profile; empty when the
// profile is missing, which leaves the template default in place.
func (n *Notifier) userName(ctx context.Context, userID string) string {
	prof, err := n.store.GetUserProfile(ctx, &store.FindUserProfile{UserID: &userID})
	if err != nil {
		return ""
	}
	if prof.FirstName != "" {
		return prof.FirstName
	}
	return prof.Username
}
