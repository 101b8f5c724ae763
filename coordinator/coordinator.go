package coordinator

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/metrics"
	"github.com/carlostoek/yabot/services/narrative"
	"github.com/carlostoek/yabot/services/subscription"
	"github.com/carlostoek/yabot/services/user"
	"github.com/carlostoek/yabot/store"
)

// drainBatchSize bounds how many buffered events one interaction drains.
const drainBatchSize = 100

// ErrInsufficientFunds is returned when a transaction would take the
// besitos balance below zero.
var ErrInsufficientFunds = errors.New("insufficient funds")

// TxType classifies besitos transactions.
type TxType string

const (
	TxReward   TxType = "reward"
	TxPurchase TxType = "purchase"
	TxPenalty  TxType = "penalty"
	TxBonus    TxType = "bonus"
)

func (t TxType) Valid() bool {
	switch t {
	case TxReward, TxPurchase, TxPenalty, TxBonus:
		return true
	}
	return false
}

// Actions dispatched by ProcessUserInteraction.
const (
	ActionStart        = "start"
	ActionNarrative    = "narrative"
	ActionSubscription = "subscription"
	ActionReaction     = "reaction"
	ActionDecision     = "decision"
)

// Result statuses the chat layer renders as user-facing messages.
const (
	StatusOK                = "ok"
	StatusDropped           = "dropped"
	StatusUnknownAction     = "unknown_action"
	StatusVIPRequired       = "vip_access_required"
	StatusProgressionDenied = "progression_denied"
)

// rewardedReactions earn one besito each.
var rewardedReactions = map[string]struct{}{
	"like":   {},
	"love":   {},
	"besito": {},
}

// Coordinator turns inbound chat updates into workflows across the user,
// subscription and narrative services. It owns the ordering buffer and
// the per-user currency locks.
type Coordinator struct {
	store   *store.Store
	users   *user.Service
	subs    *subscription.Service
	narr    *narrative.Service
	buffer  *Buffer
	bus     eventbus.Publisher
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ narrative.VIPChecker = (*Coordinator)(nil)

func New(st *store.Store, users *user.Service, subs *subscription.Service, narr *narrative.Service, buf *Buffer, bus eventbus.Publisher, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		store:   st,
		users:   users,
		subs:    subs,
		narr:    narr,
		buffer:  buf,
		bus:     bus,
		metrics: m,
		locks:   make(map[string]*sync.Mutex),
	}
}

// ProcessUserInteraction runs one inbound chat update through the
// ordering buffer and dispatches its action. Buffered earlier events
// from the same user are processed first, in timestamp order; the
// returned map is the result for this interaction only.
func (c *Coordinator) ProcessUserInteraction(ctx context.Context, userID, action string, params map[string]any) (map[string]any, error) {
	ev, err := eventbus.New(eventbus.UserInteraction, userID, eventbus.UserInteractionPayload{
		Action:  action,
		Context: params,
	})
	if err != nil {
		return nil, err
	}

	if !c.buffer.Add(userID, ev) {
		return map[string]any{"status": StatusDropped}, nil
	}

	var (
		result    map[string]any
		resultErr error
	)
	c.buffer.Drain(ctx, userID, func(ctx context.Context, drained eventbus.Event) error {
		res, err := c.handleBuffered(ctx, drained)
		if drained.ID == ev.ID {
			result, resultErr = res, err
		}
		return err
	}, drainBatchSize)

	if resultErr != nil {
		return nil, resultErr
	}
	if result == nil {
		// Evicted on overflow, or consumed by a concurrent drain for
		// the same user.
		return map[string]any{"status": StatusDropped}, nil
	}
	return result, nil
}

// handleBuffered dispatches one drained event. Only user interactions
// carry actions; other buffered types pass through untouched.
func (c *Coordinator) handleBuffered(ctx context.Context, ev eventbus.Event) (map[string]any, error) {
	if ev.Type != eventbus.UserInteraction {
		return map[string]any{"status": StatusOK}, nil
	}

	var p eventbus.UserInteractionPayload
	if err := ev.Decode(&p); err != nil {
		return nil, err
	}

	// Republished so subscribers observe interactions in the order the
	// buffer released them.
	if err := c.bus.Emit(ctx, ev); err != nil {
		slog.Warn("emitting event", "event_type", ev.Type, "error", err)
	}

	switch p.Action {
	case ActionStart:
		return c.handleStart(ctx, ev.UserID, p.Context)
	case ActionNarrative:
		return c.handleNarrative(ctx, ev.UserID)
	case ActionSubscription:
		return c.handleSubscription(ctx, ev.UserID)
	case ActionReaction:
		return c.handleReaction(ctx, ev.UserID, p.Context)
	case ActionDecision:
		return c.handleDecision(ctx, ev.UserID, p.Context)
	default:
		slog.Warn("unknown interaction action", "action", p.Action, "user_id", ev.UserID)
		return map[string]any{"status": StatusUnknownAction, "action": p.Action}, nil
	}
}

// handleStart registers the user, or fetches the existing context when
// the user already signed up.
func (c *Coordinator) handleStart(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
	telegramID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parse user id %q", userID)
	}

	uc, err := c.users.CreateUser(ctx, user.PlatformUser{
		ID:           telegramID,
		Username:     stringParam(params, "username"),
		FirstName:    stringParam(params, "first_name"),
		LastName:     stringParam(params, "last_name"),
		LanguageCode: stringParam(params, "language_code"),
	})
	if errors.Is(err, store.ErrDuplicate) {
		uc, err = c.users.GetUserContext(ctx, userID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": StatusOK, "created": false, "user": uc}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": StatusOK, "created": true, "user": uc}, nil
}

// handleNarrative serves the user's current fragment.
func (c *Coordinator) handleNarrative(ctx context.Context, userID string) (map[string]any, error) {
	progress, err := c.narr.GetUserProgress(ctx, userID)
	if err != nil {
		return nil, err
	}

	frag, err := c.narr.GetFragment(ctx, progress.CurrentFragment, userID)
	if errors.Is(err, narrative.ErrVIPAccessRequired) {
		return map[string]any{"status": StatusVIPRequired, "fragment_id": progress.CurrentFragment}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": StatusOK, "fragment": frag}, nil
}

func (c *Coordinator) handleSubscription(ctx context.Context, userID string) (map[string]any, error) {
	active, err := c.subs.CheckStatus(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := map[string]any{"status": StatusOK, "active": active}
	if active {
		sub, err := c.subs.Current(ctx, userID)
		if err != nil {
			return nil, err
		}
		res["plan"] = string(sub.PlanType)
	}
	return res, nil
}

func (c *Coordinator) handleReaction(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
	err := c.ProcessReaction(ctx, userID,
		stringParam(params, "content_id"), stringParam(params, "reaction_type"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": StatusOK}, nil
}

func (c *Coordinator) handleDecision(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
	fragmentID := stringParam(params, "fragment_id")
	choiceID := stringParam(params, "choice_id")

	progress, err := c.narr.UpdateProgress(ctx, userID, fragmentID, choiceID)
	if errors.Is(err, narrative.ErrProgressionDenied) {
		return map[string]any{"status": StatusProgressionDenied, "fragment_id": fragmentID}, nil
	}
	if err != nil {
		return nil, err
	}

	c.emit(ctx, eventbus.DecisionMade, userID, eventbus.DecisionMadePayload{
		FragmentID: fragmentID,
		ChoiceID:   choiceID,
	})
	return map[string]any{
		"status":           StatusOK,
		"current_fragment": progress.CurrentFragment,
		"completion":       progress.CompletionPercentage,
	}, nil
}

// ValidateVIPAccess reports whether the user holds an active vip
// subscription. Emits `vip_access_granted` on a grant; a denial emits
// nothing.
func (c *Coordinator) ValidateVIPAccess(ctx context.Context, userID string) (bool, error) {
	active, err := c.subs.CheckStatus(ctx, userID)
	if err != nil {
		return false, err
	}
	if !active {
		return false, nil
	}

	sub, err := c.subs.Current(ctx, userID)
	if err != nil {
		return false, err
	}
	if sub.PlanType != store.PlanVIP {
		return false, nil
	}

	c.emit(ctx, eventbus.VIPAccessGranted, userID, eventbus.VIPAccessGrantedPayload{})
	return true, nil
}

// ProcessBesitosTransaction applies an atomic balance mutation under the
// user's currency lock. Any delta that would take the balance below zero
// fails with ErrInsufficientFunds and changes nothing; purchases and
// penalties are the types where that legitimately happens. Returns the
// resulting balance.
func (c *Coordinator) ProcessBesitosTransaction(ctx context.Context, userID string, delta int64, txType TxType, description string) (int64, error) {
	if !txType.Valid() {
		return 0, errors.Errorf("invalid transaction type %q", txType)
	}

	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := c.store.GetUserDocument(ctx, userID)
	if err != nil {
		c.metrics.RecordBesitosTransaction(string(txType), "store_failure")
		return 0, errors.Wrap(err, "read balance")
	}

	balance := doc.BesitosBalance + delta
	if balance < 0 {
		c.metrics.RecordBesitosTransaction(string(txType), "insufficient_funds")
		return doc.BesitosBalance, errors.Wrapf(ErrInsufficientFunds, "balance %d, delta %d", doc.BesitosBalance, delta)
	}

	err = c.store.UpdateUserDocument(ctx, &store.UpdateUserDocument{
		UserID:         userID,
		BesitosBalance: &balance,
	})
	if err != nil {
		c.metrics.RecordBesitosTransaction(string(txType), "store_failure")
		return doc.BesitosBalance, errors.Wrap(err, "write balance")
	}

	c.metrics.RecordBesitosTransaction(string(txType), "ok")
	c.emit(ctx, eventbus.BesitosTransaction, userID, eventbus.BesitosTransactionPayload{
		Delta:       delta,
		Type:        string(txType),
		Description: description,
		Balance:     balance,
	})
	if txType == TxReward && delta > 0 {
		c.emit(ctx, eventbus.BesitosAwarded, userID, eventbus.BesitosAwardedPayload{
			Amount: delta,
			Reason: description,
		})
	}
	return balance, nil
}

// ProcessReaction records a reaction and pays the one-besito reward for
// like, love and besito. The hint unlocker subscribes to the emitted
// `reaction_detected`.
func (c *Coordinator) ProcessReaction(ctx context.Context, userID, contentID, reactionType string) error {
	c.emit(ctx, eventbus.ReactionDetected, userID, eventbus.ReactionDetectedPayload{
		ContentID:    contentID,
		ReactionType: reactionType,
	})

	if _, ok := rewardedReactions[reactionType]; !ok {
		return nil
	}
	_, err := c.ProcessBesitosTransaction(ctx, userID, 1, TxReward, "reaction "+reactionType)
	return errors.Wrap(err, "reaction reward")
}

// BufferStatus exposes per-user pending counts for the ops surface.
func (c *Coordinator) BufferStatus() map[string]int {
	return c.buffer.Status()
}

// userLock returns the mutex guarding userID's balance. Locks are never
// removed; the map grows with the set of users seen since start.
func (c *Coordinator) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[userID] = l
	}
	return l
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func (c *Coordinator) emit(ctx context.Context, t eventbus.EventType, userID string, payload any) {
	e, err := eventbus.New(t, userID, payload)
	if err != nil {
		slog.Error("building event", "event_type", t, "error", err)
		return
	}
	if err := c.bus.Emit(ctx, e); err != nil {
		slog.Warn("emitting event", "event_type", t, "error", err)
	}
}
