// Package eventbus carries domain events over a Redis pub/sub broker,
// degrading to a durable local queue whenever the broker is unreachable.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/carlostoek/yabot/internal/profile"
	"github.com/carlostoek/yabot/metrics"
)

const (
	publishTimeout = 3 * time.Second
	pingTimeout    = 2 * time.Second
	healthInterval = 5 * time.Second
)

// Handler consumes one event. Returning an error marks the delivery
// failed; the bus logs it and moves on.
type Handler func(ctx context.Context, event Event) error

// Publisher is the narrow emit surface services depend on.
type Publisher interface {
	Emit(ctx context.Context, event Event) error
}

// Bus publishes events to Redis channels and dispatches broker messages
// to local subscribers. While the broker is down the bus stays live:
// publishes are absorbed by the local queue and drained on recovery.
type Bus struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	queue   *localQueue
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string][]Handler
	seen     map[string]map[uintptr]struct{}

	degraded atomic.Bool

	// publishRaw is the broker write path, replaceable in tests.
	publishRaw func(ctx context.Context, channel string, payload []byte) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus builds a bus from the profile. No connection is attempted
// until Connect.
func NewBus(p *profile.Profile, m *metrics.Metrics) (*Bus, error) {
	opts, err := redis.ParseURL(p.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	if p.RedisPassword != "" {
		opts.Password = p.RedisPassword
	}
	if p.RedisMaxConnections > 0 {
		opts.PoolSize = p.RedisMaxConnections
	}
	if !p.RedisRetryOnTimeout {
		opts.MaxRetries = -1
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		client:   redis.NewClient(opts),
		queue:    newLocalQueue(p.QueuePersistenceFile, p.QueueMaxSize, m),
		metrics:  m,
		handlers: make(map[string][]Handler),
		seen:     make(map[string]map[uintptr]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.publishRaw = func(ctx context.Context, channel string, payload []byte) error {
		return b.client.Publish(ctx, channel, payload).Err()
	}
	return b, nil
}

// Connect restores the local queue, probes the broker and starts the
// background loops. A broker failure only marks the bus degraded; the
// returned error is reserved for local-queue restore problems.
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.queue.restore(); err != nil {
		return errors.Wrap(err, "restore local queue")
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := b.client.Ping(pctx).Err()
	cancel()
	if err != nil {
		b.degraded.Store(true)
		slog.Warn("event bus starting degraded, broker unreachable", "error", err)
	} else {
		slog.Info("event bus connected", "queued", b.queue.len())
	}

	b.mu.Lock()
	topics := make([]string, 0, len(b.handlers))
	for topic := range b.handlers {
		topics = append(topics, topic)
	}
	b.pubsub = b.client.Subscribe(b.ctx, topics...)
	b.mu.Unlock()

	b.wg.Add(2)
	go b.readLoop()
	go b.healthLoop()
	return nil
}

// Emit publishes an event on the topic named by its type.
func (b *Bus) Emit(ctx context.Context, event Event) error {
	return b.Publish(ctx, string(event.Type), event)
}

// Publish sends the event to the broker, or to the local queue when the
// broker is down. Acceptance is the at-least-once boundary: once Publish
// returns nil the event is either on the wire or durably queued.
func (b *Bus) Publish(ctx context.Context, topic string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "marshal event %s", event.ID)
	}

	if !b.degraded.Load() {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = b.publishRaw(pctx, topic, payload)
		cancel()
		if err == nil {
			b.metrics.RecordPublish(topic, "broker")
			return nil
		}
		b.degraded.Store(true)
		slog.Warn("broker publish failed, queueing locally",
			"topic", topic,
			"event_type", event.Type,
			"error", err,
		)
	}

	b.queue.enqueue(queuedEvent{Topic: topic, Event: event})
	b.metrics.RecordPublish(topic, "queued")
	return nil
}

// Subscribe registers an async handler for a topic. Registering the same
// function twice on one topic is a no-op.
func (b *Bus) Subscribe(topic string, handler Handler) {
	key := reflect.ValueOf(handler).Pointer()

	b.mu.Lock()
	if b.seen[topic] == nil {
		b.seen[topic] = make(map[uintptr]struct{})
	}
	if _, dup := b.seen[topic][key]; dup {
		b.mu.Unlock()
		return
	}
	b.seen[topic][key] = struct{}{}
	b.handlers[topic] = append(b.handlers[topic], handler)
	pubsub := b.pubsub
	b.mu.Unlock()

	if pubsub != nil {
		if err := pubsub.Subscribe(b.ctx, topic); err != nil {
			slog.Warn("subscribing to broker channel", "topic", topic, "error", err)
		}
	}
}

// Healthy reports whether the broker was reachable at the last check.
func (b *Bus) Healthy() bool {
	return !b.degraded.Load()
}

// QueueDepth returns the number of locally queued events.
func (b *Bus) QueueDepth() int {
	return b.queue.len()
}

// Close makes a final drain attempt, stops the loops and persists
// whatever is still queued.
func (b *Bus) Close() error {
	if !b.degraded.Load() && b.queue.len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		b.drain(ctx)
		cancel()
	}

	b.cancel()
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	b.wg.Wait()

	if err := b.queue.persist(); err != nil {
		slog.Error("persisting local queue on shutdown", "error", err)
	}
	return b.client.Close()
}

// readLoop feeds broker messages to dispatch. The go-redis PubSub
// reconnects and resubscribes on its own after network errors.
func (b *Bus) readLoop() {
	defer b.wg.Done()

	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// dispatch decodes a broker message and hands it to the topic's handlers
// on a separate goroutine, so a slow handler never stalls the reader.
func (b *Bus) dispatch(topic string, payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		slog.Warn("dropping undecodable event", "topic", topic, "error", err)
		return
	}
	if !event.Type.Known() {
		slog.Warn("dropping event of unknown type",
			"topic", topic,
			"event_type", event.Type,
			"event_id", event.ID,
		)
		return
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for _, h := range handlers {
			if err := b.invoke(h, event); err != nil {
				b.metrics.RecordHandlerFailure(topic)
				slog.Error("event handler failed",
					"topic", topic,
					"event_id", event.ID,
					"event_type", event.Type,
					"error", err,
				)
			}
		}
	}()
}

func (b *Bus) invoke(h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h(b.ctx, event)
}

// healthLoop pings the broker and triggers a drain on every down-to-up
// flip.
func (b *Bus) healthLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(b.ctx, pingTimeout)
			err := b.client.Ping(pctx).Err()
			cancel()
			if err != nil {
				if !b.degraded.Swap(true) {
					slog.Warn("broker unreachable, entering degraded mode", "error", err)
				}
				continue
			}
			if b.degraded.Swap(false) {
				slog.Info("broker recovered, draining local queue", "depth", b.queue.len())
				b.drain(b.ctx)
			}
		}
	}
}

// drain republishes queued events in FIFO order. A failed republish puts
// the event back at the head and leaves the rest for the next recovery.
func (b *Bus) drain(ctx context.Context) {
	drained := 0
	for {
		qe, ok := b.queue.dequeue()
		if !ok {
			break
		}

		payload, err := json.Marshal(qe.Event)
		if err != nil {
			slog.Error("dropping unmarshalable queued event", "event_id", qe.Event.ID, "error", err)
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = b.publishRaw(pctx, qe.Topic, payload)
		cancel()
		if err != nil {
			b.queue.enqueueFront(qe)
			b.degraded.Store(true)
			b.metrics.RecordDrainFailure()
			slog.Warn("drain republish failed, backing off",
				"topic", qe.Topic,
				"event_id", qe.Event.ID,
				"error", err,
			)
			break
		}
		drained++
	}

	if drained > 0 {
		b.metrics.RecordDrainedEvents(drained)
		if err := b.queue.persist(); err != nil {
			slog.Error("persisting local queue after drain", "error", err)
		}
		slog.Info("local queue drained", "events", drained, "remaining", b.queue.len())
	}
}
