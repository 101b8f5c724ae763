// Package coordinator sequences per-user event processing and enforces
// the cross-service rules: VIP gating and currency atomicity.
package coordinator

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/metrics"
)

const defaultMaxBufferSize = 100

// insertSeq is the process-wide tiebreak clock. Events with identical
// producer timestamps replay in arrival order.
var insertSeq atomic.Uint64

// BufferedEvent wraps an event with its arrival sequence number.
type BufferedEvent struct {
	Event      eventbus.Event
	InsertedAt uint64
}

type eventHeap []BufferedEvent

func (h *eventHeap) Len() int { return len(*h) }

func (h *eventHeap) Swap(i, j int) { (*h)[i], (*h)[j] = (*h)[j], (*h)[i] }

// Less orders by producer timestamp, then by arrival.
func (h *eventHeap) Less(i, j int) bool {
	lhs, rhs := (*h)[i], (*h)[j]
	if !lhs.Event.Timestamp.Equal(rhs.Event.Timestamp) {
		return lhs.Event.Timestamp.Before(rhs.Event.Timestamp)
	}
	return lhs.InsertedAt < rhs.InsertedAt
}

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(BufferedEvent))
}

func (h *eventHeap) Pop() any {
	n := len(*h)
	x := (*h)[n-1]
	*h = (*h)[0 : n-1]
	return x
}

// userBuffer holds one user's pending events. mu guards the heap;
// drainMu serializes handler invocations so each user observes a total
// order, while adds stay non-blocking during a slow drain.
type userBuffer struct {
	mu      sync.Mutex
	drainMu sync.Mutex
	heap    eventHeap
}

// Buffer reorders each user's events into (timestamp, arrival) order
// before they reach mutating handlers.
type Buffer struct {
	mu    sync.Mutex
	users map[string]*userBuffer

	max     int
	size    atomic.Int64
	bus     eventbus.Publisher
	metrics *metrics.Metrics
}

// NewBuffer creates a buffer holding at most maxSize events per user;
// maxSize <= 0 selects the default of 100.
func NewBuffer(bus eventbus.Publisher, maxSize int, m *metrics.Metrics) *Buffer {
	if maxSize <= 0 {
		maxSize = defaultMaxBufferSize
	}
	return &Buffer{
		users:   make(map[string]*userBuffer),
		max:     maxSize,
		bus:     bus,
		metrics: m,
	}
}

func (b *Buffer) user(userID string) *userBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	ub, ok := b.users[userID]
	if !ok {
		ub = &userBuffer{}
		b.users[userID] = ub
	}
	return ub
}

// Add pushes an event onto the user's heap. When the heap would exceed
// the cap, the oldest entries are dropped. Returns false only when the
// event being added was itself the oldest and got dropped.
func (b *Buffer) Add(userID string, event eventbus.Event) bool {
	ub := b.user(userID)

	ub.mu.Lock()
	defer ub.mu.Unlock()

	heap.Push(&ub.heap, BufferedEvent{
		Event:      event,
		InsertedAt: insertSeq.Add(1),
	})
	b.size.Add(1)

	ok := true
	for ub.heap.Len() > b.max {
		dropped := heap.Pop(&ub.heap).(BufferedEvent)
		b.size.Add(-1)
		b.metrics.RecordBufferDrop()
		slog.Warn("buffer_overflow: user buffer full, dropping oldest event",
			"user_id", userID,
			"event_id", dropped.Event.ID,
			"event_type", dropped.Event.Type,
		)
		if dropped.Event.ID == event.ID {
			ok = false
		}
	}
	b.metrics.SetBufferedEvents(int(b.size.Load()))
	return ok
}

// Drain pops up to max events in heap order and invokes handler for
// each, serially. A failed or panicking handler drops its event,
// surfaces `event_processing_failed`, and processing continues. Returns
// the number of events consumed from the buffer.
func (b *Buffer) Drain(ctx context.Context, userID string, handler eventbus.Handler, max int) int {
	ub := b.user(userID)

	ub.drainMu.Lock()
	defer ub.drainMu.Unlock()

	consumed := 0
	for consumed < max {
		ub.mu.Lock()
		if ub.heap.Len() == 0 {
			ub.mu.Unlock()
			break
		}
		be := heap.Pop(&ub.heap).(BufferedEvent)
		ub.mu.Unlock()
		b.size.Add(-1)
		b.metrics.SetBufferedEvents(int(b.size.Load()))
		consumed++

		if err := b.invoke(ctx, handler, be.Event); err != nil {
			b.metrics.RecordBufferDrain("failed")
			b.reportFailure(ctx, be.Event, err)
			continue
		}
		b.metrics.RecordBufferDrain("ok")
	}
	return consumed
}

// invoke shields the drain loop from handler panics and treats a
// cancelled context as a failed delivery.
func (b *Buffer) invoke(ctx context.Context, handler eventbus.Handler, event eventbus.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return handler(ctx, event)
}

func (b *Buffer) reportFailure(ctx context.Context, event eventbus.Event, cause error) {
	slog.Error("event_processing_failed: dropping event",
		"user_id", event.UserID,
		"event_id", event.ID,
		"event_type", event.Type,
		"error", cause,
	)
	if b.bus == nil {
		return
	}
	failure, err := eventbus.New(eventbus.EventProcessingFailed, event.UserID, eventbus.ProcessingFailedPayload{
		SourceEventID: event.ID,
		SourceType:    event.Type,
		Error:         cause.Error(),
	})
	if err != nil {
		return
	}
	if err := b.bus.Emit(ctx, failure); err != nil {
		slog.Error("emitting event_processing_failed", "error", err)
	}
}

// PeekNextTimestamp returns the timestamp of the next event the user's
// drain would observe.
func (b *Buffer) PeekNextTimestamp(userID string) (time.Time, bool) {
	ub := b.user(userID)
	ub.mu.Lock()
	defer ub.mu.Unlock()
	if ub.heap.Len() == 0 {
		return time.Time{}, false
	}
	return ub.heap[0].Event.Timestamp, true
}

// HasEvents reports whether the user has buffered events.
func (b *Buffer) HasEvents(userID string) bool {
	ub := b.user(userID)
	ub.mu.Lock()
	defer ub.mu.Unlock()
	return ub.heap.Len() > 0
}

// Status returns the buffered event count per user with at least one
// pending event.
func (b *Buffer) Status() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]int)
	for userID, ub := range b.users {
		ub.mu.Lock()
		if n := ub.heap.Len(); n > 0 {
			out[userID] = n
		}
		ub.mu.Unlock()
	}
	return out
}
