package eventbus

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/metrics"
)

// queuedEvent pairs an event with the topic it was bound for, so a drain
// can republish on the original channel.
type queuedEvent struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

// localQueue is the bounded FIFO that absorbs publishes while the broker
// is unreachable. It is persisted as one JSON object per line and is
// rewritten on every enqueue batch and on shutdown; dequeues are only
// persisted at drain boundaries, so a crash mid-drain redelivers.
type localQueue struct {
	mu      sync.Mutex
	events  []queuedEvent
	max     int
	path    string
	metrics *metrics.Metrics
}

func newLocalQueue(path string, max int, m *metrics.Metrics) *localQueue {
	return &localQueue{
		max:     max,
		path:    path,
		metrics: m,
	}
}

// restore loads the persisted queue. A malformed line ends the readable
// prefix: everything after it is discarded and the file is rewritten.
func (q *localQueue) restore() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "open queue file")
	}
	defer f.Close()

	var (
		restored  []queuedEvent
		truncated bool
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var qe queuedEvent
		if err := json.Unmarshal(line, &qe); err != nil {
			slog.Warn("local queue file has a malformed tail, truncating",
				"path", q.path,
				"restored", len(restored),
				"error", err,
			)
			truncated = true
			break
		}
		restored = append(restored, qe)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read queue file")
	}

	if len(restored) > q.max {
		dropped := len(restored) - q.max
		restored = restored[dropped:]
		truncated = true
		slog.Warn("restored local queue exceeds cap, dropping oldest",
			"dropped", dropped,
			"max", q.max,
		)
	}
	q.events = restored
	q.metrics.SetQueueDepth(len(q.events))

	if truncated {
		return q.persistLocked()
	}
	return nil
}

// enqueue appends events, evicting oldest entries beyond the cap, and
// persists the new state.
func (q *localQueue) enqueue(qes ...queuedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(q.events, qes...)
	if over := len(q.events) - q.max; over > 0 {
		for _, qe := range q.events[:over] {
			q.metrics.RecordQueueOverflow()
			slog.Warn("queue_overflow: local queue full, dropping oldest event",
				"topic", qe.Topic,
				"event_id", qe.Event.ID,
				"event_type", qe.Event.Type,
			)
		}
		q.events = q.events[over:]
	}
	q.metrics.SetQueueDepth(len(q.events))

	if err := q.persistLocked(); err != nil {
		slog.Error("persisting local queue", "path", q.path, "error", err)
	}
}

// enqueueFront puts an event back at the head after a failed republish.
func (q *localQueue) enqueueFront(qe queuedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append([]queuedEvent{qe}, q.events...)
	if len(q.events) > q.max {
		q.events = q.events[:q.max]
		q.metrics.RecordQueueOverflow()
	}
	q.metrics.SetQueueDepth(len(q.events))

	if err := q.persistLocked(); err != nil {
		slog.Error("persisting local queue", "path", q.path, "error", err)
	}
}

// dequeue pops the oldest event. It does not persist; callers persist
// once per drain round.
func (q *localQueue) dequeue() (queuedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return queuedEvent{}, false
	}
	qe := q.events[0]
	q.events = q.events[1:]
	q.metrics.SetQueueDepth(len(q.events))
	return qe, true
}

func (q *localQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *localQueue) persist() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistLocked()
}

// persistLocked rewrites the whole file through a temp-and-rename so a
// crash never leaves a half-written queue behind.
func (q *localQueue) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return errors.Wrap(err, "create queue directory")
	}

	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create queue temp file")
	}

	w := bufio.NewWriter(f)
	for _, qe := range q.events {
		line, err := json.Marshal(qe)
		if err != nil {
			f.Close()
			return errors.Wrap(err, "marshal queued event")
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return errors.Wrap(err, "write queue temp file")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "flush queue temp file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close queue temp file")
	}

	return errors.Wrap(os.Rename(tmp, q.path), "replace queue file")
}
