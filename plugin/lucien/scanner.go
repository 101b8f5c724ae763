package lucien

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/store"
)

const (
	scanInterval = 30 * time.Second
	// scanBatch bounds how many due messages one pass promotes.
	scanBatch = 50
)

// Scanner periodically promotes due scheduled messages to sent.
type Scanner struct {
	messenger *Messenger
	interval  time.Duration
	wg        sync.WaitGroup
}

// NewScanner creates a scanner; interval <= 0 selects the 30s default.
func NewScanner(m *Messenger, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = scanInterval
	}
	return &Scanner{messenger: m, interval: interval}
}

// Start runs the scan loop until ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				promoted, err := s.RunOnce(ctx)
				if err != nil {
					slog.Error("scheduled message scan", "error", err)
					continue
				}
				if promoted > 0 {
					slog.Info("promoted scheduled messages", "count", promoted)
				}
			}
		}
	}()
}

// Wait blocks until the scan loop has exited.
func (s *Scanner) Wait() {
	s.wg.Wait()
}

// RunOnce delivers one batch of due pending messages and returns how
// many went out. Messages that fail stay behind with a bumped
// retry_count and an adjusted scheduled_time.
func (s *Scanner) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	pending := store.MessagePending
	limit := scanBatch

	msgs, err := s.messenger.store.ListMessages(ctx, &store.FindMessage{
		Status:    &pending,
		DueBefore: &now,
		Limit:     &limit,
	})
	if err != nil {
		return 0, errors.Wrap(err, "list due messages")
	}

	promoted := 0
	for _, msg := range msgs {
		if err := s.messenger.deliver(ctx, msg); err != nil {
			continue
		}
		promoted++
	}
	return promoted, nil
}
