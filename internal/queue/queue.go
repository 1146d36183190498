// Package queue retries unsynced outbound messages against the relay with
// bounded exponential backoff. It never retries forever: exhausted entries
// turn terminal and are reported, because silent infinite retry hides
// persistent failures from the user.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/store"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/utils/log"
)

// MaxAttempts bounds delivery tries per message.
const MaxAttempts = 3

// DefaultBase is the first retry delay; it doubles per attempt.
const DefaultBase = 2 * time.Second

// ErrDrainInProgress signals that a drain was requested while one was
// already running. It is a no-op, not a queued request.
var ErrDrainInProgress = errors.New("queue: drain already running")

// State of one queue entry.
type State int

const (
	StatePending State = iota
	StateRetrying
	StateFailed
	StateAcknowledged
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

// Entry tracks retry bookkeeping for one message id.
type Entry struct {
	MessageID string
	State     State
	Attempts  int
	NextRetry time.Time
}

// NextDelay is the pure backoff schedule: base × 2^(attempt-1) after the
// given attempt number has failed.
func NextDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return base << (attempt - 1)
}

// SendFunc delivers one stored message to the relay; it returns nil only
// after the relay durably accepted the message.
type SendFunc func(ctx context.Context, msg *model.LocalMessage) error

// FailureFunc is notified exactly once when an entry turns terminal.
type FailureFunc func(messageID string, err error)

// Queue coordinates drains over everything the store reports unsynced.
type Queue struct {
	store     store.Store
	send      SendFunc
	base      time.Duration
	onFailure FailureFunc

	mu      sync.Mutex
	entries map[string]*Entry

	drainMu sync.Mutex

	now func() time.Time
}

func New(st store.Store, send SendFunc, base time.Duration, onFailure FailureFunc) *Queue {
	if base <= 0 {
		base = DefaultBase
	}
	return &Queue{
		store:     st,
		send:      send,
		base:      base,
		onFailure: onFailure,
		entries:   make(map[string]*Entry),
		now:       time.Now,
	}
}

// Start runs periodic drains until ctx is cancelled.
func (q *Queue) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
					log.Warn("queue drain failed", zap.Error(err))
				}
			}
		}
	}()
}

// Drain makes one pass over the unsynced messages. Only one drain runs at a
// time; a call overlapping another returns ErrDrainInProgress and does
// nothing.
func (q *Queue) Drain(ctx context.Context) error {
	if !q.drainMu.TryLock() {
		return ErrDrainInProgress
	}
	defer q.drainMu.Unlock()

	msgs, err := q.store.GetUnsynced(ctx)
	if err != nil {
		return fmt.Errorf("list unsynced: %w", err)
	}

	for i := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.process(ctx, &msgs[i])
	}
	return nil
}

// Retry re-arms a terminally failed message for another round of attempts.
// Explicitly user-triggered; nothing re-arms automatically.
func (q *Queue) Retry(ctx context.Context, messageID string) error {
	if err := q.store.ClearFailed(ctx, messageID); err != nil {
		return err
	}

	q.mu.Lock()
	q.entries[messageID] = &Entry{MessageID: messageID, State: StatePending}
	q.mu.Unlock()
	return nil
}

// Entry returns a snapshot of the bookkeeping for one message id.
func (q *Queue) Entry(messageID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[messageID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (q *Queue) process(ctx context.Context, msg *model.LocalMessage) {
	q.mu.Lock()
	e, ok := q.entries[msg.ID]
	if !ok {
		e = &Entry{MessageID: msg.ID, State: StatePending}
		q.entries[msg.ID] = e
	}
	if e.State == StateFailed || q.now().Before(e.NextRetry) {
		q.mu.Unlock()
		return
	}
	e.State = StateRetrying
	e.Attempts++
	attempt := e.Attempts
	q.mu.Unlock()

	err := q.send(ctx, msg)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		e.State = StateAcknowledged
		delete(q.entries, msg.ID)
		return
	}

	if attempt >= MaxAttempts {
		e.State = StateFailed
		log.Warn("message delivery failed permanently",
			zap.String("message_id", msg.ID),
			zap.Int("attempts", attempt),
			zap.Error(err))
		if markErr := q.store.MarkFailed(ctx, msg.ID); markErr != nil {
			log.Error("mark failed", zap.String("message_id", msg.ID), zap.Error(markErr))
		}
		if q.onFailure != nil {
			go q.onFailure(msg.ID, err)
		}
		return
	}

	e.NextRetry = q.now().Add(NextDelay(q.base, attempt))
	log.Debug("message delivery attempt failed",
		zap.String("message_id", msg.ID),
		zap.Int("attempt", attempt),
		zap.Time("next_retry", e.NextRetry),
		zap.Error(err))
}
