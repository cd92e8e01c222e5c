// Package queue carries SyncMessages from intake to the workers.
//
// Two backends share one interface: an in-process channel queue for tests
// and single-binary deployments, and NATS JetStream for durable, distributed
// delivery. Both deliver at-least-once; the engine's handlers are idempotent
// by construction.
package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/steveyegge/capsync/internal/types"
)

// Outcome tells the queue what to do with a delivered message.
type Outcome int

const (
	// Ack removes the message; processing finished (successfully or with a
	// permanently-recorded error).
	Ack Outcome = iota
	// Retry redelivers the message after backoff with Attempt incremented.
	Retry
)

// Queue is the durable message transport.
type Queue interface {
	// Publish enqueues one message.
	Publish(ctx context.Context, msg *types.SyncMessage) error

	// Consume delivers messages to fn from `workers` concurrent consumers
	// until ctx is canceled. Messages for the same SourceItemID may be
	// delivered concurrently; per-id serialization is the engine's job.
	Consume(ctx context.Context, workers int, fn func(context.Context, *types.SyncMessage) Outcome) error

	// Depth reports the number of messages held by the queue, where the
	// backend can know it. The in-process queue counts only undelivered
	// messages; JetStream also counts delivered but unacknowledged ones.
	// Used by the reconciler for backpressure.
	Depth() int

	Close() error
}

// retryDelay computes the redelivery delay for an attempt: exponential from
// base, capped at maxDelay, then jittered by ±10% (so a capped delay can run
// up to 10% past maxDelay).
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	const maxDelay = 5 * time.Minute
	d := base << uint(min(attempt, 16))
	if d > maxDelay {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d - d/10 + jitter
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Memory is the in-process queue backend.
type Memory struct {
	base time.Duration

	mu     sync.Mutex
	ch     chan *types.SyncMessage
	timers map[*time.Timer]bool
	closed bool
}

// NewMemory creates an in-process queue. base is the redelivery base delay.
func NewMemory(base time.Duration) *Memory {
	return &Memory{
		base:   base,
		ch:     make(chan *types.SyncMessage, 1024),
		timers: make(map[*time.Timer]bool),
	}
}

// Publish enqueues a message; blocks if the buffer is full.
func (m *Memory) Publish(ctx context.Context, msg *types.SyncMessage) error {
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports buffered messages.
func (m *Memory) Depth() int { return len(m.ch) }

// Consume runs `workers` goroutines delivering messages to fn until ctx is
// canceled.
func (m *Memory) Consume(ctx context.Context, workers int, fn func(context.Context, *types.SyncMessage) Outcome) error {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-m.ch:
					if fn(ctx, msg) == Retry {
						m.redeliver(msg)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// redeliver re-enqueues after backoff with the attempt counter bumped.
func (m *Memory) redeliver(msg *types.SyncMessage) {
	next := *msg
	next.Attempt++
	delay := retryDelay(m.base, next.Attempt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, timer)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		select {
		case m.ch <- &next:
		default:
			// Full buffer under shutdown pressure; the reconciler will
			// repair anything dropped here.
		}
	})
	m.timers[timer] = true
}

// Close stops pending redeliveries.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	return nil
}

var _ Queue = (*Memory)(nil)
