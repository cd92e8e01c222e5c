package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/steveyegge/capsync/internal/types"
)

const (
	// subjectPrefix namespaces sync subjects within the stream. The item id
	// is the last token, so subject-level interest stays per-item.
	subjectPrefix = "sync"

	// consumerName is the durable pull consumer shared by all workers.
	consumerName = "capsync-workers"

	fetchBatch   = 16
	fetchTimeout = 5 * time.Second
)

// JetStream is the NATS-backed durable queue.
type JetStream struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	base   time.Duration
}

// OpenJetStream connects to NATS and ensures the stream exists; the durable
// consumer is bound in Consume. base is the redelivery base delay.
func OpenJetStream(url, stream string, base time.Duration) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("capsync"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{stream + "." + subjectPrefix + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}

	return &JetStream{nc: nc, js: js, stream: stream, base: base}, nil
}

func (q *JetStream) subject(itemID string) string {
	return q.stream + "." + subjectPrefix + "." + itemID
}

// Publish writes the message to the item's subject.
func (q *JetStream) Publish(ctx context.Context, msg *types.SyncMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal sync message: %w", err)
	}
	_, err = q.js.Publish(q.subject(msg.SourceItemID), data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.SourceItemID, err)
	}
	return nil
}

// Depth reports the stream's pending message count, or 0 if unavailable.
func (q *JetStream) Depth() int {
	info, err := q.js.StreamInfo(q.stream)
	if err != nil {
		return 0
	}
	return int(info.State.Msgs)
}

// Consume runs `workers` goroutines fetching from one shared durable pull
// consumer. Retry is a NakWithDelay so JetStream owns the redelivery clock.
func (q *JetStream) Consume(ctx context.Context, workers int, fn func(context.Context, *types.SyncMessage) Outcome) error {
	sub, err := q.js.PullSubscribe("", consumerName, nats.BindStream(q.stream), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("pull subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchTimeout))
				if err != nil {
					if err == nats.ErrTimeout || ctx.Err() != nil {
						continue
					}
					log.Printf("[queue] fetch: %v", err)
					continue
				}
				for _, m := range msgs {
					q.deliver(ctx, m, fn)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *JetStream) deliver(ctx context.Context, m *nats.Msg, fn func(context.Context, *types.SyncMessage) Outcome) {
	var msg types.SyncMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		log.Printf("[queue] drop undecodable message on %s: %v", m.Subject, err)
		_ = m.Ack()
		return
	}
	if meta, err := m.Metadata(); err == nil {
		msg.Attempt = int(meta.NumDelivered) - 1
	}

	switch fn(ctx, &msg) {
	case Retry:
		if err := m.NakWithDelay(retryDelay(q.base, msg.Attempt+1)); err != nil {
			log.Printf("[queue] nak %s: %v", msg.SourceItemID, err)
		}
	default:
		if err := m.Ack(); err != nil {
			log.Printf("[queue] ack %s: %v", msg.SourceItemID, err)
		}
	}
}

// Close drains the connection.
func (q *JetStream) Close() error {
	return q.nc.Drain()
}

var _ Queue = (*JetStream)(nil)
