package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/driftwood-hq/mailsync/internal/model"
	"github.com/driftwood-hq/mailsync/internal/store"
)

const streamName = "MAILSYNC"

// TriggerEvent is a sync request delivered over the bus, e.g. from the
// OAuth callback handler after an account is linked.
type TriggerEvent struct {
	AccountID string         `json:"account_id"`
	UserID    string         `json:"user_id"`
	SyncMode  model.SyncMode `json:"sync_mode"`
	Trigger   model.Trigger  `json:"trigger"`
}

// Bus wraps NATS JetStream: publishing outbox events with msg-id dedup
// and subscribing to sync trigger events.
type Bus struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *logrus.Logger
}

// Connect connects to NATS and obtains a JetStream context.
func Connect(url string, log *logrus.Logger) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("getting JetStream context: %w", err)
	}

	return &Bus{nc: nc, js: js, log: log}, nil
}

// EnsureStream creates the MAILSYNC stream if it does not exist yet.
func (b *Bus) EnsureStream(ctx context.Context) error {
	if info, err := b.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"mail.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("creating stream: %w", err)
	}
	return nil
}

// Publish publishes a payload with a JetStream dedup msg-id.
func (b *Bus) Publish(subject string, payload []byte, msgID string) error {
	_, err := b.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// SubscribeTriggers consumes mail.sync.trigger events and hands each
// decoded request to fn. Decode failures are logged and dropped; a
// malformed trigger must not wedge the subscription.
func (b *Bus) SubscribeTriggers(fn func(TriggerEvent)) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe("mail.sync.trigger", func(msg *nats.Msg) {
		var ev TriggerEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.WithError(err).Warn("dropping malformed sync trigger")
			return
		}
		if ev.Trigger == "" {
			ev.Trigger = model.TriggerEvent
		}
		if ev.SyncMode == "" {
			ev.SyncMode = model.ModeIncremental
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to sync triggers: %w", err)
	}
	return sub, nil
}

// Close closes the NATS connection.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// Dispatcher drains the transactional outbox to JetStream. It runs as a
// background loop owned by main.
type Dispatcher struct {
	store *store.Store
	bus   *Bus
	log   *logrus.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(s *store.Store, b *Bus, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{store: s, bus: b, log: log}
}

// Run dispatches outbox messages until ctx is cancelled. Failed
// publishes are retried with a fixed delay; the outbox row survives
// until delivery succeeds.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, 100)
		if err != nil {
			d.log.WithError(err).Error("dequeuing outbox")
			sleepCtx(ctx, time.Second)
			continue
		}

		if len(messages) == 0 {
			sleepCtx(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.bus.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.WithError(err).WithField("outbox_id", msg.ID).Warn("publish failed, scheduling retry")
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.log.WithError(err).WithField("outbox_id", msg.ID).Error("marking outbox published")
			}
		}
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
