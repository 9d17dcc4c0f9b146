package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultOutboxSize = 1024
	flushTimeout      = 5 * time.Second
)

var ErrOutboxFull = errors.New("outbox full")

// Outbox buffers events in memory and hands them to a Publisher from Run, so
// PublishMessageSent never waits on the broker. Events still queued when Run
// stops are flushed once before it returns.
type Outbox struct {
	log   *slog.Logger
	pub   Publisher
	queue chan MessageSent
}

func NewOutbox(logger *slog.Logger, pub Publisher, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}

	return &Outbox{
		log:   logger,
		pub:   pub,
		queue: make(chan MessageSent, size),
	}
}

// PublishMessageSent enqueues evt, failing with ErrOutboxFull instead of
// blocking when the queue is at capacity.
func (o *Outbox) PublishMessageSent(_ context.Context, evt MessageSent) error {
	select {
	case o.queue <- evt:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Run publishes queued events until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.flush()
			return nil
		case evt := <-o.queue:
			o.publish(ctx, evt)
		}
	}
}

func (o *Outbox) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		select {
		case evt := <-o.queue:
			o.publish(ctx, evt)
		default:
			return
		}
	}
}

func (o *Outbox) publish(ctx context.Context, evt MessageSent) {
	if err := o.pub.PublishMessageSent(ctx, evt); err != nil {
		o.log.Error("publish event", "type", evt.Type, "event_id", evt.EventId, "room_id", evt.RoomId, "message_id", evt.MessageId, "err", err)
	}
}

// Close closes the underlying publisher. Call it after Run has returned.
func (o *Outbox) Close() error {
	return o.pub.Close()
}
