package natsjs

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
)

var outboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailsync_outbox_messages_total",
	Help: "Outbox messages handled by result",
}, []string{"result"})

// Defaults for outbox dispatch
const (
	DefaultBatchSize    = 100
	DefaultRetryBackoff = 10 * time.Second
)

// EventPublisher publishes one message with a dedup id
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Outbox is the store side of the outbox
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// DispatchSummary counts one dispatch pass
type DispatchSummary struct {
	Published int `json:"published"`
	Retried   int `json:"retried"`
}

// Dispatcher moves pending outbox rows to the stream. A row is published
// at least once; the stable msg id lets JetStream drop repeats.
type Dispatcher struct {
	outbox    Outbox
	publisher EventPublisher
	batchSize int
	backoff   time.Duration
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher with the default batch and backoff
func NewDispatcher(outbox Outbox, publisher EventPublisher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		outbox:    outbox,
		publisher: publisher,
		batchSize: DefaultBatchSize,
		backoff:   DefaultRetryBackoff,
		logger:    logger.With().Str("component", "outbox").Logger(),
	}
}

// Dispatch publishes pending messages until the outbox is drained, a
// publish fails or ctx is done
func (d *Dispatcher) Dispatch(ctx context.Context) (DispatchSummary, error) {
	var sum DispatchSummary
	for {
		messages, err := d.outbox.DequeueOutbox(ctx, d.batchSize)
		if err != nil {
			return sum, err
		}
		if len(messages) == 0 {
			return sum, nil
		}

		failed := false
		for _, msg := range messages {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			if err := d.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.logger.Warn().Err(err).Int64("outbox_id", msg.ID).Str("subject", msg.Subject).Msg("publish failed, retrying later")
				outboxPublished.WithLabelValues("retry").Inc()
				if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, d.backoff); err != nil {
					return sum, err
				}
				sum.Retried++
				failed = true
				continue
			}
			if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
				d.logger.Error().Err(err).Int64("outbox_id", msg.ID).Msg("failed to mark message published")
				return sum, err
			}
			outboxPublished.WithLabelValues("published").Inc()
			sum.Published++
		}
		if failed || len(messages) < d.batchSize {
			return sum, nil
		}
	}
}
