package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	q "github.com/iliyamo/mess-backend/internal/queue"
)

// EventPublisher delivers billing events to downstream consumers.
// Publishing is best effort: services log a failure and carry on.
type EventPublisher interface {
	Publish(ctx context.Context, ev q.BillingEvent) error
}

// NoopPublisher drops every event.  It is used when the broker is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, q.BillingEvent) error { return nil }

// AMQPPublisher publishes events to the durable billing queue on RabbitMQ.
// Each call dials, publishes and closes; billing events are rare enough
// that a pooled connection is not worth its reconnect logic.
type AMQPPublisher struct {
	URL string
}

// Publish sends ev as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, ev q.BillingEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal event: %w", err)
	}

	conn, err := amqp.Dial(p.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	// Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(q.BillingQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: queue declare: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", q.BillingQueue, false, false, pub); err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}
	return nil
}

// publishBestEffort sends ev on a detached context with its own timeout so
// a cancelled request does not drop the event, and logs any failure.
func publishBestEffort(ctx context.Context, pub EventPublisher, log *slog.Logger, ev q.BillingEvent) {
	if pub == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := pub.Publish(pctx, ev); err != nil {
		log.Warn("billing event not published", "type", ev.Type, "err", err)
	}
}
