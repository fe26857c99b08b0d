package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ledgerline/invoicing-service/internal/invoice"
	"github.com/ledgerline/invoicing-service/internal/sequence"
)

const (
	EventsExchange = "invoicing.events"

	InvoiceCreatedRoutingKey        = "invoice.created.v1"
	InvoiceCreationFailedRoutingKey = "invoice.creation_failed.v1"

	// DeadLetterQueue holds work that exhausted automated recovery and
	// awaits operator remediation.
	DeadLetterQueue = "invoice.dlq"
)

func declareEventsExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		EventsExchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
}

type Publisher struct {
	ch       *amqp.Channel
	seqRepo  sequence.Repository
	producer string
}

func NewPublisher(conn *amqp.Connection, seqRepo sequence.Repository, producer string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareEventsExchange(ch); err != nil {
		return nil, fmt.Errorf("declare events exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare %s: %w", DeadLetterQueue, err)
	}

	if producer == "" {
		producer = "invoicing-service"
	}

	return &Publisher{ch: ch, seqRepo: seqRepo, producer: producer}, nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

func (p *Publisher) PublishInvoiceCreated(ctx context.Context, meta Meta, inv *invoice.Invoice, sagaID string) error {
	timestamp := time.Now().UTC()

	if meta.PartitionKey == "" {
		meta.PartitionKey = inv.MerchantID
	}
	seq, err := p.seqRepo.NextSequence(ctx, meta.PartitionKey)
	if err != nil {
		return fmt.Errorf("reserve sequence: %w", err)
	}

	ev := newInvoiceCreatedEvent(meta, seq, p.producer, inv, sagaID, timestamp)
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal InvoiceCreated: %w", err)
	}

	return p.publishJSON(ctx, InvoiceCreatedRoutingKey, body)
}

func (p *Publisher) PublishInvoiceCreationFailed(ctx context.Context, meta Meta, sagaID, merchantID, failedStep, reason string) error {
	timestamp := time.Now().UTC()

	if meta.PartitionKey == "" {
		meta.PartitionKey = merchantID
	}
	seq, err := p.seqRepo.NextSequence(ctx, meta.PartitionKey)
	if err != nil {
		return fmt.Errorf("reserve sequence: %w", err)
	}

	ev := newInvoiceCreationFailedEvent(meta, seq, p.producer, sagaID, merchantID, failedStep, reason, timestamp)
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal InvoiceCreationFailed: %w", err)
	}

	return p.publishJSON(ctx, InvoiceCreationFailedRoutingKey, body)
}

// PublishDeadLetter writes directly to the dead-letter queue via the default
// exchange.
func (p *Publisher) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.OccurredAt.IsZero() {
		dl.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(
		pubCtx,
		"", // default exchange
		DeadLetterQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func (p *Publisher) publishJSON(ctx context.Context, routingKey string, body []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(
		pubCtx,
		EventsExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func newEnvelope(eventName, schema string, meta Meta, seq int64, producer string, occurredAt time.Time) EventEnvelope {
	return EventEnvelope{
		EventName:     eventName,
		EventVersion:  1,
		EventID:       uuid.NewString(),
		CorrelationID: meta.CorrelationID,
		CausationID:   meta.CausationID,
		Producer:      producer,
		PartitionKey:  meta.PartitionKey,
		Sequence:      seq,
		OccurredAt:    occurredAt,
		Schema:        schema,
	}
}
