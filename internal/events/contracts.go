package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgerline/invoicing-service/internal/invoice"
)

const (
	EventTypeInvoiceCreated        = "InvoiceCreated"
	EventTypeInvoiceCreationFailed = "InvoiceCreationFailed"

	invoiceCreatedSchema        = "invoicing.events.invoice-created.v1"
	invoiceCreationFailedSchema = "invoicing.events.invoice-creation-failed.v1"
)

// EventEnvelope is the shared envelope for v1 event contracts.
type EventEnvelope struct {
	EventName     string          `json:"eventName"`
	EventVersion  int             `json:"eventVersion"`
	EventID       string          `json:"eventId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Producer      string          `json:"producer"`
	PartitionKey  string          `json:"partitionKey"`
	Sequence      int64           `json:"sequence,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Schema        string          `json:"schema"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (e EventEnvelope) Validate(expectedName string, expectedVersion int) error {
	if e.EventName != expectedName {
		return fmt.Errorf("unexpected eventName %q", e.EventName)
	}
	if e.EventVersion != expectedVersion {
		return fmt.Errorf("unexpected eventVersion %d", e.EventVersion)
	}
	if e.EventID == "" {
		return fmt.Errorf("missing eventId")
	}
	if e.PartitionKey == "" {
		return fmt.Errorf("missing partitionKey")
	}
	return nil
}

type InvoiceLine struct {
	SKU       string  `json:"sku"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

type InvoiceCreatedPayload struct {
	SagaID      string        `json:"sagaId"`
	InvoiceID   string        `json:"invoiceId"`
	MerchantID  string        `json:"merchantId"`
	CustomerID  string        `json:"customerId"`
	Status      string        `json:"status"`
	TotalAmount float64       `json:"totalAmount"`
	Items       []InvoiceLine `json:"items"`
	Timestamp   time.Time     `json:"timestamp"`
}

type InvoiceCreationFailedPayload struct {
	SagaID     string    `json:"sagaId"`
	MerchantID string    `json:"merchantId"`
	FailedStep string    `json:"failedStep"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

type InvoiceCreatedEvent struct {
	EventEnvelope
	Payload InvoiceCreatedPayload `json:"payload"`
}

type InvoiceCreationFailedEvent struct {
	EventEnvelope
	Payload InvoiceCreationFailedPayload `json:"payload"`
}

// Meta carries the tracing identity of one event through the publisher.
type Meta struct {
	CorrelationID string
	CausationID   string
	PartitionKey  string
}

func newInvoiceCreatedEvent(meta Meta, seq int64, producer string, inv *invoice.Invoice, sagaID string, occurredAt time.Time) InvoiceCreatedEvent {
	payload := InvoiceCreatedPayload{
		SagaID:      sagaID,
		InvoiceID:   inv.ID,
		MerchantID:  inv.MerchantID,
		CustomerID:  inv.CustomerID,
		Status:      string(inv.Status),
		TotalAmount: inv.TotalAmount,
		Timestamp:   occurredAt,
	}
	for _, it := range inv.Items {
		payload.Items = append(payload.Items, InvoiceLine{
			SKU:       it.SKU,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	return InvoiceCreatedEvent{
		EventEnvelope: newEnvelope(EventTypeInvoiceCreated, invoiceCreatedSchema, meta, seq, producer, occurredAt),
		Payload:       payload,
	}
}

func newInvoiceCreationFailedEvent(meta Meta, seq int64, producer, sagaID, merchantID, failedStep, reason string, occurredAt time.Time) InvoiceCreationFailedEvent {
	return InvoiceCreationFailedEvent{
		EventEnvelope: newEnvelope(EventTypeInvoiceCreationFailed, invoiceCreationFailedSchema, meta, seq, producer, occurredAt),
		Payload: InvoiceCreationFailedPayload{
			SagaID:     sagaID,
			MerchantID: merchantID,
			FailedStep: failedStep,
			Reason:     reason,
			Timestamp:  occurredAt,
		},
	}
}
