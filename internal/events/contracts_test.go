package events

import (
	"testing"
	"time"

	"github.com/ledgerline/invoicing-service/internal/invoice"
)

func TestInvoiceCreatedEnvelopeSchema(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	meta := Meta{
		CorrelationID: "c0a8e2b6-3c6a-4d7e-9c8f-1f2e3d4c5b6a",
		CausationID:   "0f1e2d3c-4b5a-6978-8899-aabbccddeeff",
		PartitionKey:  "merchant-1",
	}
	inv := &invoice.Invoice{
		ID:          "inv-1",
		MerchantID:  "merchant-1",
		CustomerID:  "customer-1",
		Status:      invoice.StatusIssued,
		TotalAmount: 118,
		Items: []invoice.LineItem{
			{SKU: "sku-1", Quantity: 2, UnitPrice: 50},
		},
	}

	ev := newInvoiceCreatedEvent(meta, 7, "invoicing-service", inv, "saga-1", now)
	if err := ev.Validate(EventTypeInvoiceCreated, 1); err != nil {
		t.Fatalf("envelope validation failed: %v", err)
	}
	if ev.PartitionKey != "merchant-1" || ev.Sequence != 7 {
		t.Fatalf("partition/sequence mismatch: %+v", ev.EventEnvelope)
	}
	if ev.Schema != invoiceCreatedSchema {
		t.Fatalf("unexpected schema %q", ev.Schema)
	}
	if len(ev.Payload.Items) != 1 || ev.Payload.Items[0].SKU != "sku-1" {
		t.Fatalf("payload items mismatch: %+v", ev.Payload.Items)
	}
	if ev.Payload.SagaID != "saga-1" || ev.Payload.Status != "issued" {
		t.Fatalf("payload mismatch: %+v", ev.Payload)
	}

	// mutate to ensure validation catches the wrong name
	ev.EventName = "WrongName"
	if err := ev.Validate(EventTypeInvoiceCreated, 1); err == nil {
		t.Fatal("expected validation error for wrong eventName")
	}
}

func TestInvoiceCreationFailedEnvelopeSchema(t *testing.T) {
	now := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	meta := Meta{PartitionKey: "merchant-2"}

	ev := newInvoiceCreationFailedEvent(meta, 3, "invoicing-service", "saga-9", "merchant-2", "CREATE_INVOICE", "constraint violation", now)
	if err := ev.Validate(EventTypeInvoiceCreationFailed, 1); err != nil {
		t.Fatalf("envelope validation failed: %v", err)
	}
	if ev.Payload.FailedStep != "CREATE_INVOICE" || ev.Payload.Reason != "constraint violation" {
		t.Fatalf("payload mismatch: %+v", ev.Payload)
	}
	if ev.OccurredAt != now || ev.Payload.Timestamp != now {
		t.Fatalf("timestamp mismatch")
	}
}
