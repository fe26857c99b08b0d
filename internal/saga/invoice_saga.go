package saga

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/invoicing-service/internal/audit"
	"github.com/ledgerline/invoicing-service/internal/events"
	"github.com/ledgerline/invoicing-service/internal/inventory"
	"github.com/ledgerline/invoicing-service/internal/invoice"
	"github.com/ledgerline/invoicing-service/internal/resilience"
)

// Step names, recorded in CompletedSteps and in dead letters.
const (
	StepReserveInventory = "RESERVE_INVENTORY"
	StepCreateInvoice    = "CREATE_INVOICE"
	StepLogAudit         = "LOG_AUDIT"
	StepPublishEvent     = "PUBLISH_EVENT"

	// StepAcquireLock marks a failure before the first real step.
	StepAcquireLock = "ACQUIRE_LOCK"

	compensationReason = "saga_compensation"
)

// Collaborator surfaces, defined here so tests and wiring can substitute them.

type InventoryService interface {
	Reserve(ctx context.Context, merchantID string, items []inventory.Item, sagaID string) error
	Release(ctx context.Context, merchantID string, items []inventory.Item, sagaID, reason string) error
}

type InvoiceStore interface {
	Create(ctx context.Context, inv *invoice.Invoice) error
	Cancel(ctx context.Context, invoiceID string) error
}

type AuditLogger interface {
	Log(ctx context.Context, entry audit.Entry) (string, error)
}

type EventPublisher interface {
	PublishInvoiceCreated(ctx context.Context, meta events.Meta, inv *invoice.Invoice, sagaID string) error
	PublishInvoiceCreationFailed(ctx context.Context, meta events.Meta, sagaID, merchantID, failedStep, reason string) error
}

type DeadLetterer interface {
	Enqueue(dl events.DeadLetter)
}

// Locker serializes sagas on a named resource. Optional.
type Locker interface {
	WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// CreateInvoiceData is the input of one invoice-creation saga.
type CreateInvoiceData struct {
	MerchantID  string
	CustomerID  string
	ActorID     string
	Items       []invoice.LineItem
	TotalAmount float64

	CorrelationID string

	// LockResource, when set, serializes the forward path on that resource
	// (e.g. per-merchant invoice numbering). Requires a Locker to be wired.
	LockResource string
	LockTTL      time.Duration
}

// InvoiceCreationSaga coordinates the invoice-creation workflow:
// reserve inventory, create the invoice transactionally, then the best-effort
// side effects. Critical failures compensate in reverse order.
type InvoiceCreationSaga struct {
	inventory   InventoryService
	invoices    InvoiceStore
	auditor     AuditLogger
	publisher   EventPublisher
	deadLetters DeadLetterer
	locks       Locker
	guard       resilience.Guard
	logger      *log.Logger
}

// Config wires the saga's collaborators. Inventory, Invoices, Auditor,
// Publisher and DeadLetters are required; Locks and Guard are optional.
type Config struct {
	Inventory   InventoryService
	Invoices    InvoiceStore
	Auditor     AuditLogger
	Publisher   EventPublisher
	DeadLetters DeadLetterer
	Locks       Locker

	// Guard wraps the inventory reservation call (breaker/retry/bulkhead).
	Guard resilience.Guard

	Logger *log.Logger
}

func NewInvoiceCreationSaga(cfg Config) *InvoiceCreationSaga {
	return &InvoiceCreationSaga{
		inventory:   cfg.Inventory,
		invoices:    cfg.Invoices,
		auditor:     cfg.Auditor,
		publisher:   cfg.Publisher,
		deadLetters: cfg.DeadLetters,
		locks:       cfg.Locks,
		guard:       cfg.Guard,
		logger:      cfg.Logger,
	}
}

// Execute runs the saga to completion. It never returns a partial success:
// either the invoice exists and Result.Success is true, or every completed
// critical step has been compensated (failures of the compensators themselves
// land in the dead-letter destination).
func (s *InvoiceCreationSaga) Execute(ctx context.Context, data CreateInvoiceData) Result {
	inst := &Instance{
		ID:   uuid.NewString(),
		Data: map[string]any{"merchantId": data.MerchantID},
	}

	if data.LockResource == "" || s.locks == nil {
		return s.run(ctx, inst, data)
	}

	ttl := data.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}

	var res Result
	err := s.locks.WithLock(ctx, data.LockResource, ttl, func(ctx context.Context) error {
		res = s.run(ctx, inst, data)
		return nil
	})
	if err != nil {
		s.logger.Printf("saga: lock failed saga=%s resource=%s err=%v", inst.ID, data.LockResource, err)
		return Result{SagaID: inst.ID, FailedStep: StepAcquireLock, Err: err}
	}
	return res
}

func (s *InvoiceCreationSaga) run(ctx context.Context, inst *Instance, data CreateInvoiceData) Result {
	for _, step := range s.steps(data) {
		err := step.Execute(ctx, inst)
		if err == nil {
			inst.markCompleted(step.Name)
			continue
		}

		if !step.Critical {
			s.logger.Printf("saga: best-effort step failed saga=%s step=%s err=%v", inst.ID, step.Name, err)
			s.deadLetters.Enqueue(events.DeadLetter{
				SagaID:    inst.ID,
				Step:      step.Name,
				Reason:    "best-effort step failed",
				LastError: err.Error(),
				Payload:   inst.snapshot(),
			})
			continue
		}

		s.logger.Printf("saga: critical step failed saga=%s step=%s err=%v", inst.ID, step.Name, err)
		s.compensate(ctx, inst, data, step.Name, err)
		return Result{SagaID: inst.ID, FailedStep: step.Name, Err: err}
	}

	inv, _ := inst.Data["invoice"].(*invoice.Invoice)
	return Result{SagaID: inst.ID, Success: true, Invoice: inv}
}

func (s *InvoiceCreationSaga) steps(data CreateInvoiceData) []Step {
	items := reservationItems(data.Items)

	return []Step{
		{
			Name:     StepReserveInventory,
			Critical: true,
			Execute: func(ctx context.Context, inst *Instance) error {
				reserve := func(ctx context.Context) error {
					return s.inventory.Reserve(ctx, data.MerchantID, items, inst.ID)
				}
				if s.guard != nil {
					return s.guard(ctx, reserve)
				}
				return reserve(ctx)
			},
			Compensate: func(ctx context.Context, inst *Instance) error {
				return s.inventory.Release(ctx, data.MerchantID, items, inst.ID, compensationReason)
			},
		},
		{
			Name:     StepCreateInvoice,
			Critical: true,
			Execute: func(ctx context.Context, inst *Instance) error {
				inv := &invoice.Invoice{
					MerchantID:  data.MerchantID,
					CustomerID:  data.CustomerID,
					Status:      invoice.StatusIssued,
					Items:       data.Items,
					TotalAmount: data.TotalAmount,
				}
				if err := s.invoices.Create(ctx, inv); err != nil {
					return err
				}
				inst.Data["invoice"] = inv
				inst.Data["invoiceId"] = inv.ID
				return nil
			},
			Compensate: func(ctx context.Context, inst *Instance) error {
				id, _ := inst.Data["invoiceId"].(string)
				if id == "" {
					return nil
				}
				return s.invoices.Cancel(ctx, id)
			},
		},
		{
			Name: StepLogAudit,
			Execute: func(ctx context.Context, inst *Instance) error {
				inv, _ := inst.Data["invoice"].(*invoice.Invoice)
				auditLogID, err := s.auditor.Log(ctx, audit.Entry{
					EntityType: "invoice",
					EntityID:   inv.ID,
					Action:     "invoice.created",
					ActorID:    data.ActorID,
					Payload: map[string]any{
						"sagaId":      inst.ID,
						"merchantId":  data.MerchantID,
						"totalAmount": data.TotalAmount,
					},
				})
				if err != nil {
					return err
				}
				inst.Data["auditLogId"] = auditLogID
				return nil
			},
			// append-only log, nothing to undo
		},
		{
			Name: StepPublishEvent,
			Execute: func(ctx context.Context, inst *Instance) error {
				inv, _ := inst.Data["invoice"].(*invoice.Invoice)
				return s.publisher.PublishInvoiceCreated(ctx, s.meta(data, inst), inv, inst.ID)
			},
			Compensate: func(ctx context.Context, inst *Instance) error {
				// un-publishing is impossible; the correcting event goes out
				// instead
				return s.publisher.PublishInvoiceCreationFailed(ctx, s.meta(data, inst), inst.ID, data.MerchantID, StepPublishEvent, compensationReason)
			},
		},
	}
}

// compensate walks the completed steps in reverse. A compensator failure is
// never swallowed: it becomes a dead letter carrying the saga id, the step,
// the original error and the accumulated data for operator remediation.
// The abort always ends with a best-effort InvoiceCreationFailed event.
func (s *InvoiceCreationSaga) compensate(ctx context.Context, inst *Instance, data CreateInvoiceData, failedStep string, cause error) {
	steps := s.steps(data)
	byName := make(map[string]Step, len(steps))
	for _, st := range steps {
		byName[st.Name] = st
	}

	for i := len(inst.CompletedSteps) - 1; i >= 0; i-- {
		name := inst.CompletedSteps[i]
		st, ok := byName[name]
		if !ok || st.Compensate == nil {
			continue
		}
		if err := st.Compensate(ctx, inst); err != nil {
			s.logger.Printf("saga: compensation failed saga=%s step=%s err=%v", inst.ID, name, err)
			payload := inst.snapshot()
			payload["failedStep"] = failedStep
			payload["originalError"] = cause.Error()
			s.deadLetters.Enqueue(events.DeadLetter{
				SagaID:    inst.ID,
				Step:      name,
				Reason:    "compensation failed",
				LastError: err.Error(),
				Payload:   payload,
			})
			continue
		}
		s.logger.Printf("saga: compensated saga=%s step=%s", inst.ID, name)
	}

	if err := s.publisher.PublishInvoiceCreationFailed(ctx, s.meta(data, inst), inst.ID, data.MerchantID, failedStep, cause.Error()); err != nil {
		s.deadLetters.Enqueue(events.DeadLetter{
			SagaID:    inst.ID,
			Step:      failedStep,
			Reason:    "failure event publish failed",
			LastError: err.Error(),
			Payload:   inst.snapshot(),
		})
	}
}

func (s *InvoiceCreationSaga) meta(data CreateInvoiceData, inst *Instance) events.Meta {
	return events.Meta{
		CorrelationID: data.CorrelationID,
		CausationID:   inst.ID,
		PartitionKey:  data.MerchantID,
	}
}

func reservationItems(lines []invoice.LineItem) []inventory.Item {
	items := make([]inventory.Item, 0, len(lines))
	for _, l := range lines {
		items = append(items, inventory.Item{SKU: l.SKU, Quantity: l.Quantity})
	}
	return items
}
