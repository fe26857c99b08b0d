package saga

import (
	"context"

	"github.com/ledgerline/invoicing-service/internal/invoice"
)

// Step is one unit of a saga. Critical steps abort the saga on failure and
// trigger compensation of everything completed before them. Best-effort steps
// record their failure and let the saga continue.
type Step struct {
	Name     string
	Critical bool

	Execute func(ctx context.Context, inst *Instance) error

	// Compensate undoes the step after a later critical failure. Nil means
	// there is nothing to undo.
	Compensate func(ctx context.Context, inst *Instance) error
}

// Instance is the in-memory state of one saga run. It lives for a single
// request and is discarded afterwards; CompletedSteps is the sole source of
// truth for which compensations must run.
type Instance struct {
	ID             string
	CompletedSteps []string
	Data           map[string]any
}

func (i *Instance) markCompleted(name string) {
	i.CompletedSteps = append(i.CompletedSteps, name)
}

// snapshot copies the accumulated data for a dead-letter payload, so later
// mutation of the instance does not race with asynchronous delivery.
func (i *Instance) snapshot() map[string]any {
	out := make(map[string]any, len(i.Data)+1)
	for k, v := range i.Data {
		out[k] = v
	}
	return out
}

// Result is what the orchestrator hands back to the business layer.
type Result struct {
	SagaID     string
	Success    bool
	Invoice    *invoice.Invoice
	FailedStep string
	Err        error
}
