package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerline/invoicing-service/internal/distlock"
	"github.com/ledgerline/invoicing-service/internal/idempotency"
	"github.com/ledgerline/invoicing-service/internal/inventory"
	"github.com/ledgerline/invoicing-service/internal/invoice"
	"github.com/ledgerline/invoicing-service/internal/resilience"
	"github.com/ledgerline/invoicing-service/internal/saga"
)

// SagaExecutor runs one invoice-creation workflow to completion.
type SagaExecutor interface {
	Execute(ctx context.Context, data saga.CreateInvoiceData) saga.Result
}

// InvoiceReader loads persisted invoices.
type InvoiceReader interface {
	GetByID(ctx context.Context, invoiceID string) (*invoice.Invoice, error)
}

type Handler struct {
	sagas    SagaExecutor
	invoices InvoiceReader
	idem     *idempotency.Store
	validate *validator.Validate
	logger   *log.Logger

	// lockInvoices serializes invoice creation per merchant through the
	// distributed lock.
	lockInvoices bool
}

func NewHandler(sagas SagaExecutor, invoices InvoiceReader, idem *idempotency.Store, logger *log.Logger, lockInvoices bool) *Handler {
	return &Handler{
		sagas:        sagas,
		invoices:     invoices,
		idem:         idem,
		validate:     newValidator(),
		logger:       logger,
		lockInvoices: lockInvoices,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	data := saga.CreateInvoiceData{
		MerchantID:    req.MerchantID,
		CustomerID:    req.CustomerID,
		ActorID:       req.ActorID,
		Items:         req.lineItems(),
		TotalAmount:   req.TotalAmount,
		CorrelationID: middleware.GetReqID(r.Context()),
	}
	if h.lockInvoices {
		data.LockResource = "invoice-creation:" + req.MerchantID
	}

	res := h.sagas.Execute(ctx, data)
	if res.Success {
		writeJSON(w, http.StatusCreated, map[string]any{
			"invoice": res.Invoice,
			"sagaId":  res.SagaID,
		})
		return
	}

	h.logger.Printf("http: invoice creation failed saga=%s step=%s err=%v", res.SagaID, res.FailedStep, res.Err)
	status, msg := mapSagaFailure(res.Err)
	writeJSON(w, status, map[string]any{
		"error":      msg,
		"failedStep": res.FailedStep,
		"sagaId":     res.SagaID,
	})
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID := chi.URLParam(r, "invoiceId")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	inv, err := h.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invoice not found")
			return
		}
		h.logger.Printf("http: load invoice %s: %v", invoiceID, err)
		writeError(w, http.StatusInternalServerError, "failed to load invoice")
		return
	}

	writeJSON(w, http.StatusOK, inv)
}

// InvalidateIdempotencyKey lets an operator clear a cached response so the
// request can be reprocessed. The method/path of the original request default
// to invoice creation.
func (h *Handler) InvalidateIdempotencyKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	method := r.URL.Query().Get("method")
	if method == "" {
		method = http.MethodPost
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/api/invoices"
	}

	if err := h.idem.Invalidate(r.Context(), method, path, key); err != nil {
		h.logger.Printf("http: invalidate idempotency key %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "failed to invalidate key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"invalidated": key})
}

// mapSagaFailure translates a saga error into the client-facing status.
func mapSagaFailure(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, "invoice creation failed"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return http.StatusConflict, "insufficient stock"
	case errors.Is(err, distlock.ErrLockNotAcquired):
		return http.StatusConflict, "resource is locked, retry later"
	case errors.Is(err, resilience.ErrBreakerOpen), errors.Is(err, resilience.ErrBulkheadFull):
		return http.StatusServiceUnavailable, "dependency unavailable, retry later"
	case resilience.IsTransient(err):
		return http.StatusBadGateway, "dependency failure"
	default:
		return http.StatusInternalServerError, "invoice creation failed"
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "lineitemsum" {
			return "totalAmount does not match the sum of line items"
		}
		return "invalid field: " + fe.Field()
	}
	return "invalid request"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
