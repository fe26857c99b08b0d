package httpapi

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ledgerline/invoicing-service/internal/idempotency"
)

func NewRouter(h *Handler, idemStore *idempotency.Store, logger *log.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", h.Health)

	gate := idempotency.Middleware(idemStore, logger, idempotency.Options{Required: true})

	r.Route("/api", func(r chi.Router) {
		r.With(gate).Post("/invoices", h.CreateInvoice)
		r.Get("/invoices/{invoiceId}", h.GetInvoice)
		r.Delete("/idempotency-keys/{key}", h.InvalidateIdempotencyKey)
	})

	return r
}
