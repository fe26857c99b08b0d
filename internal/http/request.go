package httpapi

import (
	"math"

	"github.com/go-playground/validator/v10"

	"github.com/ledgerline/invoicing-service/internal/invoice"
)

type createInvoiceItem struct {
	SKU         string  `json:"sku" validate:"required"`
	Description string  `json:"description"`
	Quantity    int     `json:"quantity" validate:"required,gt=0"`
	UnitPrice   float64 `json:"unitPrice" validate:"required,gt=0"`
}

type createInvoiceRequest struct {
	MerchantID  string              `json:"merchantId" validate:"required"`
	CustomerID  string              `json:"customerId" validate:"required"`
	ActorID     string              `json:"actorId"`
	TotalAmount float64             `json:"totalAmount" validate:"required,gt=0"`
	Items       []createInvoiceItem `json:"items" validate:"required,min=1,dive"`
}

func (r createInvoiceRequest) lineItems() []invoice.LineItem {
	items := make([]invoice.LineItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, invoice.LineItem{
			SKU:         it.SKU,
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}
	return items
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateInvoiceTotal, createInvoiceRequest{})
	return v
}

// validateInvoiceTotal rejects requests whose declared total does not match
// the sum of the line items.
func validateInvoiceTotal(sl validator.StructLevel) {
	req := sl.Current().Interface().(createInvoiceRequest)

	var sum float64
	for _, it := range req.Items {
		sum += float64(it.Quantity) * it.UnitPrice
	}

	if math.Abs(sum-req.TotalAmount) > 0.01 {
		sl.ReportError(req.TotalAmount, "totalAmount", "TotalAmount", "lineitemsum", "")
	}
}
