package invoice

import "time"

type Status string

const (
	StatusIssued    Status = "issued"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusPaid      Status = "paid"
)

type LineItem struct {
	SKU         string  `json:"sku"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
}

type Invoice struct {
	ID          string     `json:"invoiceId"`
	MerchantID  string     `json:"merchantId"`
	CustomerID  string     `json:"customerId"`
	Status      Status     `json:"status"`
	Items       []LineItem `json:"items"`
	TotalAmount float64    `json:"totalAmount"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
