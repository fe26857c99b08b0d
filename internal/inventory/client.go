package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ledgerline/invoicing-service/internal/resilience"
)

// ErrInsufficientStock is the business failure: the requested quantities
// cannot be reserved. It aborts the saga but never trips the breaker.
var ErrInsufficientStock = errors.New("insufficient stock")

type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// Client talks to the inventory collaborator. Reserve and Release carry the
// saga id as the idempotency tag, so a retried call dedupes server-side.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type reserveRequest struct {
	MerchantID string `json:"merchantId"`
	SagaID     string `json:"sagaId"`
	Items      []Item `json:"items"`
}

type releaseRequest struct {
	MerchantID string `json:"merchantId"`
	SagaID     string `json:"sagaId"`
	Reason     string `json:"reason"`
	Items      []Item `json:"items"`
}

func (c *Client) Reserve(ctx context.Context, merchantID string, items []Item, sagaID string) error {
	body := reserveRequest{MerchantID: merchantID, SagaID: sagaID, Items: items}
	return c.post(ctx, "/api/inventory/reservations", "reserve-"+sagaID, body)
}

func (c *Client) Release(ctx context.Context, merchantID string, items []Item, sagaID, reason string) error {
	body := releaseRequest{MerchantID: merchantID, SagaID: sagaID, Reason: reason, Items: items}
	return c.post(ctx, "/api/inventory/releases", "release-"+sagaID, body)
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// connection-level failures are retryable by definition
		return resilience.Transient(fmt.Errorf("inventory %s: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInsufficientStock, bytes.TrimSpace(msg))
	case resilience.TransientStatus(resp.StatusCode):
		return resilience.Transient(fmt.Errorf("inventory %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg)))
	default:
		return fmt.Errorf("inventory %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
}
