package invoice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("invoice not found")

type Repository interface {
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, invoiceID string) (*Invoice, error)

	// Cancel is the saga compensation for a created invoice: the row is kept
	// for the audit trail, only its status flips and its items are removed.
	Cancel(ctx context.Context, invoiceID string) error

	// Fetch and Apply make the repository an optimistic.Target[*Invoice].
	Fetch(ctx context.Context, invoiceID string) (*Invoice, int64, error)
	Apply(ctx context.Context, invoiceID string, next *Invoice, expectedVersion int64) (bool, error)
}

type repo struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repo{db: db}
}

// Create inserts the invoice and all of its line items in one transaction.
// The invoice becomes visible only if every item insert succeeded.
func (r *repo) Create(ctx context.Context, inv *Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = StatusIssued
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	inv.UpdatedAt = inv.CreatedAt
	inv.Version = 1

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO invoices (id, merchant_id, customer_id, status, total_amount, version, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inv.ID, inv.MerchantID, inv.CustomerID, string(inv.Status), inv.TotalAmount, inv.Version, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}

	for _, it := range inv.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO invoice_items (id, invoice_id, sku, description, quantity, unit_price)
             VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), inv.ID, it.SKU, it.Description, it.Quantity, it.UnitPrice,
		)
		if err != nil {
			return fmt.Errorf("insert invoice_item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *repo) GetByID(ctx context.Context, invoiceID string) (*Invoice, error) {
	var inv Invoice
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, merchant_id, customer_id, status, total_amount, version, created_at, updated_at
         FROM invoices WHERE id = $1`,
		invoiceID,
	).Scan(&inv.ID, &inv.MerchantID, &inv.CustomerID, &status, &inv.TotalAmount, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select invoice: %w", err)
	}
	inv.Status = Status(status)

	rows, err := r.db.QueryContext(ctx,
		`SELECT sku, description, quantity, unit_price
         FROM invoice_items WHERE invoice_id = $1`,
		inv.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select invoice_items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.SKU, &it.Description, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan invoice_item: %w", err)
		}
		inv.Items = append(inv.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return &inv, nil
}

func (r *repo) Cancel(ctx context.Context, invoiceID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE invoices SET status = $2, version = version + 1, updated_at = NOW()
         WHERE id = $1`,
		invoiceID, string(StatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("cancel invoice: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM invoice_items WHERE invoice_id = $1`,
		invoiceID,
	)
	if err != nil {
		return fmt.Errorf("delete invoice_items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *repo) Fetch(ctx context.Context, invoiceID string) (*Invoice, int64, error) {
	inv, err := r.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, 0, err
	}
	return inv, inv.Version, nil
}

// Apply writes status and total conditionally on the version column. Zero
// matched rows means another writer got there first.
func (r *repo) Apply(ctx context.Context, invoiceID string, next *Invoice, expectedVersion int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE invoices SET status = $2, total_amount = $3, version = version + 1, updated_at = NOW()
         WHERE id = $1 AND version = $4`,
		invoiceID, string(next.Status), next.TotalAmount, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		next.Version = expectedVersion + 1
	}
	return n == 1, nil
}
