package invoice

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/invoicing-service/internal/optimistic"
)

func TestRepositoryCreate_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()

	inv := &Invoice{
		ID:          "inv-123",
		MerchantID:  "merchant-1",
		CustomerID:  "customer-1",
		TotalAmount: 118.0,
		Items: []LineItem{
			{SKU: "sku-1", Description: "widget", Quantity: 2, UnitPrice: 50.0},
			{SKU: "sku-2", Quantity: 1, UnitPrice: 18.0},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO invoices (id, merchant_id, customer_id, status, total_amount, version, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)).
		WithArgs(inv.ID, inv.MerchantID, inv.CustomerID, "issued", inv.TotalAmount, int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO invoice_items (id, invoice_id, sku, description, quantity, unit_price)
             VALUES ($1, $2, $3, $4, $5, $6)`)).
		WithArgs(sqlmock.AnyArg(), inv.ID, "sku-1", "widget", 2, 50.0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO invoice_items (id, invoice_id, sku, description, quantity, unit_price)
             VALUES ($1, $2, $3, $4, $5, $6)`)).
		WithArgs(sqlmock.AnyArg(), inv.ID, "sku-2", "", 1, 18.0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectCommit()

	require.NoError(t, repo.Create(ctx, inv))
	require.Equal(t, StatusIssued, inv.Status)
	require.Equal(t, int64(1), inv.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCreate_ItemInsertRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)

	inv := &Invoice{
		ID:         "inv-err",
		MerchantID: "merchant-1",
		CustomerID: "customer-1",
		Items:      []LineItem{{SKU: "sku-1", Quantity: 1, UnitPrice: 5}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO invoices`)).
		WithArgs(inv.ID, inv.MerchantID, inv.CustomerID, "issued", 0.0, int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO invoice_items`)).
		WithArgs(sqlmock.AnyArg(), inv.ID, "sku-1", "", 1, 5.0).
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	require.Error(t, repo.Create(context.Background(), inv))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, merchant_id, customer_id, status, total_amount, version, created_at, updated_at
         FROM invoices WHERE id = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCancel_SoftDeletes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE invoices SET status = $2, version = version + 1, updated_at = NOW()
         WHERE id = $1`)).
		WithArgs("inv-1", "cancelled").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM invoice_items WHERE invoice_id = $1`)).
		WithArgs("inv-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, repo.Cancel(context.Background(), "inv-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryApply_VersionRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	next := &Invoice{Status: StatusPaid, TotalAmount: 100}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE invoices SET status = $2, total_amount = $3, version = version + 1, updated_at = NOW()
         WHERE id = $1 AND version = $4`)).
		WithArgs("inv-1", "paid", 100.0, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := repo.Apply(context.Background(), "inv-1", next, 3)
	require.NoError(t, err)
	require.False(t, applied, "stale version must not match any row")
	require.NoError(t, mock.ExpectationsWereMet())
}

// The repository satisfies the optimistic update target contract, and a lost
// race is retried against the freshly read version.
func TestRepositoryOptimisticUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)

	now := time.Now()
	invoiceRows := func(version int64) *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "merchant_id", "customer_id", "status", "total_amount", "version", "created_at", "updated_at",
		}).AddRow("inv-1", "m-1", "c-1", "issued", 100.0, version, now, now)
	}
	itemRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"sku", "description", "quantity", "unit_price"})
	}

	// first round: read version 3, lose the race
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, merchant_id, customer_id, status`)).
		WithArgs("inv-1").WillReturnRows(invoiceRows(3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT sku, description, quantity, unit_price`)).
		WithArgs("inv-1").WillReturnRows(itemRows())
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND version = $4`)).
		WithArgs("inv-1", "paid", 100.0, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// second round: re-read version 4, win
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, merchant_id, customer_id, status`)).
		WithArgs("inv-1").WillReturnRows(invoiceRows(4))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT sku, description, quantity, unit_price`)).
		WithArgs("inv-1").WillReturnRows(itemRows())
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND version = $4`)).
		WithArgs("inv-1", "paid", 100.0, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := optimistic.Update(context.Background(), optimistic.Target[*Invoice](repo), "inv-1",
		func(cur *Invoice) (*Invoice, error) {
			next := *cur
			next.Status = StatusPaid
			return &next, nil
		}, optimistic.Config{MaxRetries: 3})

	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	require.Equal(t, int64(5), got.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}
