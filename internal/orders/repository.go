package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// TxRepository exposes the order operations available inside a transaction.
// Inventory returns the ledger bound to the same transaction.
type TxRepository interface {
	CreateInvoice(ctx context.Context, inv Invoice) (int64, error)
	InsertInvoiceLine(ctx context.Context, line InvoiceLine) (int64, error)
	LockInvoice(ctx context.Context, id int64) (Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus, actorID int64, reason string, at time.Time) error

	CreatePurchase(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPurchaseLine(ctx context.Context, line PurchaseLine) (int64, error)
	LockPurchase(ctx context.Context, id int64) (PurchaseOrder, error)
	UpdatePurchaseStatus(ctx context.Context, id int64, status PurchaseStatus, actorID int64, reason string, at time.Time) error

	Inventory() inventory.TxRepository
}

// RepositoryPort abstracts order persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	GetPurchase(ctx context.Context, id int64) (PurchaseOrder, error)
}

// Repository persists orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// rowQuerier is implemented by pools and transactions.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type txRepo struct {
	tx  pgx.Tx
	inv inventory.TxRepository
}

// WithTx runs fn in a read-committed transaction shared with the ledger.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, inv: inventory.NewTxRepository(tx)})
	})
}

func (t *txRepo) Inventory() inventory.TxRepository {
	return t.inv
}

// ============================================================================
// INVOICES
// ============================================================================

const invoiceColumns = `id, number, location_id, status, created_by, COALESCE(cancelled_by, 0),
	COALESCE(cancel_reason, ''), cancelled_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv    Invoice
		status string
	)
	err := row.Scan(&inv.ID, &inv.Number, &inv.LocationID, &status, &inv.CreatedBy, &inv.CancelledBy,
		&inv.CancelReason, &inv.CancelledAt, &inv.CreatedAt, &inv.UpdatedAt)
	inv.Status = InvoiceStatus(status)
	return inv, err
}

func loadInvoice(ctx context.Context, q rowQuerier, id int64, lock bool) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, fmt.Errorf("%w: id %d", ErrInvoiceNotFound, id)
	}
	if err != nil {
		return Invoice{}, err
	}
	rows, err := q.Query(ctx,
		`SELECT id, invoice_id, variant_id, quantity, unit_price FROM invoice_lines WHERE invoice_id = $1 ORDER BY variant_id`, id)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l InvoiceLine
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.VariantID, &l.Quantity, &l.UnitPrice); err != nil {
			return Invoice{}, err
		}
		inv.Lines = append(inv.Lines, l)
	}
	return inv, rows.Err()
}

func (t *txRepo) CreateInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO invoices (number, location_id, status, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5) RETURNING id`,
		inv.Number, inv.LocationID, string(inv.Status), inv.CreatedBy, inv.CreatedAt).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: invoice number %s already used", ErrDuplicateRequest, inv.Number)
		}
		return 0, fmt.Errorf("orders: create invoice: %w", err)
	}
	return id, nil
}

func (t *txRepo) InsertInvoiceLine(ctx context.Context, line InvoiceLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO invoice_lines (invoice_id, variant_id, quantity, unit_price) VALUES ($1, $2, $3, $4) RETURNING id`,
		line.InvoiceID, line.VariantID, line.Quantity, line.UnitPrice).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("orders: insert invoice line: %w", err)
	}
	return id, nil
}

func (t *txRepo) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	return loadInvoice(ctx, t.tx, id, true)
}

func (t *txRepo) UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus, actorID int64, reason string, at time.Time) error {
	var err error
	if status == InvoiceCancelled {
		_, err = t.tx.Exec(ctx,
			`UPDATE invoices SET status = $2, cancelled_by = $3, cancel_reason = $4, cancelled_at = $5, updated_at = $5 WHERE id = $1`,
			id, string(status), actorID, reason, at)
	} else {
		_, err = t.tx.Exec(ctx, `UPDATE invoices SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	}
	if err != nil {
		return fmt.Errorf("orders: update invoice status: %w", err)
	}
	return nil
}

// GetInvoice loads an invoice with its lines.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return loadInvoice(ctx, r.pool, id, false)
}

// ============================================================================
// PURCHASE ORDERS
// ============================================================================

const purchaseColumns = `id, number, location_id, supplier_id, status, created_by, COALESCE(completed_by, 0),
	completed_at, COALESCE(cancelled_by, 0), COALESCE(cancel_reason, ''), cancelled_at, created_at, updated_at`

func scanPurchase(row pgx.Row) (PurchaseOrder, error) {
	var (
		po     PurchaseOrder
		status string
	)
	err := row.Scan(&po.ID, &po.Number, &po.LocationID, &po.SupplierID, &status, &po.CreatedBy, &po.CompletedBy,
		&po.CompletedAt, &po.CancelledBy, &po.CancelReason, &po.CancelledAt, &po.CreatedAt, &po.UpdatedAt)
	po.Status = PurchaseStatus(status)
	return po, err
}

func loadPurchase(ctx context.Context, q rowQuerier, id int64, lock bool) (PurchaseOrder, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchase_orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	po, err := scanPurchase(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, fmt.Errorf("%w: id %d", ErrPurchaseNotFound, id)
	}
	if err != nil {
		return PurchaseOrder{}, err
	}
	rows, err := q.Query(ctx,
		`SELECT id, purchase_order_id, variant_id, quantity, unit_cost FROM purchase_order_lines WHERE purchase_order_id = $1 ORDER BY variant_id`, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l PurchaseLine
		if err := rows.Scan(&l.ID, &l.PurchaseID, &l.VariantID, &l.Quantity, &l.UnitCost); err != nil {
			return PurchaseOrder{}, err
		}
		po.Lines = append(po.Lines, l)
	}
	return po, rows.Err()
}

func (t *txRepo) CreatePurchase(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO purchase_orders (number, location_id, supplier_id, status, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`,
		po.Number, po.LocationID, po.SupplierID, string(po.Status), po.CreatedBy, po.CreatedAt).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: purchase order number %s already used", ErrDuplicateRequest, po.Number)
		}
		return 0, fmt.Errorf("orders: create purchase order: %w", err)
	}
	return id, nil
}

func (t *txRepo) InsertPurchaseLine(ctx context.Context, line PurchaseLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO purchase_order_lines (purchase_order_id, variant_id, quantity, unit_cost) VALUES ($1, $2, $3, $4) RETURNING id`,
		line.PurchaseID, line.VariantID, line.Quantity, line.UnitCost).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("orders: insert purchase line: %w", err)
	}
	return id, nil
}

func (t *txRepo) LockPurchase(ctx context.Context, id int64) (PurchaseOrder, error) {
	return loadPurchase(ctx, t.tx, id, true)
}

func (t *txRepo) UpdatePurchaseStatus(ctx context.Context, id int64, status PurchaseStatus, actorID int64, reason string, at time.Time) error {
	var err error
	switch status {
	case PurchaseCompleted:
		_, err = t.tx.Exec(ctx,
			`UPDATE purchase_orders SET status = $2, completed_by = $3, completed_at = $4, updated_at = $4 WHERE id = $1`,
			id, string(status), actorID, at)
	case PurchaseCancelled:
		_, err = t.tx.Exec(ctx,
			`UPDATE purchase_orders SET status = $2, cancelled_by = $3, cancel_reason = $4, cancelled_at = $5, updated_at = $5 WHERE id = $1`,
			id, string(status), actorID, reason, at)
	default:
		_, err = t.tx.Exec(ctx, `UPDATE purchase_orders SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	}
	if err != nil {
		return fmt.Errorf("orders: update purchase status: %w", err)
	}
	return nil
}

// GetPurchase loads a purchase order with its lines.
func (r *Repository) GetPurchase(ctx context.Context, id int64) (PurchaseOrder, error) {
	return loadPurchase(ctx, r.pool, id, false)
}
