package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/rbac"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// TxRepository exposes the ledger operations available inside a transaction.
type TxRepository interface {
	// LockRecord makes sure the record exists and locks it until the
	// transaction ends. The bool reports whether the record existed before.
	LockRecord(ctx context.Context, locationID, variantID int64) (Record, bool, error)
	SaveRecord(ctx context.Context, rec Record) error
	InsertMovement(ctx context.Context, m Movement) (Movement, error)
	// Savepoint runs fn in a nested transaction that is rolled back on its own
	// when fn fails, leaving the outer transaction usable.
	Savepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// RepositoryPort abstracts ledger persistence for the service and the jobs.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	FindRecord(ctx context.Context, locationID, variantID int64) (Record, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error)
	ListLowStock(ctx context.Context, after Key, limit int) ([]Record, error)
	MarkAlertSent(ctx context.Context, locationID, variantID int64, at time.Time) (bool, error)
	ClearAlert(ctx context.Context, locationID, variantID int64) error
	ResetAlerts(ctx context.Context, olderThan time.Time) (int64, error)
}

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository binds the ledger operations to a transaction owned by the
// caller, so order documents and stock move in the same commit.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

// WithTx executes the callback inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

const recordColumns = `location_id, variant_id, quantity, min_threshold, low_stock_alert_sent, last_alert_sent_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.LocationID, &rec.VariantID, &rec.Quantity, &rec.MinThreshold,
		&rec.LowStockAlertSent, &rec.LastAlertSentAt, &rec.UpdatedAt)
	return rec, err
}

func (r *txRepo) LockRecord(ctx context.Context, locationID, variantID int64) (Record, bool, error) {
	tag, err := r.tx.Exec(ctx,
		`INSERT INTO stock_records (location_id, variant_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		locationID, variantID)
	if err != nil {
		return Record{}, false, fmt.Errorf("inventory: ensure record: %w", err)
	}
	rec, err := scanRecord(r.tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM stock_records WHERE location_id = $1 AND variant_id = $2 FOR UPDATE`,
		locationID, variantID))
	if err != nil {
		return Record{}, false, fmt.Errorf("inventory: lock record: %w", err)
	}
	return rec, tag.RowsAffected() == 0, nil
}

func (r *txRepo) SaveRecord(ctx context.Context, rec Record) error {
	_, err := r.tx.Exec(ctx,
		`UPDATE stock_records
		    SET quantity = $3, min_threshold = $4, low_stock_alert_sent = $5,
		        last_alert_sent_at = $6, updated_at = $7
		  WHERE location_id = $1 AND variant_id = $2`,
		rec.LocationID, rec.VariantID, rec.Quantity, rec.MinThreshold,
		rec.LowStockAlertSent, rec.LastAlertSentAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inventory: save record: %w", err)
	}
	return nil
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) (Movement, error) {
	err := r.tx.QueryRow(ctx,
		`INSERT INTO stock_movements
		   (movement_type, location_id, variant_id, quantity_before, quantity_after, quantity_change,
		    actor_id, actor_kind, actor_operation, reference_type, reference_id, transfer_id, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, '')::uuid, $13, $14)
		 RETURNING id`,
		string(m.Type), m.LocationID, m.VariantID, m.QuantityBefore, m.QuantityAfter, m.QuantityChange,
		m.ActorID, string(m.ActorKind), m.Operation, m.ReferenceType, m.ReferenceID, m.TransferID, m.Notes, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return Movement{}, fmt.Errorf("inventory: insert movement: %w", err)
	}
	return m, nil
}

func (r *txRepo) Savepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("inventory: savepoint: %w", err)
	}
	if err := fn(ctx, &txRepo{tx: sp}); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return sp.Commit(ctx)
}

// FindRecord returns the record or ErrRecordNotFound.
func (r *Repository) FindRecord(ctx context.Context, locationID, variantID int64) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM stock_records WHERE location_id = $1 AND variant_id = $2`,
		locationID, variantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: location %d variant %d", ErrRecordNotFound, locationID, variantID)
	}
	return rec, err
}

// ListMovements lists movement rows oldest first with the total match count.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	var conditions []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.LocationID != 0 {
		add("location_id = $%d", filter.LocationID)
	}
	if filter.VariantID != 0 {
		add("variant_id = $%d", filter.VariantID)
	}
	if filter.Type != "" {
		add("movement_type = $%d", string(filter.Type))
	}
	if filter.ReferenceType != "" {
		add("reference_type = $%d", filter.ReferenceType)
	}
	if filter.ReferenceID != "" {
		add("reference_id = $%d", filter.ReferenceID)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM stock_movements "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	args = append(args, perPage, shared.Offset(page, perPage))
	query := fmt.Sprintf(`
		SELECT id, movement_type, location_id, variant_id, quantity_before, quantity_after, quantity_change,
		       actor_id, actor_kind, actor_operation, reference_type, reference_id,
		       COALESCE(transfer_id::text, ''), notes, created_at
		FROM stock_movements
		%s
		ORDER BY created_at, id
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var movements []Movement
	for rows.Next() {
		var (
			m         Movement
			typ, kind string
		)
		if err := rows.Scan(&m.ID, &typ, &m.LocationID, &m.VariantID, &m.QuantityBefore, &m.QuantityAfter,
			&m.QuantityChange, &m.ActorID, &kind, &m.Operation, &m.ReferenceType, &m.ReferenceID,
			&m.TransferID, &m.Notes, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		m.Type = MovementType(typ)
		m.ActorKind = rbac.ActorKind(kind)
		movements = append(movements, m)
	}
	return movements, total, rows.Err()
}

// ListLowStock pages through records at or below their threshold whose alert
// has not been sent, in key order after the given key.
func (r *Repository) ListLowStock(ctx context.Context, after Key, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = shared.DefaultPerPage
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+`
		   FROM stock_records
		  WHERE min_threshold > 0
		    AND quantity <= min_threshold
		    AND NOT low_stock_alert_sent
		    AND (location_id, variant_id) > ($1, $2)
		  ORDER BY location_id, variant_id
		  LIMIT $3`, after.LocationID, after.VariantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkAlertSent sets the debounce flag. It reports false when another worker
// set it first.
func (r *Repository) MarkAlertSent(ctx context.Context, locationID, variantID int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE stock_records SET low_stock_alert_sent = TRUE, last_alert_sent_at = $3
		  WHERE location_id = $1 AND variant_id = $2 AND NOT low_stock_alert_sent`,
		locationID, variantID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClearAlert drops the debounce flag of one record.
func (r *Repository) ClearAlert(ctx context.Context, locationID, variantID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE stock_records SET low_stock_alert_sent = FALSE, last_alert_sent_at = NULL
		  WHERE location_id = $1 AND variant_id = $2`, locationID, variantID)
	return err
}

// ResetAlerts clears flags set before olderThan and flags of records that
// recovered above their threshold.
func (r *Repository) ResetAlerts(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE stock_records SET low_stock_alert_sent = FALSE
		  WHERE low_stock_alert_sent
		    AND (last_alert_sent_at IS NULL OR last_alert_sent_at < $1 OR quantity > min_threshold)`,
		olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
