package masterdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// repo implements Repository over the locations, variants and
// variant_suppliers tables.
type repo struct {
	db *pgxpool.Pool
}

// NewRepository creates a new master data repository
func NewRepository(db *pgxpool.Pool) Repository {
	return &repo{db: db}
}

func (r *repo) GetLocation(ctx context.Context, id int64) (Location, error) {
	query := `SELECT id, code, name, COALESCE(manager_email, ''), is_active FROM locations WHERE id = $1`
	var l Location
	err := r.db.QueryRow(ctx, query, id).Scan(&l.ID, &l.Code, &l.Name, &l.ManagerEmail, &l.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Location{}, fmt.Errorf("%w: location %d", ErrNotFound, id)
	}
	return l, err
}

func (r *repo) GetVariant(ctx context.Context, id int64) (Variant, error) {
	query := `SELECT id, product_id, sku, name, is_active FROM variants WHERE id = $1`
	var v Variant
	err := r.db.QueryRow(ctx, query, id).Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Variant{}, fmt.Errorf("%w: variant %d", ErrNotFound, id)
	}
	return v, err
}

func (r *repo) ListSupplierCosts(ctx context.Context, variantID int64) ([]SupplierCost, error) {
	query := `SELECT s.id, s.name, vs.variant_id, vs.unit_cost, vs.lead_time_days
	          FROM variant_suppliers vs
	          JOIN suppliers s ON s.id = vs.supplier_id
	          WHERE vs.variant_id = $1 AND s.is_active
	          ORDER BY vs.unit_cost, s.id`
	rows, err := r.db.Query(ctx, query, variantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var costs []SupplierCost
	for rows.Next() {
		var c SupplierCost
		if err := rows.Scan(&c.SupplierID, &c.SupplierName, &c.VariantID, &c.UnitCost, &c.LeadTimeDays); err != nil {
			return nil, err
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}
