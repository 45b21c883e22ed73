package masterdata

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ErrNotFound is returned for absent or inactive master records.
var ErrNotFound = fmt.Errorf("masterdata: %w", shared.ErrNotFound)

// Location is a store or warehouse holding stock.
type Location struct {
	ID           int64  `json:"id"`
	Code         string `json:"code"`
	Name         string `json:"name"`
	ManagerEmail string `json:"manager_email"`
	IsActive     bool   `json:"is_active"`
}

// Variant is the stock-keeping unit tracked by the ledger.
type Variant struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	IsActive  bool   `json:"is_active"`
}

// SupplierCost is the price a supplier charges for one unit of a variant.
type SupplierCost struct {
	SupplierID   int64           `json:"supplier_id"`
	SupplierName string          `json:"supplier_name"`
	VariantID    int64           `json:"variant_id"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	LeadTimeDays int             `json:"lead_time_days"`
}

// Repository reads master records regardless of their active flag.
type Repository interface {
	GetLocation(ctx context.Context, id int64) (Location, error)
	GetVariant(ctx context.Context, id int64) (Variant, error)
	ListSupplierCosts(ctx context.Context, variantID int64) ([]SupplierCost, error)
}

// Directory is the lookup surface used by the ledger and order flows.
type Directory interface {
	GetLocation(ctx context.Context, id int64) (Location, error)
	GetVariant(ctx context.Context, id int64) (Variant, error)
	ListSupplierCosts(ctx context.Context, variantID int64) ([]SupplierCost, error)
}
