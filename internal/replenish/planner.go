// Package replenish turns a low-stock record into a reorder suggestion.
package replenish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/masterdata"
)

// SupplierSource lists the suppliers able to deliver a variant.
type SupplierSource interface {
	ListSupplierCosts(ctx context.Context, variantID int64) ([]masterdata.SupplierCost, error)
}

// Suggestion is the reorder proposal attached to a low-stock alert.
type Suggestion struct {
	LocationID   int64
	VariantID    int64
	Quantity     int64
	MinThreshold int64
	IdealStock   int64
	Suggested    int64
	// Supplier is nil when no supplier carries the variant.
	Supplier      *masterdata.SupplierCost
	EstimatedCost decimal.Decimal
}

// HasSupplier reports whether a supplier was found.
func (s Suggestion) HasSupplier() bool {
	return s.Supplier != nil
}

// Planner picks the cheapest supplier and sizes the reorder.
type Planner struct {
	suppliers SupplierSource
	logger    *slog.Logger
}

// NewPlanner constructs a Planner.
func NewPlanner(suppliers SupplierSource, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{suppliers: suppliers, logger: logger.With(slog.String("component", "replenish"))}
}

// IdealStock is one and a half times the threshold, rounded up.
func IdealStock(minThreshold int64) int64 {
	if minThreshold <= 0 {
		return 0
	}
	return (minThreshold*3 + 1) / 2
}

// SuggestedQuantity brings quantity up to the ideal stock and never proposes
// fewer than one unit.
func SuggestedQuantity(quantity, minThreshold int64) int64 {
	suggested := IdealStock(minThreshold) - quantity
	if suggested < 1 {
		return 1
	}
	return suggested
}

// Plan builds the suggestion for rec. A variant without suppliers still gets
// a quantity, with no supplier and a zero cost estimate.
func (p *Planner) Plan(ctx context.Context, rec inventory.Record) (Suggestion, error) {
	if p == nil || p.suppliers == nil {
		return Suggestion{}, errors.New("replenish: supplier source not configured")
	}
	s := Suggestion{
		LocationID:    rec.LocationID,
		VariantID:     rec.VariantID,
		Quantity:      rec.Quantity,
		MinThreshold:  rec.MinThreshold,
		IdealStock:    IdealStock(rec.MinThreshold),
		Suggested:     SuggestedQuantity(rec.Quantity, rec.MinThreshold),
		EstimatedCost: decimal.Zero,
	}
	costs, err := p.suppliers.ListSupplierCosts(ctx, rec.VariantID)
	if err != nil {
		return Suggestion{}, fmt.Errorf("replenish: list suppliers for variant %d: %w", rec.VariantID, err)
	}
	cheapest := cheapestSupplier(costs)
	if cheapest == nil {
		p.logger.Warn("no supplier for low-stock variant",
			slog.Int64("location_id", rec.LocationID),
			slog.Int64("variant_id", rec.VariantID))
		return s, nil
	}
	s.Supplier = cheapest
	s.EstimatedCost = cheapest.UnitCost.Mul(decimal.NewFromInt(s.Suggested)).Round(2)
	return s, nil
}

func cheapestSupplier(costs []masterdata.SupplierCost) *masterdata.SupplierCost {
	var best *masterdata.SupplierCost
	for i := range costs {
		c := costs[i]
		if c.UnitCost.IsNegative() {
			continue
		}
		if best == nil || c.UnitCost.LessThan(best.UnitCost) {
			cp := c
			best = &cp
		}
	}
	return best
}
