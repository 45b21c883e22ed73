package masterdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// service implements Directory on top of a Repository, hiding inactive records.
type service struct {
	repo Repository
}

// NewService creates a new master data directory.
func NewService(repo Repository) Directory {
	return &service{repo: repo}
}

func (s *service) GetLocation(ctx context.Context, id int64) (Location, error) {
	if id <= 0 {
		return Location{}, fmt.Errorf("%w: location %d", ErrNotFound, id)
	}
	loc, err := s.repo.GetLocation(ctx, id)
	if err != nil {
		return Location{}, err
	}
	if !loc.IsActive {
		return Location{}, fmt.Errorf("%w: location %d is inactive", ErrNotFound, id)
	}
	return loc, nil
}

func (s *service) GetVariant(ctx context.Context, id int64) (Variant, error) {
	if id <= 0 {
		return Variant{}, fmt.Errorf("%w: variant %d", ErrNotFound, id)
	}
	v, err := s.repo.GetVariant(ctx, id)
	if err != nil {
		return Variant{}, err
	}
	if !v.IsActive {
		return Variant{}, fmt.Errorf("%w: variant %d is inactive", ErrNotFound, id)
	}
	return v, nil
}

// ListSupplierCosts returns the variant's supplier offers, cheapest first.
func (s *service) ListSupplierCosts(ctx context.Context, variantID int64) ([]SupplierCost, error) {
	if _, err := s.GetVariant(ctx, variantID); err != nil {
		return nil, err
	}
	costs, err := s.repo.ListSupplierCosts(ctx, variantID)
	if err != nil {
		return nil, err
	}
	valid := costs[:0]
	for _, c := range costs {
		if c.UnitCost.IsNegative() {
			continue
		}
		valid = append(valid, c)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		if !valid[i].UnitCost.Equal(valid[j].UnitCost) {
			return valid[i].UnitCost.LessThan(valid[j].UnitCost)
		}
		return valid[i].SupplierID < valid[j].SupplierID
	})
	return valid, nil
}

// EnsureVariants checks that every id resolves to an active variant.
func EnsureVariants(ctx context.Context, dir Directory, ids ...int64) error {
	if dir == nil {
		return errors.New("masterdata: directory not configured")
	}
	for _, id := range ids {
		if _, err := dir.GetVariant(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
