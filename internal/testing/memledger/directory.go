package memledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/odyssey-erp/stockledger/internal/masterdata"
)

// Directory is an in-memory masterdata.Directory.
type Directory struct {
	mu        sync.RWMutex
	locations map[int64]masterdata.Location
	variants  map[int64]masterdata.Variant
	costs     map[int64][]masterdata.SupplierCost
}

var _ masterdata.Directory = (*Directory)(nil)

// NewDirectory returns a directory holding active locations and variants with
// the given ids.
func NewDirectory(locationIDs, variantIDs []int64) *Directory {
	d := &Directory{
		locations: make(map[int64]masterdata.Location),
		variants:  make(map[int64]masterdata.Variant),
		costs:     make(map[int64][]masterdata.SupplierCost),
	}
	for _, id := range locationIDs {
		d.AddLocation(masterdata.Location{ID: id, Code: fmt.Sprintf("LOC-%d", id), IsActive: true})
	}
	for _, id := range variantIDs {
		d.AddVariant(masterdata.Variant{ID: id, SKU: fmt.Sprintf("SKU-%d", id), IsActive: true})
	}
	return d
}

// AddLocation stores or replaces a location.
func (d *Directory) AddLocation(l masterdata.Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locations[l.ID] = l
}

// AddVariant stores or replaces a variant.
func (d *Directory) AddVariant(v masterdata.Variant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.variants[v.ID] = v
}

// AddSupplierCost appends a supplier offer.
func (d *Directory) AddSupplierCost(c masterdata.SupplierCost) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.costs[c.VariantID] = append(d.costs[c.VariantID], c)
}

func (d *Directory) GetLocation(_ context.Context, id int64) (masterdata.Location, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.locations[id]
	if !ok || !l.IsActive {
		return masterdata.Location{}, fmt.Errorf("%w: location %d", masterdata.ErrNotFound, id)
	}
	return l, nil
}

func (d *Directory) GetVariant(_ context.Context, id int64) (masterdata.Variant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.variants[id]
	if !ok || !v.IsActive {
		return masterdata.Variant{}, fmt.Errorf("%w: variant %d", masterdata.ErrNotFound, id)
	}
	return v, nil
}

func (d *Directory) ListSupplierCosts(ctx context.Context, variantID int64) ([]masterdata.SupplierCost, error) {
	if _, err := d.GetVariant(ctx, variantID); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := append([]masterdata.SupplierCost(nil), d.costs[variantID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].UnitCost.LessThan(out[j].UnitCost) })
	return out, nil
}
