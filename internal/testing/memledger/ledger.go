// Package memledger provides in-memory implementations of the ledger
// persistence and the master data directory for tests. Transactions are
// serialized by a mutex and roll back by restoring a snapshot.
package memledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Ledger implements inventory.RepositoryPort.
type Ledger struct {
	mu         sync.Mutex
	st         state
	failInsert func(inventory.Movement) error
	commits    int
}

var _ inventory.RepositoryPort = (*Ledger)(nil)

type state struct {
	records   map[inventory.Key]inventory.Record
	movements []inventory.Movement
	nextID    int64
}

func (s state) clone() state {
	out := state{
		records:   make(map[inventory.Key]inventory.Record, len(s.records)),
		movements: append([]inventory.Movement(nil), s.movements...),
		nextID:    s.nextID,
	}
	for k, r := range s.records {
		if r.LastAlertSentAt != nil {
			at := *r.LastAlertSentAt
			r.LastAlertSentAt = &at
		}
		out.records[k] = r
	}
	return out
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{st: state{records: make(map[inventory.Key]inventory.Record)}}
}

// Seed stores records as if committed earlier.
func (l *Ledger) Seed(records ...inventory.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		l.st.records[r.Key()] = r
	}
}

// FailInsertWhen makes InsertMovement fail for movements matching fn.
func (l *Ledger) FailInsertWhen(fn func(inventory.Movement) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failInsert = fn
}

// Record returns the committed record for the key.
func (l *Ledger) Record(locationID, variantID int64) (inventory.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.st.records[inventory.Key{LocationID: locationID, VariantID: variantID}]
	return r, ok
}

// Quantity returns the committed quantity, zero when the record is absent.
func (l *Ledger) Quantity(locationID, variantID int64) int64 {
	r, _ := l.Record(locationID, variantID)
	return r.Quantity
}

// Movements returns a copy of the committed movement log.
func (l *Ledger) Movements() []inventory.Movement {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]inventory.Movement(nil), l.st.movements...)
}

// Commits counts successful transactions.
func (l *Ledger) Commits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commits
}

// WithTx runs fn while holding the ledger lock and restores the snapshot taken
// before fn when it fails.
func (l *Ledger) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := l.st.clone()
	if err := fn(ctx, &tx{l: l}); err != nil {
		l.st = snapshot
		return err
	}
	l.commits++
	return nil
}

type tx struct {
	l *Ledger
}

func (t *tx) LockRecord(_ context.Context, locationID, variantID int64) (inventory.Record, bool, error) {
	key := inventory.Key{LocationID: locationID, VariantID: variantID}
	rec, ok := t.l.st.records[key]
	if !ok {
		rec = inventory.Record{LocationID: locationID, VariantID: variantID}
		t.l.st.records[key] = rec
	}
	return rec, ok, nil
}

func (t *tx) SaveRecord(_ context.Context, rec inventory.Record) error {
	if _, ok := t.l.st.records[rec.Key()]; !ok {
		return fmt.Errorf("memledger: save unlocked record %s", rec.Key())
	}
	if rec.Quantity < 0 {
		return fmt.Errorf("memledger: check constraint: quantity %d < 0", rec.Quantity)
	}
	t.l.st.records[rec.Key()] = rec
	return nil
}

func (t *tx) InsertMovement(_ context.Context, m inventory.Movement) (inventory.Movement, error) {
	if t.l.failInsert != nil {
		if err := t.l.failInsert(m); err != nil {
			return inventory.Movement{}, err
		}
	}
	t.l.st.nextID++
	m.ID = t.l.st.nextID
	t.l.st.movements = append(t.l.st.movements, m)
	return m, nil
}

func (t *tx) Savepoint(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	snapshot := t.l.st.clone()
	if err := fn(ctx, t); err != nil {
		t.l.st = snapshot
		return err
	}
	return nil
}

// FindRecord implements inventory.RepositoryPort.
func (l *Ledger) FindRecord(_ context.Context, locationID, variantID int64) (inventory.Record, error) {
	r, ok := l.Record(locationID, variantID)
	if !ok {
		return inventory.Record{}, fmt.Errorf("%w: location %d variant %d", inventory.ErrRecordNotFound, locationID, variantID)
	}
	return r, nil
}

// ListMovements implements inventory.RepositoryPort.
func (l *Ledger) ListMovements(_ context.Context, f inventory.MovementFilter) ([]inventory.Movement, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []inventory.Movement
	for _, m := range l.st.movements {
		switch {
		case f.LocationID != 0 && m.LocationID != f.LocationID,
			f.VariantID != 0 && m.VariantID != f.VariantID,
			f.Type != "" && m.Type != f.Type,
			f.ReferenceType != "" && m.ReferenceType != f.ReferenceType,
			f.ReferenceID != "" && m.ReferenceID != f.ReferenceID,
			!f.From.IsZero() && m.CreatedAt.Before(f.From),
			!f.To.IsZero() && !m.CreatedAt.Before(f.To):
			continue
		}
		matched = append(matched, m)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	page, perPage := shared.NormalizePage(f.Page, f.PerPage)
	start := shared.Offset(page, perPage)
	if start >= len(matched) {
		return nil, len(matched), nil
	}
	end := start + perPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

// ListLowStock implements inventory.RepositoryPort.
func (l *Ledger) ListLowStock(_ context.Context, after inventory.Key, limit int) ([]inventory.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []inventory.Record
	for _, r := range l.st.records {
		if r.IsLow() && !r.LowStockAlertSent && after.Less(r.Key()) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkAlertSent implements inventory.RepositoryPort.
func (l *Ledger) MarkAlertSent(_ context.Context, locationID, variantID int64, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := inventory.Key{LocationID: locationID, VariantID: variantID}
	r, ok := l.st.records[key]
	if !ok || r.LowStockAlertSent {
		return false, nil
	}
	r.LowStockAlertSent = true
	r.LastAlertSentAt = &at
	l.st.records[key] = r
	return true, nil
}

// ClearAlert implements inventory.RepositoryPort.
func (l *Ledger) ClearAlert(_ context.Context, locationID, variantID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := inventory.Key{LocationID: locationID, VariantID: variantID}
	if r, ok := l.st.records[key]; ok {
		r.LowStockAlertSent = false
		r.LastAlertSentAt = nil
		l.st.records[key] = r
	}
	return nil
}

// ResetAlerts implements inventory.RepositoryPort.
func (l *Ledger) ResetAlerts(_ context.Context, olderThan time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for k, r := range l.st.records {
		if !r.LowStockAlertSent {
			continue
		}
		if r.LastAlertSentAt == nil || r.LastAlertSentAt.Before(olderThan) || r.Quantity > r.MinThreshold {
			r.LowStockAlertSent = false
			l.st.records[k] = r
			n++
		}
	}
	return n, nil
}
