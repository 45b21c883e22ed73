package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/rbac"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/testing/memledger"
)

var (
	admin   = rbac.User{ID: 1, Role: rbac.RoleAdmin}
	cashier = rbac.User{ID: 3, Role: rbac.RoleCashier, LocationID: 1}
	remote  = rbac.User{ID: 4, Role: rbac.RoleManager, LocationID: 2}
)

type memoryRepo struct {
	ledger *memledger.Ledger

	mu        sync.Mutex
	invoices  map[int64]Invoice
	purchases map[int64]PurchaseOrder
	numbers   map[string]struct{}
	nextID    int64
}

func newMemoryRepo(ledger *memledger.Ledger) *memoryRepo {
	return &memoryRepo{
		ledger:    ledger,
		invoices:  make(map[int64]Invoice),
		purchases: make(map[int64]PurchaseOrder),
		numbers:   make(map[string]struct{}),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.ledger.WithTx(ctx, func(ctx context.Context, itx inventory.TxRepository) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		invoices := cloneMap(r.invoices)
		purchases := cloneMap(r.purchases)
		numbers := cloneMap(r.numbers)
		nextID := r.nextID
		if err := fn(ctx, &memoryTx{repo: r, inv: itx}); err != nil {
			r.invoices, r.purchases, r.numbers, r.nextID = invoices, purchases, numbers, nextID
			return err
		}
		return nil
	})
}

func (r *memoryRepo) GetInvoice(_ context.Context, id int64) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (r *memoryRepo) GetPurchase(_ context.Context, id int64) (PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.purchases[id]
	if !ok {
		return PurchaseOrder{}, ErrPurchaseNotFound
	}
	return po, nil
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type memoryTx struct {
	repo *memoryRepo
	inv  inventory.TxRepository
}

func (t *memoryTx) Inventory() inventory.TxRepository { return t.inv }

func (t *memoryTx) claimNumber(number string) error {
	if _, dup := t.repo.numbers[number]; dup {
		return ErrDuplicateRequest
	}
	t.repo.numbers[number] = struct{}{}
	return nil
}

func (t *memoryTx) CreateInvoice(_ context.Context, inv Invoice) (int64, error) {
	if err := t.claimNumber(inv.Number); err != nil {
		return 0, err
	}
	t.repo.nextID++
	inv.ID = t.repo.nextID
	inv.Lines = nil
	t.repo.invoices[inv.ID] = inv
	return inv.ID, nil
}

func (t *memoryTx) InsertInvoiceLine(_ context.Context, line InvoiceLine) (int64, error) {
	inv := t.repo.invoices[line.InvoiceID]
	t.repo.nextID++
	line.ID = t.repo.nextID
	inv.Lines = append(append([]InvoiceLine(nil), inv.Lines...), line)
	t.repo.invoices[line.InvoiceID] = inv
	return line.ID, nil
}

func (t *memoryTx) LockInvoice(_ context.Context, id int64) (Invoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (t *memoryTx) UpdateInvoiceStatus(_ context.Context, id int64, status InvoiceStatus, actorID int64, reason string, at time.Time) error {
	inv := t.repo.invoices[id]
	inv.Status = status
	inv.CancelledBy = actorID
	inv.CancelReason = reason
	inv.CancelledAt = &at
	inv.UpdatedAt = at
	t.repo.invoices[id] = inv
	return nil
}

func (t *memoryTx) CreatePurchase(_ context.Context, po PurchaseOrder) (int64, error) {
	if err := t.claimNumber(po.Number); err != nil {
		return 0, err
	}
	t.repo.nextID++
	po.ID = t.repo.nextID
	po.Lines = nil
	t.repo.purchases[po.ID] = po
	return po.ID, nil
}

func (t *memoryTx) InsertPurchaseLine(_ context.Context, line PurchaseLine) (int64, error) {
	po := t.repo.purchases[line.PurchaseID]
	t.repo.nextID++
	line.ID = t.repo.nextID
	po.Lines = append(append([]PurchaseLine(nil), po.Lines...), line)
	t.repo.purchases[line.PurchaseID] = po
	return line.ID, nil
}

func (t *memoryTx) LockPurchase(_ context.Context, id int64) (PurchaseOrder, error) {
	po, ok := t.repo.purchases[id]
	if !ok {
		return PurchaseOrder{}, ErrPurchaseNotFound
	}
	return po, nil
}

func (t *memoryTx) UpdatePurchaseStatus(_ context.Context, id int64, status PurchaseStatus, actorID int64, reason string, at time.Time) error {
	po := t.repo.purchases[id]
	po.Status = status
	po.UpdatedAt = at
	switch status {
	case PurchaseCompleted:
		po.CompletedBy = actorID
		po.CompletedAt = &at
	case PurchaseCancelled:
		po.CancelledBy = actorID
		po.CancelReason = reason
		po.CancelledAt = &at
	}
	t.repo.purchases[id] = po
	return nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (m *memoryIdempotency) Claim(_ context.Context, module, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]struct{})
	}
	if _, ok := m.keys[module+"/"+key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+"/"+key] = struct{}{}
	return nil
}

func (m *memoryIdempotency) Release(_ context.Context, module, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, module+"/"+key)
	return nil
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

func (a *recordingAudit) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	ledger *memledger.Ledger
	repo   *memoryRepo
	events *[]inventory.StockChanged
	audit  *recordingAudit
	svc    *Service
}

type publisherFunc func(context.Context, inventory.StockChanged) error

func (f publisherFunc) PublishStockChanged(ctx context.Context, evt inventory.StockChanged) error {
	return f(ctx, evt)
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ledger := memledger.New()
	directory := memledger.NewDirectory([]int64{1, 2}, []int64{10, 11, 12})
	clock := func() time.Time { return time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC) }
	var (
		mu     sync.Mutex
		events []inventory.StockChanged
	)
	inv := inventory.NewService(ledger, inventory.ServiceDeps{
		Directory: directory,
		Clock:     clock,
		Publisher: publisherFunc(func(_ context.Context, evt inventory.StockChanged) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, evt)
			return nil
		}),
	})
	repo := newMemoryRepo(ledger)
	audit := &recordingAudit{}
	svc := NewService(repo, inv, ServiceDeps{
		Directory:   directory,
		Idempotency: &memoryIdempotency{},
		Audit:       audit,
		Clock:       clock,
	})
	return fixture{ledger: ledger, repo: repo, events: &events, audit: audit, svc: svc}
}

func line(variantID, qty int64) InvoiceLineInput {
	return InvoiceLineInput{VariantID: variantID, Quantity: qty, UnitPrice: decimal.RequireFromString("2.50")}
}

func TestCreateInvoiceRemovesStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 10})

	inv, err := f.svc.CreateInvoice(ctx, cashier, CreateInvoiceInput{LocationID: 1, Lines: []InvoiceLineInput{line(10, 7)}})
	require.NoError(t, err)
	require.Equal(t, InvoicePaid, inv.Status)
	require.Contains(t, inv.Number, "INV-20250402-")
	require.True(t, inv.Total().Equal(decimal.RequireFromString("17.5")))
	require.EqualValues(t, 3, f.ledger.Quantity(1, 10))

	movements := f.ledger.Movements()
	require.Len(t, movements, 1)
	m := movements[0]
	require.Equal(t, inventory.MovementSale, m.Type)
	require.EqualValues(t, 10, m.QuantityBefore)
	require.EqualValues(t, 3, m.QuantityAfter)
	require.Equal(t, ReferenceInvoice, m.ReferenceType)
	require.Equal(t, formatID(inv.ID), m.ReferenceID)
	require.Equal(t, rbac.ActorSystem, m.ActorKind)
	require.Equal(t, opInvoiceCreate, m.Operation)
	require.EqualValues(t, cashier.ID, m.ActorID)
	require.Len(t, *f.events, 1)
	require.Equal(t, []string{"invoice.create"}, f.audit.Actions())
}

func TestCreateInvoiceIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Seed(
		inventory.Record{LocationID: 1, VariantID: 10, Quantity: 10},
		inventory.Record{LocationID: 1, VariantID: 11, Quantity: 1},
	)

	_, err := f.svc.CreateInvoice(ctx, cashier, CreateInvoiceInput{
		LocationID: 1,
		Lines:      []InvoiceLineInput{line(10, 5), line(11, 2)},
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	require.ErrorIs(t, err, shared.ErrInvalidOperation)
	require.EqualValues(t, 10, f.ledger.Quantity(1, 10))
	require.EqualValues(t, 1, f.ledger.Quantity(1, 11))
	require.Empty(t, f.ledger.Movements())
	require.Empty(t, f.repo.invoices)
	require.Empty(t, *f.events)
}

func TestCreateInvoiceValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]CreateInvoiceInput{
		"no lines":       {LocationID: 1},
		"zero quantity":  {LocationID: 1, Lines: []InvoiceLineInput{line(10, 0)}},
		"duplicate line": {LocationID: 1, Lines: []InvoiceLineInput{line(10, 1), line(10, 2)}},
		"negative price": {LocationID: 1, Lines: []InvoiceLineInput{{VariantID: 10, Quantity: 1, UnitPrice: decimal.NewFromInt(-1)}}},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateInvoice(ctx, admin, input)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err := f.svc.CreateInvoice(ctx, admin, CreateInvoiceInput{LocationID: 1, Lines: []InvoiceLineInput{line(99, 1)}})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.CreateInvoice(ctx, remote, CreateInvoiceInput{LocationID: 1, Lines: []InvoiceLineInput{line(10, 1)}})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestCreateInvoiceIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 1})

	input := CreateInvoiceInput{LocationID: 1, IdempotencyKey: "pos-7", Lines: []InvoiceLineInput{line(10, 2)}}
	_, err := f.svc.CreateInvoice(ctx, cashier, input)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	// A failed attempt releases the key so the client may retry.
	f.ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 5})
	_, err = f.svc.CreateInvoice(ctx, cashier, input)
	require.NoError(t, err)

	_, err = f.svc.CreateInvoice(ctx, cashier, input)
	require.ErrorIs(t, err, ErrDuplicateRequest)
	require.EqualValues(t, 3, f.ledger.Quantity(1, 10))
}

func TestCancelInvoiceRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 10})

	inv, err := f.svc.CreateInvoice(ctx, cashier, CreateInvoiceInput{LocationID: 1, Lines: []InvoiceLineInput{line(10, 7)}})
	require.NoError(t, err)

	res, err := f.svc.CancelInvoice(ctx, cashier, inv.ID, " customer returned ")
	require.NoError(t, err)
	require.Equal(t, InvoiceCancelled, res.Invoice.Status)
	require.Equal(t, "customer returned", res.Invoice.CancelReason)
	require.Equal(t, 1, res.Restored)
	require.Empty(t, res.Failures)
	require.EqualValues(t, 10, f.ledger.Quantity(1, 10))

	movements := f.ledger.Movements()
	require.Len(t, movements, 2)
	restore := movements[1]
	require.Equal(t, inventory.MovementAdjustment, restore.Type)
	require.EqualValues(t, 7, restore.QuantityChange)
	require.Equal(t, "invoice cancelled", restore.Notes)
	require.Equal(t, opInvoiceCancel, restore.Operation)

	stored, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceCancelled, stored.Status)

	_, err = f.svc.CancelInvoice(ctx, cashier, inv.ID, "again")
	require.ErrorIs(t, err, ErrInvalidStatus)
	require.ErrorIs(t, err, shared.ErrInvalidOperation)
	require.Len(t, f.ledger.Movements(), 2)
	require.Equal(t, []string{"invoice.create", "invoice.cancel"}, f.audit.Actions())
}

func TestCancelInvoiceKeepsGoingWhenALineFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Seed(
		inventory.Record{LocationID: 1, VariantID: 10, Quantity: 10},
		inventory.Record{LocationID: 1, VariantID: 11, Quantity: 10},
	)
	inv, err := f.svc.CreateInvoice(ctx, admin, CreateInvoiceInput{LocationID: 1, Lines: []InvoiceLineInput{line(10, 4), line(11, 6)}})
	require.NoError(t, err)

	diskFull := errors.New("disk full")
	f.ledger.FailInsertWhen(func(m inventory.Movement) error {
		if m.VariantID == 11 && m.Type == inventory.MovementAdjustment {
			return diskFull
		}
		return nil
	})

	res, err := f.svc.CancelInvoice(ctx, admin, inv.ID, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Restored)
	require.Len(t, res.Failures, 1)
	require.EqualValues(t, 11, res.Failures[0].VariantID)
	require.ErrorIs(t, res.Failures[0].Err, diskFull)

	require.EqualValues(t, 10, f.ledger.Quantity(1, 10))
	require.EqualValues(t, 4, f.ledger.Quantity(1, 11))
	stored, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceCancelled, stored.Status)
}

func TestCancelInvoiceNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CancelInvoice(context.Background(), admin, 404, "")
	require.ErrorIs(t, err, ErrInvoiceNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestPurchaseLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager := rbac.User{ID: 2, Role: rbac.RoleManager, LocationID: 1}
	f.ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 2})

	po, err := f.svc.CreatePurchase(ctx, manager, CreatePurchaseInput{
		LocationID: 1,
		SupplierID: 5,
		Lines: []PurchaseLineInput{
			{VariantID: 10, Quantity: 20, UnitCost: decimal.RequireFromString("1.10")},
			{VariantID: 12, Quantity: 5, UnitCost: decimal.RequireFromString("3.00")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, PurchasePending, po.Status)
	require.Empty(t, f.ledger.Movements())

	done, err := f.svc.CompletePurchase(ctx, manager, po.ID)
	require.NoError(t, err)
	require.Equal(t, PurchaseCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.EqualValues(t, 22, f.ledger.Quantity(1, 10))
	require.EqualValues(t, 5, f.ledger.Quantity(1, 12))

	movements := f.ledger.Movements()
	require.Len(t, movements, 2)
	for _, m := range movements {
		require.Equal(t, inventory.MovementPurchase, m.Type)
		require.Equal(t, ReferencePurchase, m.ReferenceType)
		require.Equal(t, opPurchaseComplete, m.Operation)
	}

	_, err = f.svc.CompletePurchase(ctx, manager, po.ID)
	require.ErrorIs(t, err, ErrInvalidStatus)
	_, err = f.svc.CancelPurchase(ctx, manager, po.ID, "late")
	require.ErrorIs(t, err, ErrInvalidStatus)
	require.Len(t, f.ledger.Movements(), 2)
}

func TestCancelPurchaseMovesNoStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	po, err := f.svc.CreatePurchase(ctx, admin, CreatePurchaseInput{
		LocationID: 2,
		SupplierID: 5,
		Number:     "PO-MANUAL-1",
		Lines:      []PurchaseLineInput{{VariantID: 11, Quantity: 3, UnitCost: decimal.NewFromInt(4)}},
	})
	require.NoError(t, err)
	require.Equal(t, "PO-MANUAL-1", po.Number)

	cancelled, err := f.svc.CancelPurchase(ctx, admin, po.ID, "supplier out of stock")
	require.NoError(t, err)
	require.Equal(t, PurchaseCancelled, cancelled.Status)
	require.Empty(t, f.ledger.Movements())

	_, err = f.svc.CompletePurchase(ctx, admin, po.ID)
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.svc.CreatePurchase(ctx, admin, CreatePurchaseInput{
		LocationID: 2,
		SupplierID: 5,
		Number:     "PO-MANUAL-1",
		Lines:      []PurchaseLineInput{{VariantID: 11, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestCompletePurchaseRequiresLocationAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	po, err := f.svc.CreatePurchase(ctx, admin, CreatePurchaseInput{
		LocationID: 1,
		SupplierID: 5,
		Lines:      []PurchaseLineInput{{VariantID: 10, Quantity: 3}},
	})
	require.NoError(t, err)

	_, err = f.svc.CompletePurchase(ctx, remote, po.ID)
	require.ErrorIs(t, err, shared.ErrForbidden)
	_, err = f.svc.CompletePurchase(ctx, cashier, po.ID)
	require.ErrorIs(t, err, shared.ErrForbidden)

	stored, err := f.svc.GetPurchase(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, PurchasePending, stored.Status)
}
