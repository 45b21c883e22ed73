package inventory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/rbac"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/testing/memledger"
)

var (
	admin   = rbac.User{ID: 1, Role: rbac.RoleAdmin}
	manager = rbac.User{ID: 2, Role: rbac.RoleManager, LocationID: 1}
	cashier = rbac.User{ID: 3, Role: rbac.RoleCashier, LocationID: 1}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []inventory.StockChanged
	err    error
}

func (p *recordingPublisher) PublishStockChanged(_ context.Context, evt inventory.StockChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Events() []inventory.StockChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]inventory.StockChanged(nil), p.events...)
}

type fixture struct {
	ledger    *memledger.Ledger
	directory *memledger.Directory
	publisher *recordingPublisher
	svc       *inventory.Service
}

func newFixture(t *testing.T, opts ...func(*inventory.ServiceDeps)) fixture {
	t.Helper()
	f := fixture{
		ledger:    memledger.New(),
		directory: memledger.NewDirectory([]int64{1, 2, 3}, []int64{10, 11}),
		publisher: &recordingPublisher{},
	}
	deps := inventory.ServiceDeps{
		Directory: f.directory,
		Publisher: f.publisher,
		Clock:     func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) },
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.svc = inventory.NewService(f.ledger, deps)
	return f
}

func TestAdjustRecordsBeforeAndAfter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 10})

	m, err := f.svc.Adjust(ctx, manager, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: -4, Notes: "shrinkage"})
	require.NoError(t, err)
	require.Equal(t, inventory.MovementAdjustment, m.Type)
	require.Equal(t, int64(10), m.QuantityBefore)
	require.Equal(t, int64(6), m.QuantityAfter)
	require.Equal(t, int64(-4), m.QuantityChange)
	require.Equal(t, m.QuantityAfter-m.QuantityBefore, m.QuantityChange)
	require.Equal(t, int64(2), m.ActorID)
	require.Equal(t, rbac.ActorUser, m.ActorKind)
	require.Equal(t, int64(6), f.ledger.Quantity(1, 10))

	events := f.publisher.Events()
	require.Len(t, events, 1)
	require.Equal(t, m.ID, events[0].MovementID)
	require.Equal(t, int64(-4), events[0].Delta)
}

func TestAdjustRejectsNegativeResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Adjust(ctx, admin, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: -1})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	require.ErrorIs(t, err, shared.ErrInvalidOperation)
	require.Contains(t, err.Error(), "available 0 requested 1")

	_, ok := f.ledger.Record(1, 10)
	require.False(t, ok, "record created by a failed mutation must roll back")
	require.Empty(t, f.ledger.Movements())
	require.Empty(t, f.publisher.Events())
}

func TestAdjustClampAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 3})

	m, err := f.svc.Adjust(ctx, manager, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: -5, ClampAtZero: true})
	require.NoError(t, err)
	require.Equal(t, int64(-3), m.QuantityChange)
	require.Equal(t, int64(0), m.QuantityAfter)
	require.Contains(t, m.Notes, "requested -5 applied -3")

	_, err = f.svc.Adjust(ctx, manager, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: -5, ClampAtZero: true})
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	_, err = f.svc.Adjust(ctx, manager, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: -5, Type: inventory.MovementSale, ClampAtZero: true})
	require.ErrorIs(t, err, inventory.ErrInvalidInput)
}

func TestAdjustValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Adjust(ctx, admin, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: 0})
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	_, err = f.svc.Adjust(ctx, admin, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: 2, Type: inventory.MovementTransfer})
	require.ErrorIs(t, err, shared.ErrInvalidOperation)

	_, err = f.svc.Adjust(ctx, admin, inventory.AdjustInput{LocationID: 9, VariantID: 10, Delta: 2})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.Adjust(ctx, admin, inventory.AdjustInput{LocationID: 1, VariantID: 99, Delta: 2})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAccessPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 5}, inventory.Record{LocationID: 2, VariantID: 10, Quantity: 5})

	_, err := f.svc.Receive(ctx, cashier, inventory.ReceiveInput{LocationID: 1, VariantID: 10, Quantity: 1})
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = f.svc.Adjust(ctx, cashier, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: 1})
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = f.svc.Adjust(ctx, cashier, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: -1, Type: inventory.MovementDamage})
	require.NoError(t, err)

	_, err = f.svc.Adjust(ctx, manager, inventory.AdjustInput{LocationID: 2, VariantID: 10, Delta: -1})
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = f.svc.Transfer(ctx, manager, inventory.TransferInput{From: 2, To: 1, VariantID: 10, Quantity: 1})
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = f.svc.Transfer(ctx, manager, inventory.TransferInput{From: 1, To: 2, VariantID: 10, Quantity: 1})
	require.NoError(t, err)

	m, err := f.svc.Receive(ctx, rbac.System{Operation: "purchase.complete", OnBehalfOf: 7}, inventory.ReceiveInput{LocationID: 2, VariantID: 10, Quantity: 4})
	require.NoError(t, err)
	require.Equal(t, rbac.ActorSystem, m.ActorKind)
	require.Equal(t, "purchase.complete", m.Operation)
	require.Equal(t, int64(7), m.ActorID)
	require.Equal(t, inventory.MovementPurchase, m.Type)
}

func TestTransferMovesStockAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Seed(inventory.Record{LocationID: 2, VariantID: 10, Quantity: 20})

	res, err := f.svc.Transfer(ctx, admin, inventory.TransferInput{From: 2, To: 1, VariantID: 10, Quantity: 5})
	require.NoError(t, err)
	require.NotEmpty(t, res.TransferID)
	require.Equal(t, res.TransferID, res.Debit.TransferID)
	require.Equal(t, res.TransferID, res.Credit.TransferID)
	require.Equal(t, int64(15), f.ledger.Quantity(2, 10))
	require.Equal(t, int64(5), f.ledger.Quantity(1, 10))
	require.Equal(t, int64(0), res.Debit.QuantityChange+res.Credit.QuantityChange)
	require.Equal(t, inventory.MovementTransfer, res.Debit.Type)
	require.Equal(t, int64(0), res.Credit.QuantityBefore)
	require.Len(t, f.ledger.Movements(), 2)
	require.Len(t, f.publisher.Events(), 2)

	_, err = f.svc.Transfer(ctx, admin, inventory.TransferInput{From: 2, To: 1, VariantID: 10, Quantity: 50})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	require.Equal(t, int64(15), f.ledger.Quantity(2, 10))
	require.Equal(t, int64(5), f.ledger.Quantity(1, 10))
	require.Len(t, f.ledger.Movements(), 2)

	_, err = f.svc.Transfer(ctx, admin, inventory.TransferInput{From: 2, To: 2, VariantID: 10, Quantity: 1})
	require.ErrorIs(t, err, inventory.ErrSameLocation)

	_, err = f.svc.Transfer(ctx, admin, inventory.TransferInput{From: 2, To: 1, VariantID: 10, Quantity: 0})
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)
}

func TestTransferFailureLeavesDestinationUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 8})
	f.ledger.FailInsertWhen(func(m inventory.Movement) error {
		if m.QuantityChange > 0 {
			return errors.New("disk full")
		}
		return nil
	})

	_, err := f.svc.Transfer(ctx, admin, inventory.TransferInput{From: 1, To: 3, VariantID: 10, Quantity: 2})
	require.Error(t, err)
	require.Equal(t, int64(8), f.ledger.Quantity(1, 10))
	_, ok := f.ledger.Record(3, 10)
	require.False(t, ok)
	require.Empty(t, f.ledger.Movements())
	require.Empty(t, f.publisher.Events())
}

func TestConcurrentDecrementsNeverOversell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 30})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failures  []error
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Adjust(ctx, admin, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: -1, Type: inventory.MovementSale})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			succeeded++
		}()
	}
	wg.Wait()

	require.Equal(t, 30, succeeded)
	require.Len(t, failures, 20)
	for _, err := range failures {
		require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	}
	require.Equal(t, int64(0), f.ledger.Quantity(1, 10))
	require.Len(t, f.ledger.Movements(), 30)
}

func TestPublishFailureDoesNotFailMutation(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("redis down")

	m, err := f.svc.Receive(context.Background(), admin, inventory.ReceiveInput{LocationID: 1, VariantID: 10, Quantity: 3})
	require.NoError(t, err)
	require.Equal(t, int64(3), m.QuantityAfter)
	require.Equal(t, int64(3), f.ledger.Quantity(1, 10))
}

func TestHooksSeeCommittedMovements(t *testing.T) {
	var seen []inventory.Movement
	hook := inventory.HookFunc(func(_ context.Context, m inventory.Movement) { seen = append(seen, m) })
	f := newFixture(t, func(d *inventory.ServiceDeps) { d.Hooks = []inventory.Hook{hook} })
	ctx := context.Background()

	_, err := f.svc.Adjust(ctx, admin, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: -1})
	require.Error(t, err)
	require.Empty(t, seen)

	_, err = f.svc.Receive(ctx, admin, inventory.ReceiveInput{LocationID: 1, VariantID: 10, Quantity: 2})
	require.NoError(t, err)
	require.Len(t, seen, 1)
}

func TestFindStockUsesCacheAndInvalidates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := inventory.NewRedisCache(client, time.Minute)
	f := newFixture(t, func(d *inventory.ServiceDeps) { d.Cache = cache })
	ctx := context.Background()

	_, err := f.svc.FindStock(ctx, 1, 10)
	require.ErrorIs(t, err, inventory.ErrRecordNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.Receive(ctx, admin, inventory.ReceiveInput{LocationID: 1, VariantID: 10, Quantity: 7})
	require.NoError(t, err)

	rec, err := f.svc.FindStock(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(7), rec.Quantity)
	require.True(t, mr.Exists("stockledger:stock:1:10"))

	_, err = f.svc.Adjust(ctx, admin, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: -2})
	require.NoError(t, err)
	require.False(t, mr.Exists("stockledger:stock:1:10"))

	rec, err = f.svc.FindStock(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(5), rec.Quantity)
}

// commitDuringRead commits a mutation after the record is loaded and before
// FindStock fills the cache.
type commitDuringRead struct {
	*memledger.Ledger
	after func()
}

func (r *commitDuringRead) FindRecord(ctx context.Context, locationID, variantID int64) (inventory.Record, error) {
	rec, err := r.Ledger.FindRecord(ctx, locationID, variantID)
	if r.after != nil {
		after := r.after
		r.after = nil
		after()
	}
	return rec, err
}

func TestFindStockDropsFillRacingACommit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	repo := &commitDuringRead{Ledger: memledger.New()}
	repo.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 10})
	svc := inventory.NewService(repo, inventory.ServiceDeps{
		Directory: memledger.NewDirectory([]int64{1}, []int64{10}),
		Cache:     inventory.NewRedisCache(client, time.Minute),
	})
	repo.after = func() {
		_, err := svc.Adjust(ctx, admin, inventory.AdjustInput{LocationID: 1, VariantID: 10, Delta: -7})
		require.NoError(t, err)
	}

	rec, err := svc.FindStock(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(10), rec.Quantity)
	require.False(t, mr.Exists("stockledger:stock:1:10"))

	rec, err = svc.FindStock(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(3), rec.Quantity)
	require.Equal(t, int64(3), repo.Quantity(1, 10))
	require.True(t, mr.Exists("stockledger:stock:1:10"))
}

func TestSetMinThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sent := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	f.ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 4, MinThreshold: 5, LowStockAlertSent: true, LastAlertSentAt: &sent})

	_, err := f.svc.SetMinThreshold(ctx, cashier, 1, 10, 2)
	require.ErrorIs(t, err, shared.ErrForbidden)
	_, err = f.svc.SetMinThreshold(ctx, manager, 1, 10, -1)
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	rec, err := f.svc.SetMinThreshold(ctx, manager, 1, 10, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.MinThreshold)
	require.Equal(t, int64(4), rec.Quantity)
	require.False(t, rec.LowStockAlertSent)
	require.Empty(t, f.ledger.Movements())
}

func TestListMovementsPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.svc.Receive(ctx, admin, inventory.ReceiveInput{LocationID: 1, VariantID: 10, Quantity: 1, ReferenceType: "purchase_order", ReferenceID: "9"})
		require.NoError(t, err)
	}
	_, err := f.svc.Receive(ctx, admin, inventory.ReceiveInput{LocationID: 2, VariantID: 10, Quantity: 1})
	require.NoError(t, err)

	page, meta, err := f.svc.ListMovements(ctx, inventory.MovementFilter{LocationID: 1, Page: 2, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, 5, meta.Total)
	require.Equal(t, 3, meta.TotalPages)
	require.Equal(t, int64(2), page[0].QuantityBefore)

	_, meta, err = f.svc.ListMovements(ctx, inventory.MovementFilter{ReferenceType: "purchase_order", ReferenceID: "9"})
	require.NoError(t, err)
	require.Equal(t, 5, meta.Total)

	_, _, err = f.svc.ListMovements(ctx, inventory.MovementFilter{Type: "gift"})
	require.ErrorIs(t, err, shared.ErrInvalidOperation)
}
