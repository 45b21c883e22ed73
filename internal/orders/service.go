package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/rbac"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

const (
	opInvoiceCreate    = "invoice.create"
	opInvoiceCancel    = "invoice.cancel"
	opPurchaseComplete = "purchase.complete"

	idempotencyInvoice  = "orders.invoice"
	idempotencyPurchase = "orders.purchase"
)

// InventoryPort is the part of the mutation engine the orchestrator drives.
type InventoryPort interface {
	AdjustTx(ctx context.Context, tx inventory.TxRepository, p rbac.Principal, input inventory.AdjustInput) (inventory.Movement, error)
	ReceiveTx(ctx context.Context, tx inventory.TxRepository, p rbac.Principal, input inventory.ReceiveInput) (inventory.Movement, error)
	Committed(ctx context.Context, movements ...inventory.Movement)
}

// Directory resolves locations and variants.
type Directory interface {
	GetLocation(ctx context.Context, id int64) (masterdata.Location, error)
	GetVariant(ctx context.Context, id int64) (masterdata.Variant, error)
}

// Policy scopes order operations to the actor's location.
type Policy interface {
	Authorize(p rbac.Principal, action rbac.Action, locationID int64) error
}

// IdempotencyPort guards order creation against client retries.
type IdempotencyPort interface {
	Claim(ctx context.Context, module, key string) error
	Release(ctx context.Context, module, key string) error
}

// AuditPort records order transitions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceDeps groups optional collaborators.
type ServiceDeps struct {
	Directory   Directory
	Policy      Policy
	Idempotency IdempotencyPort
	Audit       AuditPort
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Service orchestrates invoice and purchase order transitions. Ledger changes
// ride in the same transaction as the document's own state change.
type Service struct {
	repo        RepositoryPort
	inventory   InventoryPort
	directory   Directory
	policy      Policy
	idempotency IdempotencyPort
	audit       AuditPort
	logger      *slog.Logger
	clock       func() time.Time
	validate    *validator.Validate
}

// NewService constructs the orchestrator.
func NewService(repo RepositoryPort, inv InventoryPort, deps ServiceDeps) *Service {
	s := &Service{
		repo:        repo,
		inventory:   inv,
		directory:   deps.Directory,
		policy:      deps.Policy,
		idempotency: deps.Idempotency,
		audit:       deps.Audit,
		logger:      deps.Logger,
		clock:       deps.Clock,
		validate:    validator.New(),
	}
	if s.policy == nil {
		s.policy = rbac.LedgerPolicy{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "orders"))
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// ============================================================================
// INVOICES
// ============================================================================

// CreateInvoice records a paid sale and removes the sold quantities from the
// ledger in one transaction. Any failing line aborts the whole sale.
func (s *Service) CreateInvoice(ctx context.Context, actor rbac.User, input CreateInvoiceInput) (Invoice, error) {
	if err := s.validateInvoice(input); err != nil {
		return Invoice{}, err
	}
	if err := s.policy.Authorize(actor, rbac.ActionDecrease, input.LocationID); err != nil {
		return Invoice{}, err
	}
	variantIDs := make([]int64, 0, len(input.Lines))
	for _, l := range input.Lines {
		variantIDs = append(variantIDs, l.VariantID)
	}
	if err := s.ensureExists(ctx, input.LocationID, variantIDs); err != nil {
		return Invoice{}, err
	}
	release, err := s.claim(ctx, idempotencyInvoice, input.IdempotencyKey)
	if err != nil {
		return Invoice{}, err
	}

	lines := append([]InvoiceLineInput(nil), input.Lines...)
	sort.Slice(lines, func(i, j int) bool { return lines[i].VariantID < lines[j].VariantID })
	now := s.clock()
	number := input.Number
	if number == "" {
		number = generateNumber("INV", now)
	}
	system := rbac.System{Operation: opInvoiceCreate, OnBehalfOf: actor.ID}

	var (
		invoice   Invoice
		movements []inventory.Movement
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		movements = movements[:0]
		invoice = Invoice{
			Number:     number,
			LocationID: input.LocationID,
			Status:     InvoicePaid,
			CreatedBy:  actor.ID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		id, err := tx.CreateInvoice(ctx, invoice)
		if err != nil {
			return err
		}
		invoice.ID = id
		for _, l := range lines {
			line := InvoiceLine{InvoiceID: id, VariantID: l.VariantID, Quantity: l.Quantity, UnitPrice: l.UnitPrice}
			if line.ID, err = tx.InsertInvoiceLine(ctx, line); err != nil {
				return err
			}
			invoice.Lines = append(invoice.Lines, line)
		}
		for _, line := range invoice.Lines {
			m, err := s.inventory.AdjustTx(ctx, tx.Inventory(), system, inventory.AdjustInput{
				LocationID:    invoice.LocationID,
				VariantID:     line.VariantID,
				Delta:         -line.Quantity,
				Type:          inventory.MovementSale,
				ReferenceType: ReferenceInvoice,
				ReferenceID:   formatID(id),
			})
			if err != nil {
				return fmt.Errorf("invoice %s variant %d: %w", number, line.VariantID, err)
			}
			movements = append(movements, m)
		}
		return nil
	})
	if err != nil {
		release()
		return Invoice{}, err
	}

	s.inventory.Committed(ctx, movements...)
	s.recordAudit(ctx, actor.ID, "invoice.create", ReferenceInvoice, invoice.ID, map[string]any{
		"number":      invoice.Number,
		"location_id": invoice.LocationID,
		"lines":       len(invoice.Lines),
		"total":       invoice.Total().String(),
	})
	return invoice, nil
}

// CancelInvoice marks a paid invoice cancelled and returns its quantities to
// stock. Each line is restored in its own savepoint: a failing line is rolled
// back, logged and reported in the result while the other lines and the
// status change still commit.
func (s *Service) CancelInvoice(ctx context.Context, actor rbac.User, id int64, reason string) (CancelResult, error) {
	system := rbac.System{Operation: opInvoiceCancel, OnBehalfOf: actor.ID}
	var (
		result    CancelResult
		movements []inventory.Movement
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = CancelResult{}
		movements = movements[:0]
		invoice, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, rbac.ActionDecrease, invoice.LocationID); err != nil {
			return err
		}
		if invoice.Status != InvoicePaid {
			return fmt.Errorf("%w: invoice %s is %s", ErrInvalidStatus, invoice.Number, invoice.Status)
		}
		now := s.clock()
		reason = strings.TrimSpace(reason)
		if err := tx.UpdateInvoiceStatus(ctx, id, InvoiceCancelled, actor.ID, reason, now); err != nil {
			return err
		}
		invoice.Status = InvoiceCancelled
		invoice.CancelledBy = actor.ID
		invoice.CancelReason = reason
		invoice.CancelledAt = &now
		invoice.UpdatedAt = now

		lines := append([]InvoiceLine(nil), invoice.Lines...)
		sort.Slice(lines, func(i, j int) bool { return lines[i].VariantID < lines[j].VariantID })
		for _, line := range lines {
			var m inventory.Movement
			err := tx.Inventory().Savepoint(ctx, func(ctx context.Context, itx inventory.TxRepository) error {
				var err error
				m, err = s.inventory.AdjustTx(ctx, itx, system, inventory.AdjustInput{
					LocationID:    invoice.LocationID,
					VariantID:     line.VariantID,
					Delta:         line.Quantity,
					Type:          inventory.MovementAdjustment,
					ReferenceType: ReferenceInvoice,
					ReferenceID:   formatID(id),
					Notes:         "invoice cancelled",
				})
				return err
			})
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				s.logger.Error("restore stock for cancelled invoice",
					slog.Int64("invoice_id", id),
					slog.Int64("variant_id", line.VariantID),
					slog.Int64("quantity", line.Quantity),
					slog.Any("error", err))
				result.Failures = append(result.Failures, LineFailure{VariantID: line.VariantID, Quantity: line.Quantity, Err: err})
				continue
			}
			movements = append(movements, m)
		}
		result.Invoice = invoice
		result.Restored = len(movements)
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}

	s.inventory.Committed(ctx, movements...)
	s.recordAudit(ctx, actor.ID, "invoice.cancel", ReferenceInvoice, id, map[string]any{
		"reason":          result.Invoice.CancelReason,
		"restored_lines":  result.Restored,
		"failed_variants": failedVariants(result.Failures),
	})
	return result, nil
}

// GetInvoice loads an invoice.
func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// ============================================================================
// PURCHASE ORDERS
// ============================================================================

// CreatePurchase records a pending purchase order. Stock is untouched until
// the order completes.
func (s *Service) CreatePurchase(ctx context.Context, actor rbac.User, input CreatePurchaseInput) (PurchaseOrder, error) {
	if err := s.validatePurchase(input); err != nil {
		return PurchaseOrder{}, err
	}
	if err := s.policy.Authorize(actor, rbac.ActionIncrease, input.LocationID); err != nil {
		return PurchaseOrder{}, err
	}
	variantIDs := make([]int64, 0, len(input.Lines))
	for _, l := range input.Lines {
		variantIDs = append(variantIDs, l.VariantID)
	}
	if err := s.ensureExists(ctx, input.LocationID, variantIDs); err != nil {
		return PurchaseOrder{}, err
	}
	release, err := s.claim(ctx, idempotencyPurchase, input.IdempotencyKey)
	if err != nil {
		return PurchaseOrder{}, err
	}

	now := s.clock()
	number := input.Number
	if number == "" {
		number = generateNumber("PO", now)
	}
	var po PurchaseOrder
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po = PurchaseOrder{
			Number:     number,
			LocationID: input.LocationID,
			SupplierID: input.SupplierID,
			Status:     PurchasePending,
			CreatedBy:  actor.ID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		id, err := tx.CreatePurchase(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		for _, l := range input.Lines {
			line := PurchaseLine{PurchaseID: id, VariantID: l.VariantID, Quantity: l.Quantity, UnitCost: l.UnitCost}
			if line.ID, err = tx.InsertPurchaseLine(ctx, line); err != nil {
				return err
			}
			po.Lines = append(po.Lines, line)
		}
		return nil
	})
	if err != nil {
		release()
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, actor.ID, "purchase.create", ReferencePurchase, po.ID, map[string]any{
		"number":      po.Number,
		"supplier_id": po.SupplierID,
		"lines":       len(po.Lines),
	})
	return po, nil
}

// CompletePurchase receives every line of a pending order into stock. The
// status change and all receipts commit together or not at all.
func (s *Service) CompletePurchase(ctx context.Context, actor rbac.User, id int64) (PurchaseOrder, error) {
	system := rbac.System{Operation: opPurchaseComplete, OnBehalfOf: actor.ID}
	var (
		po        PurchaseOrder
		movements []inventory.Movement
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		movements = movements[:0]
		var err error
		po, err = tx.LockPurchase(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, rbac.ActionIncrease, po.LocationID); err != nil {
			return err
		}
		if po.Status != PurchasePending {
			return fmt.Errorf("%w: purchase order %s is %s", ErrInvalidStatus, po.Number, po.Status)
		}
		now := s.clock()
		if err := tx.UpdatePurchaseStatus(ctx, id, PurchaseCompleted, actor.ID, "", now); err != nil {
			return err
		}
		po.Status = PurchaseCompleted
		po.CompletedBy = actor.ID
		po.CompletedAt = &now
		po.UpdatedAt = now

		lines := append([]PurchaseLine(nil), po.Lines...)
		sort.Slice(lines, func(i, j int) bool { return lines[i].VariantID < lines[j].VariantID })
		for _, line := range lines {
			m, err := s.inventory.ReceiveTx(ctx, tx.Inventory(), system, inventory.ReceiveInput{
				LocationID:    po.LocationID,
				VariantID:     line.VariantID,
				Quantity:      line.Quantity,
				ReferenceType: ReferencePurchase,
				ReferenceID:   formatID(id),
				Notes:         "purchase order " + po.Number,
			})
			if err != nil {
				return fmt.Errorf("purchase order %s variant %d: %w", po.Number, line.VariantID, err)
			}
			movements = append(movements, m)
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.inventory.Committed(ctx, movements...)
	s.recordAudit(ctx, actor.ID, "purchase.complete", ReferencePurchase, id, map[string]any{"lines": len(movements)})
	return po, nil
}

// CancelPurchase cancels a pending order. No stock moves.
func (s *Service) CancelPurchase(ctx context.Context, actor rbac.User, id int64, reason string) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		po, err = tx.LockPurchase(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, rbac.ActionIncrease, po.LocationID); err != nil {
			return err
		}
		if po.Status != PurchasePending {
			return fmt.Errorf("%w: purchase order %s is %s", ErrInvalidStatus, po.Number, po.Status)
		}
		now := s.clock()
		reason = strings.TrimSpace(reason)
		if err := tx.UpdatePurchaseStatus(ctx, id, PurchaseCancelled, actor.ID, reason, now); err != nil {
			return err
		}
		po.Status = PurchaseCancelled
		po.CancelledBy = actor.ID
		po.CancelReason = reason
		po.CancelledAt = &now
		po.UpdatedAt = now
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, actor.ID, "purchase.cancel", ReferencePurchase, id, map[string]any{"reason": po.CancelReason})
	return po, nil
}

// GetPurchase loads a purchase order.
func (s *Service) GetPurchase(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.repo.GetPurchase(ctx, id)
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Service) validateInvoice(input CreateInvoiceInput) error {
	if len(input.Lines) == 0 {
		return fmt.Errorf("%w: invoice needs at least one line", ErrInvalidInput)
	}
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	}
	seen := make(map[int64]struct{}, len(input.Lines))
	for _, l := range input.Lines {
		if _, dup := seen[l.VariantID]; dup {
			return fmt.Errorf("%w: variant %d appears twice", ErrInvalidInput, l.VariantID)
		}
		seen[l.VariantID] = struct{}{}
		if l.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: variant %d has a negative price", ErrInvalidInput, l.VariantID)
		}
	}
	return nil
}

func (s *Service) validatePurchase(input CreatePurchaseInput) error {
	if len(input.Lines) == 0 {
		return fmt.Errorf("%w: purchase order needs at least one line", ErrInvalidInput)
	}
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	}
	seen := make(map[int64]struct{}, len(input.Lines))
	for _, l := range input.Lines {
		if _, dup := seen[l.VariantID]; dup {
			return fmt.Errorf("%w: variant %d appears twice", ErrInvalidInput, l.VariantID)
		}
		seen[l.VariantID] = struct{}{}
		if l.UnitCost.IsNegative() {
			return fmt.Errorf("%w: variant %d has a negative cost", ErrInvalidInput, l.VariantID)
		}
	}
	return nil
}

func (s *Service) ensureExists(ctx context.Context, locationID int64, variantIDs []int64) error {
	if s.directory == nil {
		return nil
	}
	if _, err := s.directory.GetLocation(ctx, locationID); err != nil {
		return err
	}
	for _, id := range variantIDs {
		if _, err := s.directory.GetVariant(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// claim takes the idempotency key and returns a func releasing it.
func (s *Service) claim(ctx context.Context, module, key string) (func(), error) {
	if s.idempotency == nil || key == "" {
		return func() {}, nil
	}
	if err := s.idempotency.Claim(ctx, module, key); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return nil, fmt.Errorf("%w: key %s", ErrDuplicateRequest, key)
		}
		return nil, err
	}
	return func() {
		if err := s.idempotency.Release(ctx, module, key); err != nil {
			s.logger.Warn("release idempotency key", slog.String("module", module), slog.Any("error", err))
		}
	}, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: formatID(entityID),
		Meta:     meta,
		At:       s.clock(),
	})
	if err != nil {
		s.logger.Warn("audit order transition", slog.String("action", action), slog.Int64("entity_id", entityID), slog.Any("error", err))
	}
}

func failedVariants(failures []LineFailure) []int64 {
	ids := make([]int64, 0, len(failures))
	for _, f := range failures {
		ids = append(ids, f.VariantID)
	}
	return ids
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func generateNumber(prefix string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s", prefix, at.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}
