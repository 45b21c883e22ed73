package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/rbac"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Directory resolves locations and variants; absent or inactive ones are NotFound.
type Directory interface {
	GetLocation(ctx context.Context, id int64) (masterdata.Location, error)
	GetVariant(ctx context.Context, id int64) (masterdata.Variant, error)
}

// Policy authorizes a principal for an action at a location.
type Policy interface {
	Authorize(p rbac.Principal, action rbac.Action, locationID int64) error
}

// ServiceDeps groups the optional collaborators of Service.
type ServiceDeps struct {
	Directory Directory
	Policy    Policy
	Cache     Cache
	Publisher Publisher
	Hooks     []Hook
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Service is the mutation engine. Every public mutation runs in one
// transaction over the ledger and the movement log; the Tx variants join a
// transaction owned by the caller.
type Service struct {
	repo      RepositoryPort
	directory Directory
	policy    Policy
	cache     Cache
	publisher Publisher
	hooks     []Hook
	logger    *slog.Logger
	clock     func() time.Time
	validate  *validator.Validate
}

// NewService builds Service. A nil Policy falls back to rbac.LedgerPolicy.
func NewService(repo RepositoryPort, deps ServiceDeps) *Service {
	s := &Service{
		repo:      repo,
		directory: deps.Directory,
		policy:    deps.Policy,
		cache:     deps.Cache,
		publisher: deps.Publisher,
		hooks:     deps.Hooks,
		logger:    deps.Logger,
		clock:     deps.Clock,
		validate:  validator.New(),
	}
	if s.policy == nil {
		s.policy = rbac.LedgerPolicy{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "inventory"))
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Adjust applies a signed quantity change.
func (s *Service) Adjust(ctx context.Context, p rbac.Principal, input AdjustInput) (Movement, error) {
	if err := s.checkAdjust(input); err != nil {
		return Movement{}, err
	}
	if err := s.ensureExists(ctx, input.VariantID, input.LocationID); err != nil {
		return Movement{}, err
	}
	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		movement, err = s.AdjustTx(ctx, tx, p, input)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	s.Committed(ctx, movement)
	return movement, nil
}

// AdjustTx is Adjust inside the caller's transaction. The caller must call
// Committed with the returned movement once its transaction commits.
func (s *Service) AdjustTx(ctx context.Context, tx TxRepository, p rbac.Principal, input AdjustInput) (Movement, error) {
	if err := s.checkAdjust(input); err != nil {
		return Movement{}, err
	}
	action := rbac.ActionDecrease
	if input.Delta > 0 {
		action = rbac.ActionIncrease
	}
	if err := s.policy.Authorize(p, action, input.LocationID); err != nil {
		return Movement{}, err
	}
	typ := input.Type
	if typ == "" {
		typ = MovementAdjustment
	}
	return s.apply(ctx, tx, p, change{
		key:           Key{LocationID: input.LocationID, VariantID: input.VariantID},
		delta:         input.Delta,
		typ:           typ,
		clamp:         input.ClampAtZero && input.Delta < 0,
		referenceType: input.ReferenceType,
		referenceID:   input.ReferenceID,
		notes:         input.Notes,
	})
}

// Transfer moves stock between two locations, writing a debit and a credit
// movement that share a transfer id.
func (s *Service) Transfer(ctx context.Context, p rbac.Principal, input TransferInput) (TransferResult, error) {
	if err := s.checkTransfer(input); err != nil {
		return TransferResult{}, err
	}
	if err := s.ensureExists(ctx, input.VariantID, input.From, input.To); err != nil {
		return TransferResult{}, err
	}
	var result TransferResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = s.TransferTx(ctx, tx, p, input)
		return err
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.Committed(ctx, result.Debit, result.Credit)
	return result, nil
}

// TransferTx is Transfer inside the caller's transaction.
func (s *Service) TransferTx(ctx context.Context, tx TxRepository, p rbac.Principal, input TransferInput) (TransferResult, error) {
	if err := s.checkTransfer(input); err != nil {
		return TransferResult{}, err
	}
	if err := s.policy.Authorize(p, rbac.ActionDecrease, input.From); err != nil {
		return TransferResult{}, err
	}
	from := Key{LocationID: input.From, VariantID: input.VariantID}
	to := Key{LocationID: input.To, VariantID: input.VariantID}
	first, second := from, to
	if to.Less(from) {
		first, second = to, from
	}
	for _, k := range []Key{first, second} {
		if _, _, err := tx.LockRecord(ctx, k.LocationID, k.VariantID); err != nil {
			return TransferResult{}, err
		}
	}

	transferID := uuid.NewString()
	debit, err := s.apply(ctx, tx, p, change{
		key:           from,
		delta:         -input.Quantity,
		typ:           MovementTransfer,
		referenceType: input.ReferenceType,
		referenceID:   input.ReferenceID,
		transferID:    transferID,
		notes:         joinNotes(fmt.Sprintf("transfer to location %d", input.To), input.Notes),
	})
	if err != nil {
		return TransferResult{}, err
	}
	credit, err := s.apply(ctx, tx, p, change{
		key:           to,
		delta:         input.Quantity,
		typ:           MovementTransfer,
		referenceType: input.ReferenceType,
		referenceID:   input.ReferenceID,
		transferID:    transferID,
		notes:         joinNotes(fmt.Sprintf("transfer from location %d", input.From), input.Notes),
	})
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{TransferID: transferID, Debit: debit, Credit: credit}, nil
}

// Receive books incoming goods as a purchase movement.
func (s *Service) Receive(ctx context.Context, p rbac.Principal, input ReceiveInput) (Movement, error) {
	if err := s.check(input); err != nil {
		return Movement{}, err
	}
	if err := s.ensureExists(ctx, input.VariantID, input.LocationID); err != nil {
		return Movement{}, err
	}
	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		movement, err = s.ReceiveTx(ctx, tx, p, input)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	s.Committed(ctx, movement)
	return movement, nil
}

// ReceiveTx is Receive inside the caller's transaction.
func (s *Service) ReceiveTx(ctx context.Context, tx TxRepository, p rbac.Principal, input ReceiveInput) (Movement, error) {
	if err := s.check(input); err != nil {
		return Movement{}, err
	}
	if err := s.policy.Authorize(p, rbac.ActionIncrease, input.LocationID); err != nil {
		return Movement{}, err
	}
	return s.apply(ctx, tx, p, change{
		key:           Key{LocationID: input.LocationID, VariantID: input.VariantID},
		delta:         input.Quantity,
		typ:           MovementPurchase,
		referenceType: input.ReferenceType,
		referenceID:   input.ReferenceID,
		notes:         input.Notes,
	})
}

// SetMinThreshold changes the low-stock threshold of a record. It writes no
// movement. Raising the stock above the new threshold re-arms the alert.
func (s *Service) SetMinThreshold(ctx context.Context, p rbac.Principal, locationID, variantID, minThreshold int64) (Record, error) {
	if minThreshold < 0 {
		return Record{}, fmt.Errorf("%w: threshold %d is negative", ErrInvalidQuantity, minThreshold)
	}
	if err := s.policy.Authorize(p, rbac.ActionConfigure, locationID); err != nil {
		return Record{}, err
	}
	if err := s.ensureExists(ctx, variantID, locationID); err != nil {
		return Record{}, err
	}
	var rec Record
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rec, _, err = tx.LockRecord(ctx, locationID, variantID)
		if err != nil {
			return err
		}
		rec.MinThreshold = minThreshold
		if rec.Quantity > minThreshold {
			rec.LowStockAlertSent = false
			rec.LastAlertSentAt = nil
		}
		rec.UpdatedAt = s.clock()
		return tx.SaveRecord(ctx, rec)
	})
	if err != nil {
		return Record{}, err
	}
	s.invalidate(ctx, rec.Key())
	return rec, nil
}

// FindStock returns the current record, served from the cache when possible.
func (s *Service) FindStock(ctx context.Context, locationID, variantID int64) (Record, error) {
	key := Key{LocationID: locationID, VariantID: variantID}
	fill := s.cache != nil
	var generation int64
	if s.cache != nil {
		rec, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("stock cache read", slog.String("key", key.String()), slog.Any("error", err))
		} else if ok {
			return rec, nil
		}
		// The generation must be taken before the database read.
		if generation, err = s.cache.Generation(ctx, key); err != nil {
			s.logger.Warn("stock cache generation", slog.String("key", key.String()), slog.Any("error", err))
			fill = false
		}
	}
	rec, err := s.repo.FindRecord(ctx, locationID, variantID)
	if err != nil {
		return Record{}, err
	}
	if fill {
		if err := s.cache.Set(ctx, rec, generation); err != nil {
			s.logger.Warn("stock cache write", slog.String("key", key.String()), slog.Any("error", err))
		}
	}
	return rec, nil
}

// ListMovements returns a page of the movement log.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, shared.Pagination, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, shared.Pagination{}, fmt.Errorf("%w: movement type %q", ErrInvalidInput, filter.Type)
	}
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	movements, total, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return movements, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// Committed runs the post-commit side effects for movements written through
// the Tx variants: cache invalidation, hooks and stock-changed publication.
// Publication failures are logged and never returned.
func (s *Service) Committed(ctx context.Context, movements ...Movement) {
	if len(movements) == 0 {
		return
	}
	keys := make([]Key, 0, len(movements))
	seen := make(map[Key]struct{}, len(movements))
	for _, m := range movements {
		if _, ok := seen[m.Key()]; ok {
			continue
		}
		seen[m.Key()] = struct{}{}
		keys = append(keys, m.Key())
	}
	s.invalidate(ctx, keys...)
	for _, m := range movements {
		for _, h := range s.hooks {
			h.MovementCommitted(ctx, m)
		}
		if s.publisher == nil {
			continue
		}
		if err := s.publisher.PublishStockChanged(ctx, stockChangedFrom(m)); err != nil {
			s.logger.Error("publish stock-changed",
				slog.Int64("movement_id", m.ID),
				slog.String("reference_type", m.ReferenceType),
				slog.String("reference_id", m.ReferenceID),
				slog.Any("error", err))
		}
	}
}

type change struct {
	key           Key
	delta         int64
	typ           MovementType
	clamp         bool
	referenceType string
	referenceID   string
	transferID    string
	notes         string
}

func (s *Service) apply(ctx context.Context, tx TxRepository, p rbac.Principal, c change) (Movement, error) {
	rec, _, err := tx.LockRecord(ctx, c.key.LocationID, c.key.VariantID)
	if err != nil {
		return Movement{}, err
	}
	before := rec.Quantity
	applied := c.delta
	notes := c.notes
	if applied > 0 && before > math.MaxInt64-applied {
		return Movement{}, fmt.Errorf("%w: %s would overflow", ErrInvalidQuantity, c.key)
	}
	if before+applied < 0 {
		if !c.clamp {
			return Movement{}, fmt.Errorf("%w: %s available %d requested %d", ErrInsufficientStock, c.key, before, -c.delta)
		}
		applied = -before
		if applied == 0 {
			return Movement{}, fmt.Errorf("%w: %s has no stock to remove", ErrInvalidQuantity, c.key)
		}
		notes = joinNotes(notes, fmt.Sprintf("clamped at zero: requested %d applied %d", c.delta, applied))
	}

	now := s.clock()
	rec.Quantity = before + applied
	rec.UpdatedAt = now
	if err := tx.SaveRecord(ctx, rec); err != nil {
		return Movement{}, err
	}
	return tx.InsertMovement(ctx, Movement{
		Type:           c.typ,
		LocationID:     c.key.LocationID,
		VariantID:      c.key.VariantID,
		QuantityBefore: before,
		QuantityAfter:  rec.Quantity,
		QuantityChange: applied,
		ActorID:        p.GetID(),
		ActorKind:      p.Kind(),
		Operation:      rbac.OperationOf(p),
		ReferenceType:  c.referenceType,
		ReferenceID:    c.referenceID,
		TransferID:     c.transferID,
		Notes:          notes,
		CreatedAt:      now,
	})
}

func (s *Service) checkAdjust(input AdjustInput) error {
	if input.Delta == 0 {
		return fmt.Errorf("%w: delta must be non zero", ErrInvalidQuantity)
	}
	if input.ClampAtZero && input.Type != "" && input.Type != MovementAdjustment && input.Type != MovementDamage {
		return fmt.Errorf("%w: only adjustment and damage may clamp at zero", ErrInvalidInput)
	}
	return s.check(input)
}

func (s *Service) checkTransfer(input TransferInput) error {
	if input.From != 0 && input.From == input.To {
		return fmt.Errorf("%w: location %d", ErrSameLocation, input.From)
	}
	if input.Quantity <= 0 {
		return fmt.Errorf("%w: transfer quantity %d", ErrInvalidQuantity, input.Quantity)
	}
	return s.check(input)
}

func (s *Service) check(input any) error {
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	}
	return nil
}

func (s *Service) ensureExists(ctx context.Context, variantID int64, locationIDs ...int64) error {
	if s.directory == nil {
		return nil
	}
	for _, id := range locationIDs {
		if _, err := s.directory.GetLocation(ctx, id); err != nil {
			return err
		}
	}
	_, err := s.directory.GetVariant(ctx, variantID)
	return err
}

func (s *Service) invalidate(ctx context.Context, keys ...Key) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.logger.Warn("stock cache invalidate", slog.Int("keys", len(keys)), slog.Any("error", err))
	}
}

func joinNotes(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}
