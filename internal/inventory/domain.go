package inventory

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/stockledger/internal/rbac"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// MovementType classifies a quantity change in the movement log.
type MovementType string

const (
	MovementSale       MovementType = "sale"
	MovementPurchase   MovementType = "purchase"
	MovementAdjustment MovementType = "adjustment"
	MovementReturn     MovementType = "return"
	MovementTransfer   MovementType = "transfer"
	MovementDamage     MovementType = "damage"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementSale, MovementPurchase, MovementAdjustment, MovementReturn, MovementTransfer, MovementDamage:
		return true
	}
	return false
}

// Key identifies a ledger record.
type Key struct {
	LocationID int64
	VariantID  int64
}

// Less orders keys by location then variant. Locks are always taken in this order.
func (k Key) Less(o Key) bool {
	if k.LocationID != o.LocationID {
		return k.LocationID < o.LocationID
	}
	return k.VariantID < o.VariantID
}

func (k Key) String() string {
	return fmt.Sprintf("location %d variant %d", k.LocationID, k.VariantID)
}

// Record is the current stock of one variant at one location.
type Record struct {
	LocationID        int64
	VariantID         int64
	Quantity          int64
	MinThreshold      int64
	LowStockAlertSent bool
	LastAlertSentAt   *time.Time
	UpdatedAt         time.Time
}

// Key returns the record key.
func (r Record) Key() Key {
	return Key{LocationID: r.LocationID, VariantID: r.VariantID}
}

// IsLow reports whether the quantity is at or below the threshold. A zero
// threshold disables low-stock alerts.
func (r Record) IsLow() bool {
	return r.MinThreshold > 0 && r.Quantity <= r.MinThreshold
}

// Movement is an immutable row of the movement log. QuantityAfter minus
// QuantityBefore always equals QuantityChange.
type Movement struct {
	ID             int64
	Type           MovementType
	LocationID     int64
	VariantID      int64
	QuantityBefore int64
	QuantityAfter  int64
	QuantityChange int64
	ActorID        int64
	ActorKind      rbac.ActorKind
	Operation      string
	ReferenceType  string
	ReferenceID    string
	TransferID     string
	Notes          string
	CreatedAt      time.Time
}

// Key returns the ledger key the movement applies to.
func (m Movement) Key() Key {
	return Key{LocationID: m.LocationID, VariantID: m.VariantID}
}

// AdjustInput describes a signed quantity change at one location.
type AdjustInput struct {
	LocationID    int64        `validate:"gt=0"`
	VariantID     int64        `validate:"gt=0"`
	Delta         int64        `validate:"ne=0"`
	Type          MovementType `validate:"omitempty,oneof=sale purchase adjustment return damage"`
	ReferenceType string       `validate:"max=64"`
	ReferenceID   string       `validate:"max=64"`
	Notes         string       `validate:"max=500"`
	// ClampAtZero turns a decrease larger than the stock on hand into a
	// decrease to zero. Only manual adjustment and damage corrections may clamp.
	ClampAtZero bool
}

// TransferInput moves quantity of a variant between two locations.
type TransferInput struct {
	From          int64  `validate:"gt=0"`
	To            int64  `validate:"gt=0,nefield=From"`
	VariantID     int64  `validate:"gt=0"`
	Quantity      int64  `validate:"gt=0"`
	ReferenceType string `validate:"max=64"`
	ReferenceID   string `validate:"max=64"`
	Notes         string `validate:"max=500"`
}

// TransferResult holds both legs of a transfer.
type TransferResult struct {
	TransferID string
	Debit      Movement
	Credit     Movement
}

// ReceiveInput books incoming goods at a location.
type ReceiveInput struct {
	LocationID    int64  `validate:"gt=0"`
	VariantID     int64  `validate:"gt=0"`
	Quantity      int64  `validate:"gt=0"`
	ReferenceType string `validate:"max=64"`
	ReferenceID   string `validate:"max=64"`
	Notes         string `validate:"max=500"`
}

// MovementFilter narrows a movement listing. Zero values do not filter.
type MovementFilter struct {
	LocationID    int64
	VariantID     int64
	Type          MovementType
	ReferenceType string
	ReferenceID   string
	From          time.Time
	To            time.Time
	Page          int
	PerPage       int
}

var (
	// ErrRecordNotFound indicates no ledger record exists for the key.
	ErrRecordNotFound = fmt.Errorf("inventory: stock record %w", shared.ErrNotFound)
	// ErrInsufficientStock indicates a decrease larger than the stock on hand.
	ErrInsufficientStock = fmt.Errorf("inventory: insufficient stock: %w", shared.ErrInvalidOperation)
	// ErrInvalidQuantity indicates a zero or out of range quantity.
	ErrInvalidQuantity = fmt.Errorf("inventory: invalid quantity: %w", shared.ErrInvalidOperation)
	// ErrSameLocation indicates a transfer whose source equals its destination.
	ErrSameLocation = fmt.Errorf("inventory: source and destination must differ: %w", shared.ErrInvalidOperation)
	// ErrInvalidInput wraps validation failures of mutation inputs.
	ErrInvalidInput = fmt.Errorf("inventory: invalid input: %w", shared.ErrInvalidOperation)
)
