package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// InvoiceStatus is the lifecycle state of a sale. Creation and payment are a
// single transition, so an invoice starts PAID.
type InvoiceStatus string

const (
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// PurchaseStatus is the lifecycle state of a purchase order.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "PENDING"
	PurchaseCompleted PurchaseStatus = "COMPLETED"
	PurchaseCancelled PurchaseStatus = "CANCELLED"
)

const (
	// ReferenceInvoice tags movements caused by invoices.
	ReferenceInvoice = "invoice"
	// ReferencePurchase tags movements caused by purchase orders.
	ReferencePurchase = "purchase_order"
)

// Invoice is a sale at one location.
type Invoice struct {
	ID           int64
	Number       string
	LocationID   int64
	Status       InvoiceStatus
	CreatedBy    int64
	CancelledBy  int64
	CancelReason string
	CancelledAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Lines        []InvoiceLine
}

// Total sums quantity times unit price over the lines.
func (i Invoice) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range i.Lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity)))
	}
	return total
}

// InvoiceLine sells Quantity units of a variant.
type InvoiceLine struct {
	ID        int64
	InvoiceID int64
	VariantID int64
	Quantity  int64
	UnitPrice decimal.Decimal
}

// PurchaseOrder is an order placed with a supplier for delivery to a location.
type PurchaseOrder struct {
	ID           int64
	Number       string
	LocationID   int64
	SupplierID   int64
	Status       PurchaseStatus
	CreatedBy    int64
	CompletedBy  int64
	CompletedAt  *time.Time
	CancelledBy  int64
	CancelReason string
	CancelledAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Lines        []PurchaseLine
}

// PurchaseLine orders Quantity units of a variant.
type PurchaseLine struct {
	ID         int64
	PurchaseID int64
	VariantID  int64
	Quantity   int64
	UnitCost   decimal.Decimal
}

// CreateInvoiceInput describes a new sale.
type CreateInvoiceInput struct {
	LocationID     int64              `validate:"gt=0"`
	Number         string             `validate:"max=64"`
	IdempotencyKey string             `validate:"max=128"`
	Lines          []InvoiceLineInput `validate:"min=1,dive"`
}

// InvoiceLineInput is one line of CreateInvoiceInput.
type InvoiceLineInput struct {
	VariantID int64 `validate:"gt=0"`
	Quantity  int64 `validate:"gt=0"`
	UnitPrice decimal.Decimal
}

// CreatePurchaseInput describes a new purchase order.
type CreatePurchaseInput struct {
	LocationID     int64               `validate:"gt=0"`
	SupplierID     int64               `validate:"gt=0"`
	Number         string              `validate:"max=64"`
	IdempotencyKey string              `validate:"max=128"`
	Lines          []PurchaseLineInput `validate:"min=1,dive"`
}

// PurchaseLineInput is one line of CreatePurchaseInput.
type PurchaseLineInput struct {
	VariantID int64 `validate:"gt=0"`
	Quantity  int64 `validate:"gt=0"`
	UnitCost  decimal.Decimal
}

// LineFailure reports a line whose stock could not be restored on cancellation.
type LineFailure struct {
	VariantID int64
	Quantity  int64
	Err       error
}

// CancelResult is the outcome of CancelInvoice. The cancellation commits even
// when some lines fail to restore; those lines are listed in Failures.
type CancelResult struct {
	Invoice  Invoice
	Restored int
	Failures []LineFailure
}

var (
	// ErrInvoiceNotFound indicates the invoice does not exist.
	ErrInvoiceNotFound = fmt.Errorf("orders: invoice %w", shared.ErrNotFound)
	// ErrPurchaseNotFound indicates the purchase order does not exist.
	ErrPurchaseNotFound = fmt.Errorf("orders: purchase order %w", shared.ErrNotFound)
	// ErrInvalidStatus indicates a transition not allowed from the current status.
	ErrInvalidStatus = fmt.Errorf("orders: invalid status transition: %w", shared.ErrInvalidOperation)
	// ErrInvalidInput wraps malformed order requests.
	ErrInvalidInput = fmt.Errorf("orders: invalid input: %w", shared.ErrInvalidOperation)
	// ErrDuplicateRequest indicates the idempotency key was already used.
	ErrDuplicateRequest = fmt.Errorf("orders: duplicate request: %w", shared.ErrInvalidOperation)
)
