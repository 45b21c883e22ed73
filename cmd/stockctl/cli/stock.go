package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/rbac"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ActorResolver loads the user a command acts as.
type ActorResolver interface {
	GetUser(ctx context.Context, id int64) (rbac.User, error)
}

// StockService is the ledger surface used by the stock commands.
type StockService interface {
	FindStock(ctx context.Context, locationID, variantID int64) (inventory.Record, error)
	ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, shared.Pagination, error)
	Adjust(ctx context.Context, p rbac.Principal, input inventory.AdjustInput) (inventory.Movement, error)
	Transfer(ctx context.Context, p rbac.Principal, input inventory.TransferInput) (inventory.TransferResult, error)
	Receive(ctx context.Context, p rbac.Principal, input inventory.ReceiveInput) (inventory.Movement, error)
	SetMinThreshold(ctx context.Context, p rbac.Principal, locationID, variantID, minThreshold int64) (inventory.Record, error)
}

// StockCLI exposes ledger reads and manual corrections.
type StockCLI struct {
	stock  StockService
	actors ActorResolver
}

// NewStockCLI builds the stock commands.
func NewStockCLI(stock StockService, actors ActorResolver) *StockCLI {
	return &StockCLI{stock: stock, actors: actors}
}

type recordView struct {
	LocationID        int64      `json:"location_id"`
	VariantID         int64      `json:"variant_id"`
	Quantity          int64      `json:"quantity"`
	MinThreshold      int64      `json:"min_threshold"`
	LowStock          bool       `json:"low_stock"`
	LowStockAlertSent bool       `json:"low_stock_alert_sent"`
	LastAlertSentAt   *time.Time `json:"last_alert_sent_at,omitempty"`
}

func viewRecord(r inventory.Record) recordView {
	return recordView{
		LocationID:        r.LocationID,
		VariantID:         r.VariantID,
		Quantity:          r.Quantity,
		MinThreshold:      r.MinThreshold,
		LowStock:          r.IsLow(),
		LowStockAlertSent: r.LowStockAlertSent,
		LastAlertSentAt:   r.LastAlertSentAt,
	}
}

type movementView struct {
	ID             int64     `json:"id"`
	Type           string    `json:"type"`
	LocationID     int64     `json:"location_id"`
	VariantID      int64     `json:"variant_id"`
	QuantityBefore int64     `json:"quantity_before"`
	QuantityAfter  int64     `json:"quantity_after"`
	QuantityChange int64     `json:"quantity_change"`
	ActorID        int64     `json:"actor_id"`
	ActorKind      string    `json:"actor_kind"`
	Operation      string    `json:"operation,omitempty"`
	ReferenceType  string    `json:"reference_type,omitempty"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	TransferID     string    `json:"transfer_id,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func viewMovement(m inventory.Movement) movementView {
	return movementView{
		ID:             m.ID,
		Type:           string(m.Type),
		LocationID:     m.LocationID,
		VariantID:      m.VariantID,
		QuantityBefore: m.QuantityBefore,
		QuantityAfter:  m.QuantityAfter,
		QuantityChange: m.QuantityChange,
		ActorID:        m.ActorID,
		ActorKind:      string(m.ActorKind),
		Operation:      m.Operation,
		ReferenceType:  m.ReferenceType,
		ReferenceID:    m.ReferenceID,
		TransferID:     m.TransferID,
		Notes:          m.Notes,
		CreatedAt:      m.CreatedAt,
	}
}

// StockFindOptions selects one ledger record.
type StockFindOptions struct {
	LocationID int64
	VariantID  int64
	IO
}

// FindCommand prints the stock of a variant at a location.
func (c *StockCLI) FindCommand(ctx context.Context, opts StockFindOptions) int {
	const cmd = "stock find"
	if opts.LocationID <= 0 || opts.VariantID <= 0 {
		return opts.usage(cmd, "--location and --variant are required")
	}
	rec, err := c.stock.FindStock(ctx, opts.LocationID, opts.VariantID)
	if err != nil {
		return opts.fail(cmd, err)
	}
	if opts.JSONOutput {
		return opts.json(cmd, viewRecord(rec))
	}
	suffix := ""
	if rec.IsLow() {
		suffix = " (low)"
	}
	_, _ = fmt.Fprintf(opts.out(), "location %d variant %d: %d on hand, threshold %d%s\n",
		rec.LocationID, rec.VariantID, rec.Quantity, rec.MinThreshold, suffix)
	return ExitOK
}

// MovementsOptions filters the movement listing.
type MovementsOptions struct {
	Filter inventory.MovementFilter
	IO
}

// MovementsCommand prints one page of the movement log in commit order.
func (c *StockCLI) MovementsCommand(ctx context.Context, opts MovementsOptions) int {
	const cmd = "stock movements"
	if opts.Filter.Type != "" && !opts.Filter.Type.Valid() {
		return opts.usage(cmd, fmt.Sprintf("unknown movement type %q", opts.Filter.Type))
	}
	items, page, err := c.stock.ListMovements(ctx, opts.Filter)
	if err != nil {
		return opts.fail(cmd, err)
	}
	if opts.JSONOutput {
		views := make([]movementView, 0, len(items))
		for _, m := range items {
			views = append(views, viewMovement(m))
		}
		return opts.json(cmd, map[string]any{
			"movements":   views,
			"page":        page.Page,
			"per_page":    page.PerPage,
			"total":       page.Total,
			"total_pages": page.TotalPages,
		})
	}
	tw := tabwriter.NewWriter(opts.out(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tLOCATION\tVARIANT\tBEFORE\tAFTER\tCHANGE\tACTOR\tREFERENCE\tAT")
	for _, m := range items {
		ref := ""
		if m.ReferenceType != "" {
			ref = m.ReferenceType + ":" + m.ReferenceID
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%+d\t%s:%d\t%s\t%s\n",
			m.ID, m.Type, m.LocationID, m.VariantID, m.QuantityBefore, m.QuantityAfter,
			m.QuantityChange, m.ActorKind, m.ActorID, ref, m.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(opts.out(), "page %d/%d (%d movements)\n", page.Page, page.TotalPages, page.Total)
	return ExitOK
}

// AdjustOptions describes a manual correction.
type AdjustOptions struct {
	ActorID int64
	Input   inventory.AdjustInput
	IO
}

// AdjustCommand applies a signed quantity change as the given user.
func (c *StockCLI) AdjustCommand(ctx context.Context, opts AdjustOptions) int {
	const cmd = "stock adjust"
	actor, err := c.resolve(ctx, opts.ActorID)
	if err != nil {
		return opts.fail(cmd, err)
	}
	if opts.Input.Type == "" {
		opts.Input.Type = inventory.MovementAdjustment
	}
	m, err := c.stock.Adjust(ctx, actor, opts.Input)
	if err != nil {
		return opts.fail(cmd, err)
	}
	if opts.JSONOutput {
		return opts.json(cmd, viewMovement(m))
	}
	_, _ = fmt.Fprintf(opts.out(), "movement %d: %d -> %d (%+d)\n", m.ID, m.QuantityBefore, m.QuantityAfter, m.QuantityChange)
	return ExitOK
}

// TransferOptions describes a transfer between two locations.
type TransferOptions struct {
	ActorID int64
	Input   inventory.TransferInput
	IO
}

// TransferCommand moves stock between locations as the given user.
func (c *StockCLI) TransferCommand(ctx context.Context, opts TransferOptions) int {
	const cmd = "stock transfer"
	actor, err := c.resolve(ctx, opts.ActorID)
	if err != nil {
		return opts.fail(cmd, err)
	}
	res, err := c.stock.Transfer(ctx, actor, opts.Input)
	if err != nil {
		return opts.fail(cmd, err)
	}
	if opts.JSONOutput {
		return opts.json(cmd, map[string]any{
			"transfer_id": res.TransferID,
			"debit":       viewMovement(res.Debit),
			"credit":      viewMovement(res.Credit),
		})
	}
	_, _ = fmt.Fprintf(opts.out(), "transfer %s: location %d now %d, location %d now %d\n",
		res.TransferID, res.Debit.LocationID, res.Debit.QuantityAfter, res.Credit.LocationID, res.Credit.QuantityAfter)
	return ExitOK
}

// ReceiveOptions books goods received outside a purchase order.
type ReceiveOptions struct {
	ActorID int64
	Input   inventory.ReceiveInput
	IO
}

// ReceiveCommand books incoming stock as the given user.
func (c *StockCLI) ReceiveCommand(ctx context.Context, opts ReceiveOptions) int {
	const cmd = "stock receive"
	actor, err := c.resolve(ctx, opts.ActorID)
	if err != nil {
		return opts.fail(cmd, err)
	}
	m, err := c.stock.Receive(ctx, actor, opts.Input)
	if err != nil {
		return opts.fail(cmd, err)
	}
	if opts.JSONOutput {
		return opts.json(cmd, viewMovement(m))
	}
	_, _ = fmt.Fprintf(opts.out(), "movement %d: %d -> %d (%+d)\n", m.ID, m.QuantityBefore, m.QuantityAfter, m.QuantityChange)
	return ExitOK
}

// ThresholdOptions sets the low-stock threshold of one record.
type ThresholdOptions struct {
	ActorID      int64
	LocationID   int64
	VariantID    int64
	MinThreshold int64
	IO
}

// ThresholdCommand updates the minimum threshold.
func (c *StockCLI) ThresholdCommand(ctx context.Context, opts ThresholdOptions) int {
	const cmd = "threshold set"
	if opts.MinThreshold < 0 {
		return opts.usage(cmd, "--min must not be negative")
	}
	actor, err := c.resolve(ctx, opts.ActorID)
	if err != nil {
		return opts.fail(cmd, err)
	}
	rec, err := c.stock.SetMinThreshold(ctx, actor, opts.LocationID, opts.VariantID, opts.MinThreshold)
	if err != nil {
		return opts.fail(cmd, err)
	}
	if opts.JSONOutput {
		return opts.json(cmd, viewRecord(rec))
	}
	_, _ = fmt.Fprintf(opts.out(), "location %d variant %d: threshold %d\n", rec.LocationID, rec.VariantID, rec.MinThreshold)
	return ExitOK
}

func (c *StockCLI) resolve(ctx context.Context, id int64) (rbac.User, error) {
	return resolveActor(ctx, c.actors, id)
}

func resolveActor(ctx context.Context, actors ActorResolver, id int64) (rbac.User, error) {
	if id <= 0 {
		return rbac.User{}, errors.New("--actor is required")
	}
	if actors == nil {
		return rbac.User{}, errors.New("actor resolver not configured")
	}
	u, err := actors.GetUser(ctx, id)
	if err != nil {
		return rbac.User{}, fmt.Errorf("resolve actor %d: %w", id, err)
	}
	return u, nil
}
