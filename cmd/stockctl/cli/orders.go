package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/orders"
	"github.com/odyssey-erp/stockledger/internal/rbac"
)

// OrderService is the order lifecycle surface used by the CLI.
type OrderService interface {
	CreateInvoice(ctx context.Context, actor rbac.User, input orders.CreateInvoiceInput) (orders.Invoice, error)
	CancelInvoice(ctx context.Context, actor rbac.User, id int64, reason string) (orders.CancelResult, error)
	GetInvoice(ctx context.Context, id int64) (orders.Invoice, error)
	CreatePurchase(ctx context.Context, actor rbac.User, input orders.CreatePurchaseInput) (orders.PurchaseOrder, error)
	CompletePurchase(ctx context.Context, actor rbac.User, id int64) (orders.PurchaseOrder, error)
	CancelPurchase(ctx context.Context, actor rbac.User, id int64, reason string) (orders.PurchaseOrder, error)
	GetPurchase(ctx context.Context, id int64) (orders.PurchaseOrder, error)
}

// OrdersCLI drives invoices and purchase orders.
type OrdersCLI struct {
	orders OrderService
	actors ActorResolver
}

// NewOrdersCLI builds the order commands.
func NewOrdersCLI(svc OrderService, actors ActorResolver) *OrdersCLI {
	return &OrdersCLI{orders: svc, actors: actors}
}

// Line is a parsed --line flag: variant:quantity[:price].
type Line struct {
	VariantID int64
	Quantity  int64
	Price     decimal.Decimal
}

// ParseLine parses "variant:quantity" or "variant:quantity:price".
func ParseLine(s string) (Line, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Line{}, fmt.Errorf("line %q: want variant:quantity[:price]", s)
	}
	variant, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || variant <= 0 {
		return Line{}, fmt.Errorf("line %q: invalid variant", s)
	}
	qty, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || qty <= 0 {
		return Line{}, fmt.Errorf("line %q: invalid quantity", s)
	}
	line := Line{VariantID: variant, Quantity: qty, Price: decimal.Zero}
	if len(parts) == 3 {
		price, err := decimal.NewFromString(parts[2])
		if err != nil || price.IsNegative() {
			return Line{}, fmt.Errorf("line %q: invalid price", s)
		}
		line.Price = price
	}
	return line, nil
}

// Lines collects repeated --line flags. It implements flag.Value.
type Lines []Line

func (l *Lines) String() string {
	if l == nil {
		return ""
	}
	parts := make([]string, 0, len(*l))
	for _, line := range *l {
		parts = append(parts, fmt.Sprintf("%d:%d:%s", line.VariantID, line.Quantity, line.Price.String()))
	}
	return strings.Join(parts, ",")
}

// Set parses one --line value.
func (l *Lines) Set(value string) error {
	line, err := ParseLine(value)
	if err != nil {
		return err
	}
	*l = append(*l, line)
	return nil
}

// InvoiceCreateOptions describes a sale.
type InvoiceCreateOptions struct {
	ActorID        int64
	LocationID     int64
	Number         string
	IdempotencyKey string
	Lines          Lines
	IO
}

// InvoiceCreateCommand records a sale and decrements stock.
func (c *OrdersCLI) InvoiceCreateCommand(ctx context.Context, opts InvoiceCreateOptions) int {
	const cmd = "invoice create"
	if len(opts.Lines) == 0 {
		return opts.usage(cmd, "at least one --line is required")
	}
	actor, err := resolveActor(ctx, c.actors, opts.ActorID)
	if err != nil {
		return opts.fail(cmd, err)
	}
	input := orders.CreateInvoiceInput{
		LocationID:     opts.LocationID,
		Number:         opts.Number,
		IdempotencyKey: opts.IdempotencyKey,
	}
	for _, l := range opts.Lines {
		input.Lines = append(input.Lines, orders.InvoiceLineInput{VariantID: l.VariantID, Quantity: l.Quantity, UnitPrice: l.Price})
	}
	inv, err := c.orders.CreateInvoice(ctx, actor, input)
	if err != nil {
		return opts.fail(cmd, err)
	}
	return c.printInvoice(cmd, opts.IO, inv)
}

// InvoiceCancelOptions identifies the invoice to cancel.
type InvoiceCancelOptions struct {
	ActorID   int64
	InvoiceID int64
	Reason    string
	IO
}

// InvoiceCancelCommand cancels a sale and restores its stock. Lines that
// could not be restored are reported and yield ExitPartial.
func (c *OrdersCLI) InvoiceCancelCommand(ctx context.Context, opts InvoiceCancelOptions) int {
	const cmd = "invoice cancel"
	if opts.InvoiceID <= 0 {
		return opts.usage(cmd, "--id is required")
	}
	actor, err := resolveActor(ctx, c.actors, opts.ActorID)
	if err != nil {
		return opts.fail(cmd, err)
	}
	res, err := c.orders.CancelInvoice(ctx, actor, opts.InvoiceID, opts.Reason)
	if err != nil {
		return opts.fail(cmd, err)
	}
	code := ExitOK
	if len(res.Failures) > 0 {
		code = ExitPartial
	}
	if opts.JSONOutput {
		failures := make([]map[string]any, 0, len(res.Failures))
		for _, f := range res.Failures {
			failures = append(failures, map[string]any{"variant_id": f.VariantID, "quantity": f.Quantity, "error": f.Err.Error()})
		}
		if rc := opts.json(cmd, map[string]any{
			"id":       res.Invoice.ID,
			"number":   res.Invoice.Number,
			"status":   res.Invoice.Status,
			"restored": res.Restored,
			"failures": failures,
		}); rc != ExitOK {
			return rc
		}
		return code
	}
	_, _ = fmt.Fprintf(opts.out(), "invoice %s cancelled, %d line(s) restored\n", res.Invoice.Number, res.Restored)
	for _, f := range res.Failures {
		_, _ = fmt.Fprintf(opts.errw(), "  variant %d qty %d not restored: %v\n", f.VariantID, f.Quantity, f.Err)
	}
	return code
}

// ShowOptions identifies a document by id.
type ShowOptions struct {
	ID int64
	IO
}

// InvoiceShowCommand prints an invoice with its lines.
func (c *OrdersCLI) InvoiceShowCommand(ctx context.Context, opts ShowOptions) int {
	const cmd = "invoice show"
	inv, err := c.orders.GetInvoice(ctx, opts.ID)
	if err != nil {
		return opts.fail(cmd, err)
	}
	return c.printInvoice(cmd, opts.IO, inv)
}

// PurchaseCreateOptions describes a purchase order.
type PurchaseCreateOptions struct {
	ActorID        int64
	LocationID     int64
	SupplierID     int64
	Number         string
	IdempotencyKey string
	Lines          Lines
	IO
}

// PurchaseCreateCommand places a pending purchase order.
func (c *OrdersCLI) PurchaseCreateCommand(ctx context.Context, opts PurchaseCreateOptions) int {
	const cmd = "purchase create"
	if len(opts.Lines) == 0 {
		return opts.usage(cmd, "at least one --line is required")
	}
	actor, err := resolveActor(ctx, c.actors, opts.ActorID)
	if err != nil {
		return opts.fail(cmd, err)
	}
	input := orders.CreatePurchaseInput{
		LocationID:     opts.LocationID,
		SupplierID:     opts.SupplierID,
		Number:         opts.Number,
		IdempotencyKey: opts.IdempotencyKey,
	}
	for _, l := range opts.Lines {
		input.Lines = append(input.Lines, orders.PurchaseLineInput{VariantID: l.VariantID, Quantity: l.Quantity, UnitCost: l.Price})
	}
	po, err := c.orders.CreatePurchase(ctx, actor, input)
	if err != nil {
		return opts.fail(cmd, err)
	}
	return c.printPurchase(cmd, opts.IO, po)
}

// PurchaseTransitionOptions identifies a purchase order to complete or cancel.
type PurchaseTransitionOptions struct {
	ActorID    int64
	PurchaseID int64
	Reason     string
	IO
}

// PurchaseCompleteCommand receives the goods of a pending order.
func (c *OrdersCLI) PurchaseCompleteCommand(ctx context.Context, opts PurchaseTransitionOptions) int {
	return c.transition(ctx, "purchase complete", opts, func(actor rbac.User) (orders.PurchaseOrder, error) {
		return c.orders.CompletePurchase(ctx, actor, opts.PurchaseID)
	})
}

// PurchaseCancelCommand cancels a pending order without touching stock.
func (c *OrdersCLI) PurchaseCancelCommand(ctx context.Context, opts PurchaseTransitionOptions) int {
	return c.transition(ctx, "purchase cancel", opts, func(actor rbac.User) (orders.PurchaseOrder, error) {
		return c.orders.CancelPurchase(ctx, actor, opts.PurchaseID, opts.Reason)
	})
}

// PurchaseShowCommand prints a purchase order with its lines.
func (c *OrdersCLI) PurchaseShowCommand(ctx context.Context, opts ShowOptions) int {
	const cmd = "purchase show"
	po, err := c.orders.GetPurchase(ctx, opts.ID)
	if err != nil {
		return opts.fail(cmd, err)
	}
	return c.printPurchase(cmd, opts.IO, po)
}

func (c *OrdersCLI) transition(ctx context.Context, cmd string, opts PurchaseTransitionOptions, fn func(rbac.User) (orders.PurchaseOrder, error)) int {
	if opts.PurchaseID <= 0 {
		return opts.usage(cmd, "--id is required")
	}
	actor, err := resolveActor(ctx, c.actors, opts.ActorID)
	if err != nil {
		return opts.fail(cmd, err)
	}
	po, err := fn(actor)
	if err != nil {
		return opts.fail(cmd, err)
	}
	return c.printPurchase(cmd, opts.IO, po)
}

func (c *OrdersCLI) printInvoice(cmd string, o IO, inv orders.Invoice) int {
	if o.JSONOutput {
		lines := make([]map[string]any, 0, len(inv.Lines))
		for _, l := range inv.Lines {
			lines = append(lines, map[string]any{"variant_id": l.VariantID, "quantity": l.Quantity, "unit_price": l.UnitPrice.StringFixed(2)})
		}
		return o.json(cmd, map[string]any{
			"id":          inv.ID,
			"number":      inv.Number,
			"location_id": inv.LocationID,
			"status":      inv.Status,
			"total":       inv.Total().StringFixed(2),
			"lines":       lines,
		})
	}
	_, _ = fmt.Fprintf(o.out(), "invoice %d %s at location %d: %s, total %s\n",
		inv.ID, inv.Number, inv.LocationID, inv.Status, inv.Total().StringFixed(2))
	for _, l := range inv.Lines {
		_, _ = fmt.Fprintf(o.out(), "  variant %d x%d @ %s\n", l.VariantID, l.Quantity, l.UnitPrice.StringFixed(2))
	}
	return ExitOK
}

func (c *OrdersCLI) printPurchase(cmd string, o IO, po orders.PurchaseOrder) int {
	if o.JSONOutput {
		lines := make([]map[string]any, 0, len(po.Lines))
		for _, l := range po.Lines {
			lines = append(lines, map[string]any{"variant_id": l.VariantID, "quantity": l.Quantity, "unit_cost": l.UnitCost.StringFixed(2)})
		}
		return o.json(cmd, map[string]any{
			"id":          po.ID,
			"number":      po.Number,
			"location_id": po.LocationID,
			"supplier_id": po.SupplierID,
			"status":      po.Status,
			"lines":       lines,
		})
	}
	_, _ = fmt.Fprintf(o.out(), "purchase %d %s at location %d from supplier %d: %s\n",
		po.ID, po.Number, po.LocationID, po.SupplierID, po.Status)
	for _, l := range po.Lines {
		_, _ = fmt.Fprintf(o.out(), "  variant %d x%d @ %s\n", l.VariantID, l.Quantity, l.UnitCost.StringFixed(2))
	}
	return ExitOK
}
