package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockledger/cmd/stockctl/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/orders"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/rbac"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

const usage = `usage: stockctl <group> <command> [flags]

  jobs trigger <low-stock-scan|low-stock-reset>
  jobs stats
  stock find --location --variant
  stock movements [--location --variant --type --ref-type --ref-id --since --page --per-page]
  stock adjust --actor --location --variant --delta [--type --notes --clamp]
  stock transfer --actor --from --to --variant --qty [--notes]
  stock receive --actor --location --variant --qty [--notes]
  threshold set --actor --location --variant --min
  invoice create --actor --location --line variant:qty[:price]... [--number --key]
  invoice cancel --actor --id [--reason]
  invoice show --id
  purchase create --actor --location --supplier --line variant:qty[:cost]... [--number --key]
  purchase complete --actor --id
  purchase cancel --actor --id [--reason]
  purchase show --id
  idempotency purge [--older-than]

Every command accepts --json.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitFailure
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return cli.ExitFailure
	}
	env := &environment{cfg: cfg, logger: app.NewLogger(cfg), stdout: stdout, stderr: stderr}
	defer env.close()

	group, command, rest := args[0], args[1], args[2:]
	switch group + " " + command {
	case "jobs trigger":
		return env.jobsTrigger(ctx, rest)
	case "jobs stats":
		return env.jobsStats(ctx, rest)
	case "stock find":
		return env.stockFind(ctx, rest)
	case "stock movements":
		return env.stockMovements(ctx, rest)
	case "stock adjust":
		return env.stockAdjust(ctx, rest)
	case "stock transfer":
		return env.stockTransfer(ctx, rest)
	case "stock receive":
		return env.stockReceive(ctx, rest)
	case "threshold set":
		return env.thresholdSet(ctx, rest)
	case "invoice create":
		return env.invoiceCreate(ctx, rest)
	case "invoice cancel":
		return env.invoiceCancel(ctx, rest)
	case "invoice show":
		return env.invoiceShow(ctx, rest)
	case "purchase create":
		return env.purchaseCreate(ctx, rest)
	case "purchase complete":
		return env.purchaseTransition(ctx, "purchase complete", rest)
	case "purchase cancel":
		return env.purchaseTransition(ctx, "purchase cancel", rest)
	case "purchase show":
		return env.purchaseShow(ctx, rest)
	case "idempotency purge":
		return env.idempotencyPurge(ctx, rest)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", group+" "+command, usage)
		return cli.ExitFailure
	}
}

// environment connects dependencies on first use so read-only queue
// commands never need the database.
type environment struct {
	cfg    *app.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	pool      *pgxpool.Pool
	redis     *redis.Client
	client    *jobs.Client
	inspector *asynq.Inspector
	stock     *inventory.Service
}

func (e *environment) close() {
	if e.client != nil {
		_ = e.client.Close()
	}
	if e.inspector != nil {
		_ = e.inspector.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

func (e *environment) output(jsonOut bool) cli.IO {
	return cli.IO{JSONOutput: jsonOut, Stdout: e.stdout, Stderr: e.stderr}
}

func (e *environment) jobsClient() *jobs.Client {
	if e.client == nil {
		e.client = jobs.NewClient(asynq.RedisClientOpt{Addr: e.cfg.RedisAddr}, e.cfg.JobMaxRetry, e.logger)
	}
	return e.client
}

func (e *environment) database(ctx context.Context) (*pgxpool.Pool, error) {
	if e.pool == nil {
		pool, err := db.New(ctx, e.cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		e.pool = pool
	}
	return e.pool, nil
}

func (e *environment) inventoryService(ctx context.Context) (*inventory.Service, error) {
	if e.stock != nil {
		return e.stock, nil
	}
	pool, err := e.database(ctx)
	if err != nil {
		return nil, err
	}
	deps := inventory.ServiceDeps{
		Directory: masterdata.NewService(masterdata.NewRepository(pool)),
		Publisher: e.jobsClient(),
		Hooks: []inventory.Hook{inventory.HookFunc(func(_ context.Context, m inventory.Movement) {
			e.logger.Info("movement committed",
				slog.Int64("movement_id", m.ID),
				slog.String("type", string(m.Type)),
				slog.Int64("location_id", m.LocationID),
				slog.Int64("variant_id", m.VariantID),
				slog.Int64("change", m.QuantityChange))
		})},
		Logger: e.logger,
	}
	if client, err := cache.New(ctx, e.cfg.RedisAddr); err != nil {
		e.logger.Warn("stock cache disabled", slog.Any("error", err))
	} else {
		e.redis = client
		deps.Cache = inventory.NewRedisCache(client, e.cfg.StockCacheTTL)
	}
	e.stock = inventory.NewService(inventory.NewRepository(pool), deps)
	return e.stock, nil
}

func (e *environment) stockCLI(ctx context.Context) (*cli.StockCLI, error) {
	svc, err := e.inventoryService(ctx)
	if err != nil {
		return nil, err
	}
	return cli.NewStockCLI(svc, rbac.NewService(e.pool)), nil
}

func (e *environment) ordersCLI(ctx context.Context) (*cli.OrdersCLI, error) {
	inv, err := e.inventoryService(ctx)
	if err != nil {
		return nil, err
	}
	svc := orders.NewService(orders.NewRepository(e.pool), inv, orders.ServiceDeps{
		Directory:   masterdata.NewService(masterdata.NewRepository(e.pool)),
		Idempotency: shared.NewIdempotencyStore(e.pool),
		Audit:       shared.NewAuditLogger(e.pool),
		Logger:      e.logger,
	})
	return cli.NewOrdersCLI(svc, rbac.NewService(e.pool)), nil
}

func (e *environment) connectFailed(cmd string, err error) int {
	_, _ = fmt.Fprintf(e.stderr, "%s: %v\n", cmd, err)
	return cli.ExitFailure
}

func (e *environment) parse(fs *flag.FlagSet, args []string) bool {
	fs.SetOutput(e.stderr)
	return fs.Parse(args) == nil
}

func (e *environment) jobsTrigger(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
	by := fs.String("requested-by", "stockctl", "requester recorded on the task")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	return cli.NewJobsCLI(e.jobsClient(), nil).TriggerCommand(ctx, cli.JobsTriggerOptions{
		Name:        fs.Arg(0),
		RequestedBy: *by,
		IO:          e.output(false),
	})
}

func (e *environment) jobsStats(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("jobs stats", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	e.inspector = asynq.NewInspector(asynq.RedisClientOpt{Addr: e.cfg.RedisAddr})
	return cli.NewJobsCLI(nil, e.inspector).StatsCommand(ctx, e.output(*jsonOut))
}

func (e *environment) stockFind(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stock find", flag.ContinueOnError)
	location := fs.Int64("location", 0, "location id")
	variant := fs.Int64("variant", 0, "variant id")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.stockCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	return c.FindCommand(ctx, cli.StockFindOptions{LocationID: *location, VariantID: *variant, IO: e.output(*jsonOut)})
}

func (e *environment) stockMovements(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stock movements", flag.ContinueOnError)
	location := fs.Int64("location", 0, "location id")
	variant := fs.Int64("variant", 0, "variant id")
	typ := fs.String("type", "", "movement type")
	refType := fs.String("ref-type", "", "reference type")
	refID := fs.String("ref-id", "", "reference id")
	since := fs.Duration("since", 0, "only movements newer than this")
	page := fs.Int("page", 1, "page")
	perPage := fs.Int("per-page", shared.DefaultPerPage, "page size")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.stockCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	filter := inventory.MovementFilter{
		LocationID:    *location,
		VariantID:     *variant,
		Type:          inventory.MovementType(*typ),
		ReferenceType: *refType,
		ReferenceID:   *refID,
		Page:          *page,
		PerPage:       *perPage,
	}
	if *since > 0 {
		filter.From = time.Now().UTC().Add(-*since)
	}
	return c.MovementsCommand(ctx, cli.MovementsOptions{Filter: filter, IO: e.output(*jsonOut)})
}

func (e *environment) stockAdjust(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stock adjust", flag.ContinueOnError)
	actor := fs.Int64("actor", 0, "acting user id")
	location := fs.Int64("location", 0, "location id")
	variant := fs.Int64("variant", 0, "variant id")
	delta := fs.Int64("delta", 0, "signed quantity change")
	typ := fs.String("type", string(inventory.MovementAdjustment), "adjustment, damage or return")
	notes := fs.String("notes", "", "notes")
	clamp := fs.Bool("clamp", false, "clamp an oversized decrease at zero")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.stockCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	return c.AdjustCommand(ctx, cli.AdjustOptions{
		ActorID: *actor,
		Input: inventory.AdjustInput{
			LocationID:  *location,
			VariantID:   *variant,
			Delta:       *delta,
			Type:        inventory.MovementType(*typ),
			Notes:       *notes,
			ClampAtZero: *clamp,
		},
		IO: e.output(*jsonOut),
	})
}

func (e *environment) stockTransfer(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stock transfer", flag.ContinueOnError)
	actor := fs.Int64("actor", 0, "acting user id")
	from := fs.Int64("from", 0, "source location id")
	to := fs.Int64("to", 0, "destination location id")
	variant := fs.Int64("variant", 0, "variant id")
	qty := fs.Int64("qty", 0, "quantity")
	notes := fs.String("notes", "", "notes")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.stockCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	return c.TransferCommand(ctx, cli.TransferOptions{
		ActorID: *actor,
		Input:   inventory.TransferInput{From: *from, To: *to, VariantID: *variant, Quantity: *qty, Notes: *notes},
		IO:      e.output(*jsonOut),
	})
}

func (e *environment) stockReceive(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stock receive", flag.ContinueOnError)
	actor := fs.Int64("actor", 0, "acting user id")
	location := fs.Int64("location", 0, "location id")
	variant := fs.Int64("variant", 0, "variant id")
	qty := fs.Int64("qty", 0, "quantity")
	notes := fs.String("notes", "", "notes")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.stockCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	return c.ReceiveCommand(ctx, cli.ReceiveOptions{
		ActorID: *actor,
		Input:   inventory.ReceiveInput{LocationID: *location, VariantID: *variant, Quantity: *qty, Notes: *notes},
		IO:      e.output(*jsonOut),
	})
}

func (e *environment) thresholdSet(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("threshold set", flag.ContinueOnError)
	actor := fs.Int64("actor", 0, "acting user id")
	location := fs.Int64("location", 0, "location id")
	variant := fs.Int64("variant", 0, "variant id")
	minimum := fs.Int64("min", 0, "minimum threshold")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.stockCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	return c.ThresholdCommand(ctx, cli.ThresholdOptions{
		ActorID:      *actor,
		LocationID:   *location,
		VariantID:    *variant,
		MinThreshold: *minimum,
		IO:           e.output(*jsonOut),
	})
}

func (e *environment) invoiceCreate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("invoice create", flag.ContinueOnError)
	actor := fs.Int64("actor", 0, "acting user id")
	location := fs.Int64("location", 0, "location id")
	number := fs.String("number", "", "invoice number, generated when empty")
	key := fs.String("key", "", "idempotency key")
	var lines cli.Lines
	fs.Var(&lines, "line", "variant:qty[:price], repeatable")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.ordersCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	return c.InvoiceCreateCommand(ctx, cli.InvoiceCreateOptions{
		ActorID:        *actor,
		LocationID:     *location,
		Number:         *number,
		IdempotencyKey: *key,
		Lines:          lines,
		IO:             e.output(*jsonOut),
	})
}

func (e *environment) invoiceCancel(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("invoice cancel", flag.ContinueOnError)
	actor := fs.Int64("actor", 0, "acting user id")
	id := fs.Int64("id", 0, "invoice id")
	reason := fs.String("reason", "", "cancellation reason")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.ordersCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	return c.InvoiceCancelCommand(ctx, cli.InvoiceCancelOptions{ActorID: *actor, InvoiceID: *id, Reason: *reason, IO: e.output(*jsonOut)})
}

func (e *environment) invoiceShow(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("invoice show", flag.ContinueOnError)
	id := fs.Int64("id", 0, "invoice id")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.ordersCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	return c.InvoiceShowCommand(ctx, cli.ShowOptions{ID: *id, IO: e.output(*jsonOut)})
}

func (e *environment) purchaseCreate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("purchase create", flag.ContinueOnError)
	actor := fs.Int64("actor", 0, "acting user id")
	location := fs.Int64("location", 0, "location id")
	supplier := fs.Int64("supplier", 0, "supplier id")
	number := fs.String("number", "", "order number, generated when empty")
	key := fs.String("key", "", "idempotency key")
	var lines cli.Lines
	fs.Var(&lines, "line", "variant:qty[:cost], repeatable")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.ordersCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	return c.PurchaseCreateCommand(ctx, cli.PurchaseCreateOptions{
		ActorID:        *actor,
		LocationID:     *location,
		SupplierID:     *supplier,
		Number:         *number,
		IdempotencyKey: *key,
		Lines:          lines,
		IO:             e.output(*jsonOut),
	})
}

func (e *environment) purchaseTransition(ctx context.Context, name string, args []string) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	actor := fs.Int64("actor", 0, "acting user id")
	id := fs.Int64("id", 0, "purchase order id")
	reason := fs.String("reason", "", "cancellation reason")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.ordersCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	opts := cli.PurchaseTransitionOptions{ActorID: *actor, PurchaseID: *id, Reason: *reason, IO: e.output(*jsonOut)}
	if name == "purchase cancel" {
		return c.PurchaseCancelCommand(ctx, opts)
	}
	return c.PurchaseCompleteCommand(ctx, opts)
}

func (e *environment) purchaseShow(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("purchase show", flag.ContinueOnError)
	id := fs.Int64("id", 0, "purchase order id")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	c, err := e.ordersCLI(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	return c.PurchaseShowCommand(ctx, cli.ShowOptions{ID: *id, IO: e.output(*jsonOut)})
}

func (e *environment) idempotencyPurge(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("idempotency purge", flag.ContinueOnError)
	olderThan := fs.Duration("older-than", e.cfg.IdempotencyRetention, "retention of idempotency keys")
	jsonOut := fs.Bool("json", false, "json output")
	if !e.parse(fs, args) {
		return cli.ExitFailure
	}
	pool, err := e.database(ctx)
	if err != nil {
		return e.connectFailed(fs.Name(), err)
	}
	return cli.PurgeIdempotencyCommand(ctx, shared.NewIdempotencyStore(pool), cli.PurgeOptions{Retention: *olderThan, IO: e.output(*jsonOut)})
}
