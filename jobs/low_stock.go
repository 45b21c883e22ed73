package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/notify"
	"github.com/odyssey-erp/stockledger/internal/replenish"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// AlertStore is the low-stock side of the ledger repository.
type AlertStore interface {
	ListLowStock(ctx context.Context, after inventory.Key, limit int) ([]inventory.Record, error)
	MarkAlertSent(ctx context.Context, locationID, variantID int64, at time.Time) (bool, error)
	ClearAlert(ctx context.Context, locationID, variantID int64) error
	ResetAlerts(ctx context.Context, olderThan time.Time) (int64, error)
}

// LowStockEnqueuer submits low-stock tasks.
type LowStockEnqueuer interface {
	EnqueueLowStock(ctx context.Context, p LowStockPayload) error
}

// LowStockScanJob flags records at or below their threshold and queues one
// alert per record. A flagged record is skipped until it is reset.
type LowStockScanJob struct {
	Store     AlertStore
	Alerts    LowStockEnqueuer
	BatchSize int
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewLowStockScanJob wires the scan handler.
func NewLowStockScanJob(store AlertStore, alerts LowStockEnqueuer, batch int, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockScanJob {
	return &LowStockScanJob{
		Store:     store,
		Alerts:    alerts,
		BatchSize: batch,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskLowStockScan.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil || j.Alerts == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload ScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := j.now()
	tracker := metricsOrDefault(j.Metrics).Track(TaskLowStockScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := jobLogger(j.Logger, TaskLowStockScan)
	logger.Info("starting low stock scan", slog.String("requested_by", payload.RequestedBy))

	batch := j.BatchSize
	if batch <= 0 {
		batch = 500
	}
	var (
		after   inventory.Key
		scanned int
		perLoc  = make(map[int64]int)
	)
	for {
		records, err := j.Store.ListLowStock(ctx, after, batch)
		if err != nil {
			resultErr = err
			logger.Error("list low stock", slog.Any("error", err))
			return resultErr
		}
		for _, rec := range records {
			scanned++
			raised, err := j.raise(ctx, rec, start)
			if err != nil {
				resultErr = err
				logger.Error("raise low stock alert",
					slog.Int64("location_id", rec.LocationID),
					slog.Int64("variant_id", rec.VariantID),
					slog.Any("error", err))
				j.report(perLoc)
				return resultErr
			}
			if raised {
				perLoc[rec.LocationID]++
			}
		}
		if len(records) < batch {
			break
		}
		after = records[len(records)-1].Key()
	}
	raised := 0
	for _, n := range perLoc {
		raised += n
	}
	j.report(perLoc)

	logger.Info("completed low stock scan",
		slog.Int("scanned", scanned),
		slog.Int("alerts", raised),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

// raise flags rec and queues its alert. The flag is cleared again when the
// enqueue fails so the next scan retries the record.
func (j *LowStockScanJob) raise(ctx context.Context, rec inventory.Record, at time.Time) (bool, error) {
	marked, err := j.Store.MarkAlertSent(ctx, rec.LocationID, rec.VariantID, at)
	if err != nil || !marked {
		return false, err
	}
	err = j.Alerts.EnqueueLowStock(ctx, LowStockPayload{
		LocationID:   rec.LocationID,
		VariantID:    rec.VariantID,
		Quantity:     rec.Quantity,
		MinThreshold: rec.MinThreshold,
		AlertedAt:    at,
	})
	if err == nil {
		return true, nil
	}
	if clearErr := j.Store.ClearAlert(context.WithoutCancel(ctx), rec.LocationID, rec.VariantID); clearErr != nil {
		return false, errors.Join(err, fmt.Errorf("clear alert flag: %w", clearErr))
	}
	return false, err
}

func (j *LowStockScanJob) report(perLoc map[int64]int) {
	m := metricsOrDefault(j.Metrics)
	for loc, n := range perLoc {
		m.AddLowStockAlerts(loc, n)
	}
	clear(perLoc)
}

func (j *LowStockScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// LowStockResetJob re-arms alerts whose cooldown elapsed or whose stock
// recovered above the threshold.
type LowStockResetJob struct {
	Store    AlertStore
	Cooldown time.Duration
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewLowStockResetJob wires the reset handler.
func NewLowStockResetJob(store AlertStore, cooldown time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockResetJob {
	return &LowStockResetJob{
		Store:    store,
		Cooldown: cooldown,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskLowStockReset.
func (j *LowStockResetJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("low stock reset: handler not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskLowStockReset)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	cooldown := j.Cooldown
	if cooldown <= 0 {
		cooldown = 24 * time.Hour
	}
	now := time.Now().UTC()
	if j.clock != nil {
		now = j.clock()
	}
	logger := jobLogger(j.Logger, TaskLowStockReset)
	n, err := j.Store.ResetAlerts(ctx, now.Add(-cooldown))
	if err != nil {
		resultErr = err
		logger.Error("reset low stock alerts", slog.Any("error", err))
		return resultErr
	}
	logger.Info("reset low stock alerts", slog.Int64("reset", n), slog.Duration("cooldown", cooldown))
	return resultErr
}

// Planner sizes reorder suggestions.
type Planner interface {
	Plan(ctx context.Context, rec inventory.Record) (replenish.Suggestion, error)
}

// LowStockJob builds the reorder suggestion and queues the low-stock
// notification.
type LowStockJob struct {
	Planner           Planner
	Directory         Directory
	Notify            NotifyEnqueuer
	FallbackRecipient string
	Logger            *slog.Logger
	Metrics           *jobmetrics.Metrics
}

// NewLowStockJob wires the low-stock handler.
func NewLowStockJob(planner Planner, dir Directory, n NotifyEnqueuer, fallback string, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockJob {
	return &LowStockJob{Planner: planner, Directory: dir, Notify: n, FallbackRecipient: fallback, Logger: logger, Metrics: metrics}
}

// Handle processes TaskLowStock.
func (j *LowStockJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Planner == nil || j.Directory == nil || j.Notify == nil {
		return errors.New("low stock: handler not configured")
	}
	var payload LowStockPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskLowStock)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := jobLogger(j.Logger, TaskLowStock).With(
		slog.Int64("location_id", payload.LocationID),
		slog.Int64("variant_id", payload.VariantID),
	)

	location, variant, err := lookup(ctx, j.Directory, payload.LocationID, payload.VariantID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			logger.Warn("skip alert for unknown location or variant", slog.Any("error", err))
			return resultErr
		}
		resultErr = err
		return resultErr
	}
	suggestion, err := j.Planner.Plan(ctx, inventory.Record{
		LocationID:   payload.LocationID,
		VariantID:    payload.VariantID,
		Quantity:     payload.Quantity,
		MinThreshold: payload.MinThreshold,
	})
	if err != nil {
		resultErr = err
		logger.Error("plan reorder", slog.Any("error", err))
		return resultErr
	}

	data := map[string]string{
		"sku":           variant.SKU,
		"location":      location.Name,
		"quantity":      notify.FormatQuantity(suggestion.Quantity),
		"min_threshold": notify.FormatQuantity(suggestion.MinThreshold),
		"ideal_stock":   notify.FormatQuantity(suggestion.IdealStock),
		"suggested":     notify.FormatQuantity(suggestion.Suggested),
	}
	if suggestion.HasSupplier() {
		data["supplier"] = suggestion.Supplier.SupplierName
		data["unit_cost"] = suggestion.Supplier.UnitCost.StringFixed(2)
		data["estimated_cost"] = suggestion.EstimatedCost.StringFixed(2)
	}
	notice := NotifyPayload{
		Recipient: recipient(location, j.FallbackRecipient),
		Template:  notify.TemplateLowStock,
		DedupKey:  payload.DedupKey(),
		Data:      data,
	}
	if err := j.Notify.EnqueueNotify(ctx, notice); err != nil {
		resultErr = err
		logger.Error("enqueue notification", slog.Any("error", err))
		return resultErr
	}
	logger.Info("low stock notification queued",
		slog.Int64("suggested", suggestion.Suggested),
		slog.String("estimated_cost", suggestion.EstimatedCost.StringFixed(2)))
	return resultErr
}
