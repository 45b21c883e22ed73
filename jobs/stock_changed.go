package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/notify"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Directory resolves the names and recipients used in notifications.
type Directory interface {
	GetLocation(ctx context.Context, id int64) (masterdata.Location, error)
	GetVariant(ctx context.Context, id int64) (masterdata.Variant, error)
}

// NotifyEnqueuer submits notify tasks.
type NotifyEnqueuer interface {
	EnqueueNotify(ctx context.Context, p NotifyPayload) error
}

// StockChangedJob turns a committed movement into a manager notification.
type StockChangedJob struct {
	Directory         Directory
	Notify            NotifyEnqueuer
	FallbackRecipient string
	Logger            *slog.Logger
	Metrics           *jobmetrics.Metrics
}

// NewStockChangedJob wires the stock-changed handler.
func NewStockChangedJob(dir Directory, n NotifyEnqueuer, fallback string, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockChangedJob {
	return &StockChangedJob{Directory: dir, Notify: n, FallbackRecipient: fallback, Logger: logger, Metrics: metrics}
}

// Handle processes TaskStockChanged.
func (j *StockChangedJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Directory == nil || j.Notify == nil {
		return errors.New("stock changed: handler not configured")
	}
	var payload StockChangedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskStockChanged)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskStockChanged).With(
		slog.Int64("movement_id", payload.MovementID),
		slog.Int64("location_id", payload.LocationID),
		slog.Int64("variant_id", payload.VariantID),
	)

	location, variant, err := lookup(ctx, j.Directory, payload.LocationID, payload.VariantID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			logger.Warn("skip notification for unknown location or variant", slog.Any("error", err))
			return resultErr
		}
		resultErr = err
		logger.Error("resolve directory", slog.Any("error", err))
		return resultErr
	}

	direction := "increased"
	if payload.Delta < 0 {
		direction = "decreased"
	}
	notice := NotifyPayload{
		Recipient: recipient(location, j.FallbackRecipient),
		Template:  notify.TemplateStockChanged,
		DedupKey:  payload.DedupKey(),
		Data: map[string]string{
			"direction":      direction,
			"sku":            variant.SKU,
			"location":       location.Name,
			"delta":          notify.FormatDelta(payload.Delta),
			"quantity":       notify.FormatQuantity(payload.Quantity),
			"movement_type":  payload.MovementType,
			"reference_type": payload.ReferenceType,
			"reference_id":   payload.ReferenceID,
		},
	}
	if err := j.Notify.EnqueueNotify(ctx, notice); err != nil {
		resultErr = err
		logger.Error("enqueue notification", slog.Any("error", err))
		return resultErr
	}
	logger.Info("stock change notification queued", slog.String("dedup_key", notice.DedupKey))
	return resultErr
}

func lookup(ctx context.Context, dir Directory, locationID, variantID int64) (masterdata.Location, masterdata.Variant, error) {
	location, err := dir.GetLocation(ctx, locationID)
	if err != nil {
		return masterdata.Location{}, masterdata.Variant{}, fmt.Errorf("location %d: %w", locationID, err)
	}
	variant, err := dir.GetVariant(ctx, variantID)
	if err != nil {
		return masterdata.Location{}, masterdata.Variant{}, fmt.Errorf("variant %d: %w", variantID, err)
	}
	return location, variant, nil
}

func recipient(l masterdata.Location, fallback string) string {
	if l.ManagerEmail != "" {
		return l.ManagerEmail
	}
	return fallback
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
