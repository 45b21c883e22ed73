package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/notify"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Sender delivers notifications at most once per de-duplication key.
type Sender interface {
	Dispatch(ctx context.Context, req notify.Request) (notify.Outcome, error)
}

// NotifyJob hands notify tasks to the dispatcher.
type NotifyJob struct {
	Sender  Sender
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewNotifyJob wires the notify handler.
func NewNotifyJob(sender Sender, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyJob {
	return &NotifyJob{Sender: sender, Logger: logger, Metrics: metrics}
}

// Handle processes TaskNotify. Requests that can never succeed skip retries.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sender == nil {
		return errors.New("notify: handler not configured")
	}
	var payload NotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskNotify)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := jobLogger(j.Logger, TaskNotify).With(
		slog.String("template", payload.Template),
		slog.String("dedup_key", payload.DedupKey),
	)

	outcome, err := j.Sender.Dispatch(ctx, notify.Request{
		Recipient: payload.Recipient,
		Template:  payload.Template,
		Data:      payload.Data,
		DedupKey:  payload.DedupKey,
	})
	if err != nil {
		metrics.ObserveNotification(payload.Template, "failed")
		logger.Error("dispatch notification", slog.Any("error", err))
		if errors.Is(err, shared.ErrInvalidOperation) {
			resultErr = fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			return resultErr
		}
		resultErr = err
		return resultErr
	}
	metrics.ObserveNotification(payload.Template, string(outcome))
	logger.Info("notification handled", slog.String("outcome", string(outcome)))
	return resultErr
}
