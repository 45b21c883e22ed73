package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Enqueuer is the part of asynq.Client used by Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client submits jobs to the queue.
type Client struct {
	enqueuer Enqueuer
	closer   func() error
	maxRetry int
	logger   *slog.Logger
}

var _ inventory.Publisher = (*Client)(nil)

// NewClient constructs an asynq-backed client.
func NewClient(redisOpts asynq.RedisClientOpt, maxRetry int, logger *slog.Logger) *Client {
	client := asynq.NewClient(redisOpts)
	c := NewClientWith(client, maxRetry, logger)
	c.closer = client.Close
	return c
}

// NewClientWith wraps an existing enqueuer.
func NewClientWith(enqueuer Enqueuer, maxRetry int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &Client{enqueuer: enqueuer, maxRetry: maxRetry, logger: logger}
}

// PublishStockChanged implements inventory.Publisher.
func (c *Client) PublishStockChanged(ctx context.Context, evt inventory.StockChanged) error {
	task, err := NewStockChangedTask(StockChangedPayloadFrom(evt))
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task)
}

// EnqueueLowStock submits a low-stock alert.
func (c *Client) EnqueueLowStock(ctx context.Context, p LowStockPayload) error {
	task, err := NewLowStockTask(p)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task)
}

// EnqueueNotify submits a notification.
func (c *Client) EnqueueNotify(ctx context.Context, p NotifyPayload) error {
	task, err := NewNotifyTask(p)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task)
}

// Trigger enqueues a scheduled job by name.
func (c *Client) Trigger(ctx context.Context, name, requestedBy string) error {
	var (
		task *asynq.Task
		err  error
	)
	switch name {
	case TaskLowStockScan:
		task, err = NewLowStockScanTask(requestedBy)
	case TaskLowStockReset:
		task, err = NewLowStockResetTask(requestedBy)
	default:
		return fmt.Errorf("jobs: unsupported job %s: %w", name, shared.ErrInvalidOperation)
	}
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task)
}

// enqueue treats a task id already known to the broker as delivered.
func (c *Client) enqueue(ctx context.Context, task *asynq.Task) error {
	if c == nil || c.enqueuer == nil {
		return errors.New("jobs: client not configured")
	}
	_, err := c.enqueuer.EnqueueContext(ctx, task, asynq.MaxRetry(c.maxRetry))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		c.logger.Debug("task already enqueued", slog.String("task", task.Type()))
		return nil
	default:
		return fmt.Errorf("%w: enqueue %s: %w", shared.ErrTransient, task.Type(), err)
	}
}

// Close releases client resources.
func (c *Client) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer()
}
