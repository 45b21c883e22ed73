package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

const dedupPrefix = "stockledger:notify:"

// Request is a notification to deliver at most once per DedupKey.
type Request struct {
	Recipient string
	Template  string
	Data      map[string]string
	DedupKey  string
}

// Outcome reports what Dispatch did.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeDuplicate Outcome = "duplicate"
)

// Dispatcher de-duplicates requests in redis before handing them to a Notifier.
type Dispatcher struct {
	redis    redis.Cmdable
	notifier Notifier
	ttl      time.Duration
	logger   *slog.Logger
}

// NewDispatcher constructs a Dispatcher. ttl bounds how long a key blocks a
// repeat delivery.
func NewDispatcher(client redis.Cmdable, notifier Notifier, ttl time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Dispatcher{redis: client, notifier: notifier, ttl: ttl, logger: logger.With(slog.String("component", "notify"))}
}

// Dispatch renders and sends req unless its key was already delivered. A send
// failure frees the key and returns an error wrapping shared.ErrTransient so
// the caller retries.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	if d == nil || d.notifier == nil {
		return "", errors.New("notify: dispatcher not configured")
	}
	msg, err := Render(req.Template, req.Recipient, req.Data)
	if err != nil {
		return "", err
	}
	key := ""
	if req.DedupKey != "" && d.redis != nil {
		key = dedupPrefix + req.DedupKey
		ok, err := d.redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("%w: notify dedup: %w", shared.ErrTransient, err)
		}
		if !ok {
			d.logger.Info("notification already delivered", slog.String("dedup_key", req.DedupKey))
			return OutcomeDuplicate, nil
		}
	}
	if err := d.notifier.Send(ctx, msg); err != nil {
		if key != "" {
			if delErr := d.redis.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
				d.logger.Warn("release dedup key", slog.String("dedup_key", req.DedupKey), slog.Any("error", delErr))
			}
		}
		return "", fmt.Errorf("%w: %w", shared.ErrTransient, err)
	}
	return OutcomeSent, nil
}
