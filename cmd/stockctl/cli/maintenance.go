package cli

import (
	"context"
	"fmt"
	"time"
)

// Purger removes expired idempotency claims.
type Purger interface {
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// PurgeOptions sets the claim retention.
type PurgeOptions struct {
	Retention time.Duration
	IO
}

// PurgeIdempotencyCommand deletes idempotency claims older than the retention.
func PurgeIdempotencyCommand(ctx context.Context, purger Purger, opts PurgeOptions) int {
	const cmd = "idempotency purge"
	if opts.Retention <= 0 {
		return opts.usage(cmd, "--older-than must be positive")
	}
	n, err := purger.Purge(ctx, opts.Retention)
	if err != nil {
		return opts.fail(cmd, err)
	}
	if opts.JSONOutput {
		return opts.json(cmd, map[string]any{"purged": n})
	}
	_, _ = fmt.Fprintf(opts.out(), "purged %d idempotency key(s)\n", n)
	return ExitOK
}
