package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// ErrIdempotencyConflict indicates the key was already claimed.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// IdempotencyStore records client supplied request keys so a retried order
// submission is applied at most once.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

// Claim inserts (module, key). A second claim of the same pair returns
// ErrIdempotencyConflict.
func (s *IdempotencyStore) Claim(ctx context.Context, module, key string) error {
	if s == nil || s.pool == nil {
		return errors.New("idempotency store not initialised")
	}
	if module == "" || key == "" {
		return errors.New("idempotency module and key required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (module, key, created_at) VALUES ($1, $2, $3)`,
		module, key, s.now().UTC())
	return claimError(err)
}

func claimError(err error) error {
	if db.IsUniqueViolation(err) {
		return ErrIdempotencyConflict
	}
	return err
}

// Release drops a claim, used when the guarded work failed and may be retried.
func (s *IdempotencyStore) Release(ctx context.Context, module, key string) error {
	if s == nil || s.pool == nil || key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE module = $1 AND key = $2`, module, key)
	return err
}

// Purge removes claims older than retention and returns how many were dropped.
func (s *IdempotencyStore) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
