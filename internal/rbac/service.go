package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ErrNotFound indicates that the requested user does not exist or is disabled.
var ErrNotFound = fmt.Errorf("rbac: %w", shared.ErrNotFound)

// Service resolves ledger users from Postgres.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// GetUser loads an active user with their role and home location.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	var (
		u        User
		role     string
		location *int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, role, location_id FROM ledger_users WHERE id = $1 AND is_active`, id).
		Scan(&u.ID, &role, &location)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("%w: user %d", ErrNotFound, id)
		}
		return User{}, err
	}
	if u.Role, err = ParseRole(role); err != nil {
		return User{}, err
	}
	if location != nil {
		u.LocationID = *location
	}
	return u, nil
}
