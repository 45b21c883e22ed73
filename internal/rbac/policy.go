package rbac

import (
	"fmt"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Action is what a principal wants to do to a location's stock.
type Action string

const (
	// ActionIncrease covers positive adjustments and receipts.
	ActionIncrease Action = "increase"
	// ActionDecrease covers negative adjustments and outgoing transfers.
	ActionDecrease Action = "decrease"
	// ActionConfigure covers ledger settings such as the low-stock threshold.
	ActionConfigure Action = "configure"
)

// LedgerPolicy decides whether a principal may touch stock at a location.
type LedgerPolicy struct{}

// Authorize returns nil when allowed and an error wrapping shared.ErrForbidden otherwise.
func (LedgerPolicy) Authorize(p Principal, action Action, locationID int64) error {
	switch actor := p.(type) {
	case System:
		if actor.Operation == "" {
			return fmt.Errorf("%w: system principal without operation", shared.ErrForbidden)
		}
		return nil
	case User:
		return authorizeUser(actor, action, locationID)
	case *User:
		if actor == nil {
			return fmt.Errorf("%w: no principal", shared.ErrForbidden)
		}
		return authorizeUser(*actor, action, locationID)
	default:
		return fmt.Errorf("%w: unsupported principal %T", shared.ErrForbidden, p)
	}
}

func authorizeUser(u User, action Action, locationID int64) error {
	if u.IsSuperUser() {
		return nil
	}
	switch u.Role {
	case RoleManager, RoleCashier:
	default:
		return fmt.Errorf("%w: user %d has unknown role %q", shared.ErrForbidden, u.ID, u.Role)
	}
	if u.LocationID != locationID {
		return fmt.Errorf("%w: user %d is not assigned to location %d", shared.ErrForbidden, u.ID, locationID)
	}
	if u.Role == RoleCashier && action != ActionDecrease {
		return fmt.Errorf("%w: cashier %d may not %s stock", shared.ErrForbidden, u.ID, action)
	}
	return nil
}
