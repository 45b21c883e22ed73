package inventory

import "context"

// StockChanged is published after a mutation commits, once per movement row.
type StockChanged struct {
	MovementID    int64
	LocationID    int64
	VariantID     int64
	Delta         int64
	Quantity      int64
	Type          MovementType
	ReferenceType string
	ReferenceID   string
}

// Publisher hands committed changes to the durable queue.
type Publisher interface {
	PublishStockChanged(ctx context.Context, evt StockChanged) error
}

// Hook observes committed movements in-process. Hooks are for metrics and
// logging only and must not mutate state.
type Hook interface {
	MovementCommitted(ctx context.Context, m Movement)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, m Movement)

// MovementCommitted calls f.
func (f HookFunc) MovementCommitted(ctx context.Context, m Movement) { f(ctx, m) }

func stockChangedFrom(m Movement) StockChanged {
	return StockChanged{
		MovementID:    m.ID,
		LocationID:    m.LocationID,
		VariantID:     m.VariantID,
		Delta:         m.QuantityChange,
		Quantity:      m.QuantityAfter,
		Type:          m.Type,
		ReferenceType: m.ReferenceType,
		ReferenceID:   m.ReferenceID,
	}
}
