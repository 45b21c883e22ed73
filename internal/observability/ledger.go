package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// LedgerMetrics counts committed movements. It is registered as an
// inventory.Hook and never touches ledger state.
type LedgerMetrics struct {
	movements *prometheus.CounterVec
	units     *prometheus.CounterVec
}

var _ inventory.Hook = (*LedgerMetrics)(nil)

// NewLedgerMetrics registers the ledger collectors.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_movements_total",
		Help: "Committed stock movements by movement type and origin.",
	}, []string{"type", "actor_kind"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_movement_units_total",
		Help: "Units moved by committed movements, by movement type and direction.",
	}, []string{"type", "direction"})
	registerer.MustRegister(movements, units)
	return &LedgerMetrics{movements: movements, units: units}
}

// MovementCommitted implements inventory.Hook.
func (m *LedgerMetrics) MovementCommitted(_ context.Context, mv inventory.Movement) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(string(mv.Type), string(mv.ActorKind)).Inc()
	direction := "in"
	units := mv.QuantityChange
	if units < 0 {
		direction = "out"
		units = -units
	}
	m.units.WithLabelValues(string(mv.Type), direction).Add(float64(units))
}
