package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/rbac"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsHandlerExposesSharedRegistry(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	require.NoError(t, jobs.Track("low-stock-scan").End(nil))

	body := scrape(t, metrics)
	require.Contains(t, body, `stockledger_jobs_total{job="low-stock-scan",status="success"} 1`)
	require.Contains(t, body, "go_goroutines")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `stockledger_ops_http_requests_total{code="418",route="/test"} 1`)
	require.True(t, strings.Contains(body, `stockledger_ops_http_request_duration_seconds_bucket{route="/test"`))
}

func TestLedgerMetricsCountsMovements(t *testing.T) {
	metrics := NewMetrics()
	ledger := NewLedgerMetrics(metrics.Registerer())
	ctx := context.Background()

	ledger.MovementCommitted(ctx, inventory.Movement{Type: inventory.MovementSale, QuantityChange: -7, ActorKind: rbac.ActorSystem})
	ledger.MovementCommitted(ctx, inventory.Movement{Type: inventory.MovementSale, QuantityChange: -3, ActorKind: rbac.ActorSystem})
	ledger.MovementCommitted(ctx, inventory.Movement{Type: inventory.MovementPurchase, QuantityChange: 20, ActorKind: rbac.ActorSystem})

	require.Equal(t, 2.0, testutil.ToFloat64(ledger.movements.WithLabelValues("sale", "system")))
	require.Equal(t, 10.0, testutil.ToFloat64(ledger.units.WithLabelValues("sale", "out")))
	require.Equal(t, 20.0, testutil.ToFloat64(ledger.units.WithLabelValues("purchase", "in")))

	var nilMetrics *LedgerMetrics
	nilMetrics.MovementCommitted(ctx, inventory.Movement{})
}
