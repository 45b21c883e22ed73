package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/notify"
	"github.com/odyssey-erp/stockledger/internal/replenish"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/testing/memledger"
)

var testNow = time.Date(2025, 5, 6, 7, 0, 0, 0, time.UTC)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type capturedQueue struct {
	mu       sync.Mutex
	lowStock []LowStockPayload
	notices  []NotifyPayload
	err      error
}

func (c *capturedQueue) EnqueueLowStock(_ context.Context, p LowStockPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.lowStock = append(c.lowStock, p)
	return nil
}

func (c *capturedQueue) EnqueueNotify(_ context.Context, p NotifyPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.notices = append(c.notices, p)
	return nil
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func mustTask(t *testing.T, typ string, payload any) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, body)
}

func TestClientTreatsKnownTaskIDAsDelivered(t *testing.T) {
	enq := &fakeEnqueuer{}
	c := NewClientWith(enq, 5, nil)
	evt := inventory.StockChanged{MovementID: 9, LocationID: 1, VariantID: 10, Delta: -3, Quantity: 7, Type: inventory.MovementSale}

	require.NoError(t, c.PublishStockChanged(context.Background(), evt))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskStockChanged, enq.tasks[0].Type())

	var payload StockChangedPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.EqualValues(t, 9, payload.MovementID)
	require.Equal(t, "sale", payload.MovementType)

	enq.err = asynq.ErrTaskIDConflict
	require.NoError(t, c.PublishStockChanged(context.Background(), evt))

	enq.err = errors.New("redis: connection refused")
	err := c.PublishStockChanged(context.Background(), evt)
	require.ErrorIs(t, err, shared.ErrTransient)

	require.ErrorIs(t, c.Trigger(context.Background(), "rebuild-everything", "cli"), shared.ErrInvalidOperation)
}

func TestTaskIDsAreDeterministic(t *testing.T) {
	a := taskID(TaskStockChanged, "9", "1", "10")
	require.Equal(t, a, taskID(TaskStockChanged, "9", "1", "10"))
	require.NotEqual(t, a, taskID(TaskStockChanged, "10", "1", "10"))
	require.NotEqual(t, a, taskID(TaskNotify, "9", "1", "10"))
}

func TestDedupKeys(t *testing.T) {
	p := StockChangedPayload{MovementID: 3, LocationID: 1, VariantID: 10, MovementType: "sale", ReferenceType: "invoice", ReferenceID: "42"}
	require.Equal(t, "stock-changed:invoice:42:sale:1:10", p.DedupKey())
	p.MovementType = "adjustment"
	require.Equal(t, "stock-changed:invoice:42:adjustment:1:10", p.DedupKey())
	p.ReferenceType, p.ReferenceID = "", ""
	require.Equal(t, "stock-changed:movement:3", p.DedupKey())

	l := LowStockPayload{LocationID: 2, VariantID: 11, AlertedAt: testNow}
	require.Equal(t, "low-stock:2:11:1746514800", l.DedupKey())
}

func TestRetryDelayIsCappedExponential(t *testing.T) {
	delay := RetryDelay(5*time.Second, time.Minute)
	task := asynq.NewTask(TaskNotify, nil)
	require.Equal(t, 5*time.Second, delay(0, nil, task))
	require.Equal(t, 10*time.Second, delay(1, nil, task))
	require.Equal(t, 40*time.Second, delay(3, nil, task))
	require.Equal(t, time.Minute, delay(4, nil, task))
	require.Equal(t, time.Minute, delay(80, nil, task))
}

func TestDispatcherIgnoresUnknownTasks(t *testing.T) {
	d := NewDispatcher(nil)
	called := 0
	d.HandleFunc(TaskNotify, func(context.Context, *asynq.Task) error {
		called++
		return nil
	})
	require.NoError(t, d.ProcessTask(context.Background(), asynq.NewTask("legacy:task", nil)))
	require.NoError(t, d.ProcessTask(context.Background(), asynq.NewTask(TaskNotify, nil)))
	require.Equal(t, 1, called)
}

type fakeInspector map[string]*asynq.QueueInfo

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if queue == "broken" {
		return nil, errors.New("boom")
	}
	info, ok := f[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHealthReportsEveryQueue(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(fakeInspector{QueueInventory: {Queue: QueueInventory, Pending: 4, Retry: 1}}, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queues []QueueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Queues, 3)
	require.Equal(t, QueueHealth{Queue: QueueInventory, Pending: 4, Retry: 1}, body.Queues[0])
	require.Equal(t, QueueHealth{Queue: QueueNotifications}, body.Queues[1])
}

func newScanJob(ledger *memledger.Ledger, q *capturedQueue, batch int) *LowStockScanJob {
	job := NewLowStockScanJob(ledger, q, batch, nil, testMetrics())
	job.clock = func() time.Time { return testNow }
	return job
}

func TestLowStockScanRaisesOneAlertPerRecord(t *testing.T) {
	ledger := memledger.New()
	ledger.Seed(
		inventory.Record{LocationID: 1, VariantID: 10, Quantity: 2, MinThreshold: 5},
		inventory.Record{LocationID: 1, VariantID: 11, Quantity: 10, MinThreshold: 5},
		inventory.Record{LocationID: 2, VariantID: 10, Quantity: 0, MinThreshold: 0},
		inventory.Record{LocationID: 2, VariantID: 11, Quantity: 5, MinThreshold: 5},
	)
	q := &capturedQueue{}
	job := newScanJob(ledger, q, 1)

	require.NoError(t, job.Handle(context.Background(), mustTask(t, TaskLowStockScan, ScanPayload{})))
	require.Len(t, q.lowStock, 2)
	require.EqualValues(t, 1, q.lowStock[0].LocationID)
	require.EqualValues(t, 2, q.lowStock[1].LocationID)
	require.EqualValues(t, 11, q.lowStock[1].VariantID)
	require.Equal(t, testNow, q.lowStock[0].AlertedAt)

	rec, _ := ledger.Record(1, 10)
	require.True(t, rec.LowStockAlertSent)
	require.NotNil(t, rec.LastAlertSentAt)

	// Flagged records are not alerted again.
	require.NoError(t, job.Handle(context.Background(), mustTask(t, TaskLowStockScan, ScanPayload{})))
	require.Len(t, q.lowStock, 2)
}

func TestLowStockScanSkipsZeroThreshold(t *testing.T) {
	ledger := memledger.New()
	ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 0, MinThreshold: 0})
	q := &capturedQueue{}
	job := newScanJob(ledger, q, 10)

	require.NoError(t, job.Handle(context.Background(), mustTask(t, TaskLowStockScan, ScanPayload{})))
	require.Empty(t, q.lowStock)
	rec, _ := ledger.Record(1, 10)
	require.False(t, rec.LowStockAlertSent)
	require.Nil(t, rec.LastAlertSentAt)
}

func TestLowStockScanLogsAlertTotal(t *testing.T) {
	ledger := memledger.New()
	ledger.Seed(
		inventory.Record{LocationID: 1, VariantID: 10, Quantity: 1, MinThreshold: 5},
		inventory.Record{LocationID: 2, VariantID: 10, Quantity: 3, MinThreshold: 5},
	)
	var logs bytes.Buffer
	q := &capturedQueue{}
	job := NewLowStockScanJob(ledger, q, 10, slog.New(slog.NewTextHandler(&logs, nil)), testMetrics())
	job.clock = func() time.Time { return testNow }

	require.NoError(t, job.Handle(context.Background(), mustTask(t, TaskLowStockScan, ScanPayload{})))
	require.Len(t, q.lowStock, 2)
	require.Contains(t, logs.String(), "completed low stock scan")
	require.Contains(t, logs.String(), "alerts=2")
}

func TestLowStockScanClearsFlagWhenEnqueueFails(t *testing.T) {
	ledger := memledger.New()
	ledger.Seed(inventory.Record{LocationID: 1, VariantID: 10, Quantity: 1, MinThreshold: 5})
	q := &capturedQueue{err: errors.New("queue down")}
	job := newScanJob(ledger, q, 10)

	require.Error(t, job.Handle(context.Background(), mustTask(t, TaskLowStockScan, ScanPayload{})))
	rec, _ := ledger.Record(1, 10)
	require.False(t, rec.LowStockAlertSent)

	q.err = nil
	require.NoError(t, job.Handle(context.Background(), mustTask(t, TaskLowStockScan, ScanPayload{})))
	require.Len(t, q.lowStock, 1)
}

func TestLowStockResetRearmsAfterCooldown(t *testing.T) {
	ledger := memledger.New()
	old := testNow.Add(-48 * time.Hour)
	recent := testNow.Add(-time.Hour)
	ledger.Seed(
		inventory.Record{LocationID: 1, VariantID: 10, Quantity: 1, MinThreshold: 5, LowStockAlertSent: true, LastAlertSentAt: &old},
		inventory.Record{LocationID: 1, VariantID: 11, Quantity: 1, MinThreshold: 5, LowStockAlertSent: true, LastAlertSentAt: &recent},
		inventory.Record{LocationID: 2, VariantID: 10, Quantity: 50, MinThreshold: 5, LowStockAlertSent: true, LastAlertSentAt: &recent},
	)
	job := NewLowStockResetJob(ledger, 24*time.Hour, nil, testMetrics())
	job.clock = func() time.Time { return testNow }

	require.NoError(t, job.Handle(context.Background(), mustTask(t, TaskLowStockReset, ScanPayload{})))
	a, _ := ledger.Record(1, 10)
	b, _ := ledger.Record(1, 11)
	c, _ := ledger.Record(2, 10)
	require.False(t, a.LowStockAlertSent)
	require.True(t, b.LowStockAlertSent)
	require.False(t, c.LowStockAlertSent)
}

func testDirectory() *memledger.Directory {
	dir := memledger.NewDirectory(nil, []int64{10})
	dir.AddLocation(masterdata.Location{ID: 1, Name: "Downtown", ManagerEmail: "downtown@shop.test", IsActive: true})
	dir.AddLocation(masterdata.Location{ID: 2, Name: "Airport", IsActive: true})
	dir.AddSupplierCost(masterdata.SupplierCost{SupplierID: 7, SupplierName: "Budget Supply", VariantID: 10, UnitCost: decimal.RequireFromString("3.95")})
	dir.AddSupplierCost(masterdata.SupplierCost{SupplierID: 8, SupplierName: "Acme", VariantID: 10, UnitCost: decimal.RequireFromString("4.20")})
	return dir
}

func TestLowStockJobQueuesReorderNotification(t *testing.T) {
	dir := testDirectory()
	q := &capturedQueue{}
	job := NewLowStockJob(replenish.NewPlanner(dir, nil), dir, q, "ops@shop.test", nil, testMetrics())

	payload := LowStockPayload{LocationID: 1, VariantID: 10, Quantity: 2, MinThreshold: 10, AlertedAt: testNow}
	require.NoError(t, job.Handle(context.Background(), mustTask(t, TaskLowStock, payload)))
	require.Len(t, q.notices, 1)
	n := q.notices[0]
	require.Equal(t, "downtown@shop.test", n.Recipient)
	require.Equal(t, notify.TemplateLowStock, n.Template)
	require.Equal(t, payload.DedupKey(), n.DedupKey)
	require.Equal(t, "13", n.Data["suggested"])
	require.Equal(t, "Budget Supply", n.Data["supplier"])
	require.Equal(t, "51.35", n.Data["estimated_cost"])
}

func TestStockChangedJob(t *testing.T) {
	dir := testDirectory()
	q := &capturedQueue{}
	job := NewStockChangedJob(dir, q, "ops@shop.test", nil, testMetrics())
	ctx := context.Background()

	payload := StockChangedPayload{MovementID: 5, LocationID: 2, VariantID: 10, Delta: -1500, Quantity: 2500,
		MovementType: "sale", ReferenceType: "invoice", ReferenceID: "42"}
	require.NoError(t, job.Handle(ctx, mustTask(t, TaskStockChanged, payload)))
	require.Len(t, q.notices, 1)
	require.Equal(t, "ops@shop.test", q.notices[0].Recipient)
	require.Equal(t, "-1,500", q.notices[0].Data["delta"])
	require.Equal(t, "decreased", q.notices[0].Data["direction"])

	payload.LocationID = 99
	require.NoError(t, job.Handle(ctx, mustTask(t, TaskStockChanged, payload)))
	require.Len(t, q.notices, 1)

	err := job.Handle(ctx, asynq.NewTask(TaskStockChanged, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type recordingNotifier struct {
	sent []notify.Message
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func TestNotifyJob(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	notifier := &recordingNotifier{}
	job := NewNotifyJob(notify.NewDispatcher(client, notifier, time.Hour, nil), nil, testMetrics())
	ctx := context.Background()

	payload := NotifyPayload{
		Recipient: "downtown@shop.test",
		Template:  notify.TemplateLowStock,
		DedupKey:  "low-stock:1:10:1",
		Data:      map[string]string{"sku": "SKU-10", "location": "Downtown"},
	}
	require.NoError(t, job.Handle(ctx, mustTask(t, TaskNotify, payload)))
	require.NoError(t, job.Handle(ctx, mustTask(t, TaskNotify, payload)))
	require.Len(t, notifier.sent, 1)

	notifier.err = errors.New("smtp down")
	payload.DedupKey = "low-stock:1:10:2"
	err := job.Handle(ctx, mustTask(t, TaskNotify, payload))
	require.ErrorIs(t, err, shared.ErrTransient)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	payload.Template = "weekly-digest"
	err = job.Handle(ctx, mustTask(t, TaskNotify, payload))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
