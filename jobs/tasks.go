package jobs

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

const (
	// QueueInventory carries stock-changed and low-stock work.
	QueueInventory = "inventory"
	// QueueNotifications carries outgoing notifications.
	QueueNotifications = "notifications"
	// QueueDefault carries scheduled maintenance.
	QueueDefault = "default"
)

const (
	// TaskStockChanged follows every committed movement.
	TaskStockChanged = "stock-changed"
	// TaskLowStock raises one alert for a record at or below its threshold.
	TaskLowStock = "low-stock"
	// TaskNotify delivers a rendered notification.
	TaskNotify = "notify"
	// TaskLowStockScan finds records needing an alert.
	TaskLowStockScan = "low-stock-scan"
	// TaskLowStockReset re-arms alerts after the cooldown.
	TaskLowStockReset = "low-stock-reset"
)

// taskNamespace seeds deterministic task ids.
var taskNamespace = uuid.MustParse("6f1c2a56-0c43-4d55-9a4f-3f0d8f7e2b11")

// StockChangedPayload is the contract of TaskStockChanged.
type StockChangedPayload struct {
	MovementID    int64  `json:"movement_id"`
	LocationID    int64  `json:"location_id"`
	VariantID     int64  `json:"variant_id"`
	Delta         int64  `json:"delta"`
	Quantity      int64  `json:"quantity"`
	MovementType  string `json:"movement_type"`
	ReferenceType string `json:"reference_type,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
}

// StockChangedPayloadFrom maps a committed change to its contract.
func StockChangedPayloadFrom(evt inventory.StockChanged) StockChangedPayload {
	return StockChangedPayload{
		MovementID:    evt.MovementID,
		LocationID:    evt.LocationID,
		VariantID:     evt.VariantID,
		Delta:         evt.Delta,
		Quantity:      evt.Quantity,
		MovementType:  string(evt.Type),
		ReferenceType: evt.ReferenceType,
		ReferenceID:   evt.ReferenceID,
	}
}

// DedupKey identifies the notification for this change. Changes caused by the
// same order and movement type collapse into one notification.
func (p StockChangedPayload) DedupKey() string {
	if p.ReferenceType == "" || p.ReferenceID == "" {
		return "stock-changed:movement:" + formatInt(p.MovementID)
	}
	return strings.Join([]string{"stock-changed", p.ReferenceType, p.ReferenceID, p.MovementType,
		formatInt(p.LocationID), formatInt(p.VariantID)}, ":")
}

// LowStockPayload is the contract of TaskLowStock.
type LowStockPayload struct {
	LocationID   int64     `json:"location_id"`
	VariantID    int64     `json:"variant_id"`
	Quantity     int64     `json:"quantity"`
	MinThreshold int64     `json:"min_threshold"`
	AlertedAt    time.Time `json:"alerted_at"`
}

// DedupKey identifies the notification for this alert.
func (p LowStockPayload) DedupKey() string {
	return strings.Join([]string{"low-stock", formatInt(p.LocationID), formatInt(p.VariantID),
		formatInt(p.AlertedAt.Unix())}, ":")
}

// NotifyPayload is the contract of TaskNotify.
type NotifyPayload struct {
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Data      map[string]string `json:"data,omitempty"`
	DedupKey  string            `json:"dedup_key"`
}

// ScanPayload is the contract of TaskLowStockScan and TaskLowStockReset.
type ScanPayload struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

// NewStockChangedTask builds a stock-changed task.
func NewStockChangedTask(p StockChangedPayload) (*asynq.Task, error) {
	return newTask(TaskStockChanged, p, asynq.Queue(QueueInventory),
		asynq.TaskID(taskID(TaskStockChanged, formatInt(p.MovementID), formatInt(p.LocationID), formatInt(p.VariantID))))
}

// NewLowStockTask builds a low-stock task.
func NewLowStockTask(p LowStockPayload) (*asynq.Task, error) {
	return newTask(TaskLowStock, p, asynq.Queue(QueueInventory), asynq.TaskID(taskID(TaskLowStock, p.DedupKey())))
}

// NewNotifyTask builds a notify task.
func NewNotifyTask(p NotifyPayload) (*asynq.Task, error) {
	opts := []asynq.Option{asynq.Queue(QueueNotifications)}
	if p.DedupKey != "" {
		opts = append(opts, asynq.TaskID(taskID(TaskNotify, p.DedupKey)))
	}
	return newTask(TaskNotify, p, opts...)
}

// NewLowStockScanTask builds a scan task.
func NewLowStockScanTask(requestedBy string) (*asynq.Task, error) {
	return newTask(TaskLowStockScan, ScanPayload{RequestedBy: requestedBy}, asynq.Queue(QueueDefault))
}

// NewLowStockResetTask builds a reset task.
func NewLowStockResetTask(requestedBy string) (*asynq.Task, error) {
	return newTask(TaskLowStockReset, ScanPayload{RequestedBy: requestedBy}, asynq.Queue(QueueDefault))
}

func newTask(typ string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, opts...), nil
}

func taskID(typ string, parts ...string) string {
	return uuid.NewSHA1(taskNamespace, []byte(typ+"|"+strings.Join(parts, "|"))).String()
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
