package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/jobs"
)

// TaskTrigger enqueues scheduled jobs on demand.
type TaskTrigger interface {
	Trigger(ctx context.Context, name, requestedBy string) error
}

// QueueInspector reads queue state.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	trigger   TaskTrigger
	inspector QueueInspector
}

// NewJobsCLI initialises the CLI helpers.
func NewJobsCLI(trigger TaskTrigger, inspector QueueInspector) *JobsCLI {
	return &JobsCLI{trigger: trigger, inspector: inspector}
}

// JobsTriggerOptions defines the flags of jobs trigger.
type JobsTriggerOptions struct {
	Name        string
	RequestedBy string
	IO
}

// TriggerCommand enqueues low-stock-scan or low-stock-reset.
func (c *JobsCLI) TriggerCommand(ctx context.Context, opts JobsTriggerOptions) int {
	const cmd = "jobs trigger"
	if c == nil || c.trigger == nil {
		return opts.fail(cmd, errors.New("client not configured"))
	}
	if opts.Name == "" {
		return opts.usage(cmd, fmt.Sprintf("job name required (%s or %s)", jobs.TaskLowStockScan, jobs.TaskLowStockReset))
	}
	requestedBy := opts.RequestedBy
	if requestedBy == "" {
		requestedBy = "stockctl"
	}
	if err := c.trigger.Trigger(ctx, opts.Name, requestedBy); err != nil {
		return opts.fail(cmd, err)
	}
	_, _ = fmt.Fprintf(opts.out(), "enqueued %s\n", opts.Name)
	return ExitOK
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueues reports the metrics of every worker queue.
func (c *JobsCLI) InspectQueues() ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	names := []string{jobs.QueueInventory, jobs.QueueNotifications, jobs.QueueDefault}
	out := make([]QueueStats, 0, len(names))
	for _, name := range names {
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("queue %s: %w", name, err)
		}
		if info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

// StatsCommand prints queue statistics.
func (c *JobsCLI) StatsCommand(_ context.Context, opts IO) int {
	const cmd = "jobs stats"
	stats, err := c.InspectQueues()
	if err != nil {
		return opts.fail(cmd, err)
	}
	if opts.JSONOutput {
		return opts.json(cmd, stats)
	}
	tw := tabwriter.NewWriter(opts.out(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
	for _, s := range stats {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
	_ = tw.Flush()
	return ExitOK
}
