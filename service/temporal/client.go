package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// CreateReconcileSchedule creates the recurring reconciliation schedule.
// Creating it again with the same ID is a no-op.
func (c *Client) CreateReconcileSchedule(ctx context.Context, interval time.Duration) error {
	c.logger.Debug("creating reconcile schedule",
		"schedule_id", ReconcileScheduleID,
		"interval", interval,
	)

	scheduleSpec := client.ScheduleSpec{
		Intervals: []client.ScheduleIntervalSpec{
			{
				Every: interval,
			},
		},
	}

	workflowAction := client.ScheduleWorkflowAction{
		ID:        "reconcile-scheduled",
		Workflow:  "ReconcileWorkflow",
		TaskQueue: c.taskQueue,
		Args: []interface{}{ReconcileInput{
			Trigger: "scheduled",
		}},
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID:     ReconcileScheduleID,
		Spec:   scheduleSpec,
		Action: &workflowAction,
		Memo: map[string]interface{}{
			"created_by": "interledger",
		},
	})
	if err != nil {
		var already *serviceerror.AlreadyExists
		if errors.As(err, &already) {
			c.logger.Debug("reconcile schedule already exists", "schedule_id", ReconcileScheduleID)
			return nil
		}
		c.logger.Error("failed to create schedule",
			"schedule_id", ReconcileScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", ReconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule created",
		"schedule_id", ReconcileScheduleID,
		"interval", interval,
	)
	return nil
}

// DeleteReconcileSchedule deletes the recurring reconciliation schedule.
func (c *Client) DeleteReconcileSchedule(ctx context.Context) error {
	c.logger.Debug("deleting reconcile schedule", "schedule_id", ReconcileScheduleID)

	handle := c.client.ScheduleClient().GetHandle(ctx, ReconcileScheduleID)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"schedule_id", ReconcileScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", ReconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule deleted", "schedule_id", ReconcileScheduleID)
	return nil
}

// TriggerReconcile starts a debounced one-shot reconciliation pass. The fixed
// workflow ID means a trigger arriving while a previous one is still pending
// or running is absorbed rather than stacking passes; the StartDelay gives a
// burst of submissions time to settle into a single pass.
func (c *Client) TriggerReconcile(ctx context.Context, delay time.Duration) error {
	options := client.StartWorkflowOptions{
		ID:         ReconcileScheduleID + "-debounce",
		TaskQueue:  c.taskQueue,
		StartDelay: delay,
	}

	_, err := c.client.ExecuteWorkflow(ctx, options, "ReconcileWorkflow", ReconcileInput{
		Trigger: "debounced",
	})
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			c.logger.Debug("debounced reconcile already pending")
			return nil
		}
		return fmt.Errorf("failed to trigger reconcile workflow: %w", err)
	}

	c.logger.Debug("debounced reconcile triggered", "delay", delay)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
