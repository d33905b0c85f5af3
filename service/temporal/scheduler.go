package temporal

import (
	"context"
	"time"
)

// ReconcileScheduleID is the fixed ID of the recurring reconciliation
// schedule. The engine runs exactly one.
const ReconcileScheduleID = "reconcile-transfers"

// Scheduler manages the Temporal schedule and one-shot triggers for
// reconciliation passes.
type Scheduler interface {
	// CreateReconcileSchedule creates the recurring schedule that starts
	// ReconcileWorkflow at the given interval.
	CreateReconcileSchedule(ctx context.Context, interval time.Duration) error

	// DeleteReconcileSchedule removes the recurring schedule.
	DeleteReconcileSchedule(ctx context.Context) error

	// TriggerReconcile starts a one-shot debounced reconciliation pass
	// after the given delay. Triggers arriving while one is already
	// pending are absorbed.
	TriggerReconcile(ctx context.Context, delay time.Duration) error
}
