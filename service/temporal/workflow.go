package temporal

import (
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ReconcileWorkflow is the Temporal workflow that drives one reconciliation
// pass. It is triggered either by a recurring schedule or by a debounced
// one-shot start after an interactive submission degrades.
//
// The workflow performs these steps:
// 1. List unreconciled records grouped by sender (ListUnreconciled activity)
// 2. Reconcile each sender serially (ReconcileSender activity per sender)
// 3. Return an aggregate summary
//
// Senders are processed one at a time: resubmissions for a sender must land
// in order, and interleaving senders buys nothing since each has its own
// sequence number stream.
func ReconcileWorkflow(ctx workflow.Context, input ReconcileInput) (*ReconcileResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReconcileWorkflow started", "trigger", input.Trigger)

	result := &ReconcileResult{
		Trigger:   input.Trigger,
		StartedAt: workflow.Now(ctx),
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 300 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	// Step 1: Load the unreconciled backlog grouped by sender.
	var listed *ListUnreconciledResult
	err := workflow.ExecuteActivity(ctx, a.ListUnreconciled, ListUnreconciledInput{}).Get(ctx, &listed)
	if err != nil {
		logger.Error("failed to list unreconciled records", "error", err)
		return result, err
	}

	if len(listed.Senders) == 0 {
		logger.Info("no unreconciled records found")
		return result, nil
	}

	logger.Info("reconciling senders", "senders", len(listed.Senders))

	// Step 2: Reconcile each sender serially. One sender failing does not
	// stop the others; its records stay unreconciled for the next pass.
	for _, sender := range listed.Senders {
		result.Examined += len(sender.Records)

		var senderResult *ReconcileSenderResult
		err := workflow.ExecuteActivity(ctx, a.ReconcileSender, ReconcileSenderInput{
			AccountAddress: sender.AccountAddress,
			Records:        sender.Records,
		}).Get(ctx, &senderResult)
		if err != nil {
			logger.Error("failed to reconcile sender",
				"account", sender.AccountAddress,
				"error", err,
			)
			result.Deferred += len(sender.Records)
			result.Errors = append(result.Errors, sender.AccountAddress+": "+err.Error())
			continue
		}

		result.Completed += senderResult.Completed
		result.Failed += senderResult.Failed
		result.Skipped += senderResult.Skipped
		result.Deferred += senderResult.Deferred
		result.Errors = append(result.Errors, senderResult.Errors...)
	}

	logger.Info("ReconcileWorkflow completed",
		"trigger", input.Trigger,
		"examined", result.Examined,
		"completed", result.Completed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"deferred", result.Deferred,
	)
	return result, nil
}
