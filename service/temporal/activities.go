package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nt219/interledger/service/db"
	"github.com/nt219/interledger/service/metrics"
	"github.com/nt219/interledger/service/reconcile"
)

// ReconcileInput contains the input parameters for a reconciliation workflow.
type ReconcileInput struct {
	Trigger string `json:"trigger"` // "scheduled" or "debounced"
}

// ReconcileResult contains the aggregate result of a reconciliation workflow.
type ReconcileResult struct {
	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"started_at"`
	Examined  int       `json:"examined"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Deferred  int       `json:"deferred"`
	Errors    []string  `json:"errors,omitempty"`
}

// SenderBatch is one sender's unreconciled records, in submission order.
type SenderBatch struct {
	AccountAddress string               `json:"account_address"`
	Records        []*db.TransferRecord `json:"records"`
}

// ListUnreconciledInput contains parameters for the ListUnreconciled activity.
type ListUnreconciledInput struct{}

// ListUnreconciledResult contains the unreconciled records grouped by sender.
type ListUnreconciledResult struct {
	Senders []SenderBatch `json:"senders"`
}

// ReconcileSenderInput contains parameters for the ReconcileSender activity.
type ReconcileSenderInput struct {
	AccountAddress string               `json:"account_address"`
	Records        []*db.TransferRecord `json:"records"`
}

// ReconcileSenderResult contains the result of reconciling one sender.
type ReconcileSenderResult struct {
	Examined  int      `json:"examined"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Deferred  int      `json:"deferred"`
	Errors    []string `json:"errors,omitempty"`
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	ListUnreconciled(ctx context.Context, accountAddress string) ([]*db.TransferRecord, error)
}

// ReconcilerInterface defines the reconciliation operations needed by
// activities. This allows for easy mocking in tests.
type ReconcilerInterface interface {
	ReconcileSender(ctx context.Context, account common.Address, records []*db.TransferRecord) *reconcile.Result
}

// Activities holds the dependencies needed by Temporal activities.
// All dependencies are explicit.
type Activities struct {
	store      StoreInterface
	reconciler ReconcilerInterface
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If m is nil, no metrics will be recorded.
func NewActivities(store StoreInterface, reconciler ReconcilerInterface, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:      store,
		reconciler: reconciler,
		metrics:    m,
		logger:     logger,
	}
}

// ListUnreconciled loads all records still carrying a placeholder ledger
// reference and groups them by sender, preserving submission order inside
// each group and the order senders first appear.
func (a *Activities) ListUnreconciled(ctx context.Context, input ListUnreconciledInput) (*ListUnreconciledResult, error) {
	start := time.Now()
	defer a.recordDuration("ListUnreconciled", start)

	records, err := a.store.ListUnreconciled(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled records: %w", err)
	}

	result := &ListUnreconciledResult{}
	index := make(map[string]int)
	for _, record := range records {
		i, seen := index[record.AccountAddress]
		if !seen {
			i = len(result.Senders)
			index[record.AccountAddress] = i
			result.Senders = append(result.Senders, SenderBatch{AccountAddress: record.AccountAddress})
		}
		result.Senders[i].Records = append(result.Senders[i].Records, record)
	}

	a.logger.DebugContext(ctx, "listed unreconciled records",
		"records", len(records),
		"senders", len(result.Senders),
	)
	return result, nil
}

// ReconcileSender resubmits one sender's records serially and reports how
// each one resolved.
func (a *Activities) ReconcileSender(ctx context.Context, input ReconcileSenderInput) (*ReconcileSenderResult, error) {
	start := time.Now()
	defer a.recordDuration("ReconcileSender", start)

	if !common.IsHexAddress(input.AccountAddress) {
		return nil, fmt.Errorf("invalid account address %q", input.AccountAddress)
	}
	account := common.HexToAddress(input.AccountAddress)

	res := a.reconciler.ReconcileSender(ctx, account, input.Records)

	a.logger.InfoContext(ctx, "reconciled sender",
		"account", input.AccountAddress,
		"examined", res.Examined,
		"completed", res.Completed,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"deferred", res.Deferred,
	)
	return &ReconcileSenderResult{
		Examined:  res.Examined,
		Completed: res.Completed,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Deferred:  res.Deferred,
		Errors:    res.Errors,
	}, nil
}

func (a *Activities) recordDuration(activity string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, time.Since(start).Seconds())
	}
}
