// Package reconcile drives transfer records written under degraded conditions
// back into agreement with the ledger. The ledger is authoritative: a record
// only reaches a terminal state once the ledger has reported the outcome of a
// real submission.
package reconcile

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nt219/interledger/service/db"
	"github.com/nt219/interledger/service/ledger"
	"github.com/nt219/interledger/service/metrics"
	"github.com/nt219/interledger/service/nats"
)

// Default pacing between resubmissions. A permissioned chain with a small
// validator set mints blocks quickly, but hammering it with back-to-back
// submissions from the same sender risks mempool nonce races.
const (
	DefaultItemDelay   = 500 * time.Millisecond
	DefaultSenderDelay = time.Second
)

// Store is the record persistence the reconciler needs.
type Store interface {
	ListUnreconciled(ctx context.Context, accountAddress string) ([]*db.TransferRecord, error)
	UpdateStatus(ctx context.Context, params db.UpdateStatusParams) (*db.TransferRecord, error)
}

// LedgerClient is the subset of ledger operations the reconciler needs.
type LedgerClient interface {
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	SubmitTransfer(ctx context.Context, params ledger.TransferParams) (ledger.Handle, error)
	WaitForOutcome(ctx context.Context, handle ledger.Handle, confirmations uint64) (*ledger.Outcome, error)
}

// NonceAllocator hands out and retires sequence numbers.
type NonceAllocator interface {
	Allocate(ctx context.Context, account common.Address) (uint64, error)
	Confirm(account common.Address, sequence uint64)
	Invalidate(account common.Address)
}

// Signer resolves signing keys for locally-known sender accounts.
type Signer interface {
	SignerFor(account common.Address) (*ecdsa.PrivateKey, error)
}

// Result summarizes one reconciliation pass.
type Result struct {
	Examined  int      `json:"examined"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Deferred  int      `json:"deferred"`
	Errors    []string `json:"errors,omitempty"`
}

// Reconciler resubmits unreconciled transfer records and settles their
// terminal status from the ledger's reported outcomes.
type Reconciler struct {
	store       Store
	ledger      LedgerClient
	nonces      NonceAllocator
	signer      Signer
	publisher   nats.Publisher // may be nil
	logger      *slog.Logger
	metrics     *metrics.Metrics
	itemDelay   time.Duration
	senderDelay time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithDelays overrides the pacing between items and between senders.
// Tests use zero delays.
func WithDelays(item, sender time.Duration) Option {
	return func(r *Reconciler) {
		r.itemDelay = item
		r.senderDelay = sender
	}
}

// WithPublisher attaches a status event publisher.
func WithPublisher(p nats.Publisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

// NewReconciler creates a reconciler. m may be nil to disable metrics.
func NewReconciler(store Store, lc LedgerClient, nonces NonceAllocator, signer Signer, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		store:       store,
		ledger:      lc,
		nonces:      nonces,
		signer:      signer,
		logger:      logger,
		metrics:     m,
		itemDelay:   DefaultItemDelay,
		senderDelay: DefaultSenderDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one reconciliation pass: it lists records still carrying a
// placeholder ledger reference, groups them by sender, and resubmits each
// sender's records serially in submission order so sequence numbers line up.
// The trigger label distinguishes scheduled passes from debounced ones in
// metrics.
func (r *Reconciler) Run(ctx context.Context, trigger string) (*Result, error) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.RecordReconcilePass(trigger, time.Since(start).Seconds())
		}
	}()

	records, err := r.store.ListUnreconciled(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled records: %w", err)
	}

	result := &Result{Examined: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	senders, order := groupBySender(records)
	r.logger.InfoContext(ctx, "starting reconciliation pass",
		"trigger", trigger,
		"records", len(records),
		"senders", len(order),
	)

	for i, sender := range order {
		if i > 0 {
			r.pause(ctx, r.senderDelay)
		}
		if ctx.Err() != nil {
			result.Deferred += remaining(senders, order[i:])
			break
		}
		r.reconcileSender(ctx, sender, senders[sender], result)
	}

	r.logger.InfoContext(ctx, "reconciliation pass finished",
		"trigger", trigger,
		"examined", result.Examined,
		"completed", result.Completed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"deferred", result.Deferred,
		"duration", time.Since(start),
	)
	return result, nil
}

// ReconcileSender reconciles a single sender's records, serially in order.
// Exposed for workflow activities that fan reconciliation out per sender.
func (r *Reconciler) ReconcileSender(ctx context.Context, account common.Address, records []*db.TransferRecord) *Result {
	result := &Result{Examined: len(records)}
	r.reconcileSender(ctx, account, records, result)
	return result
}

func (r *Reconciler) reconcileSender(ctx context.Context, account common.Address, records []*db.TransferRecord, result *Result) {
	key, err := r.signer.SignerFor(account)
	if err != nil {
		// Records for senders we cannot sign for stay unreconciled; they
		// are visible through the unreconciled feed for operator action.
		r.logger.WarnContext(ctx, "cannot reconcile sender without signing key",
			"account", account.Hex(),
			"records", len(records),
		)
		result.Deferred += len(records)
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", account.Hex(), err))
		return
	}

	for i, record := range records {
		if i > 0 {
			r.pause(ctx, r.itemDelay)
		}
		if ctx.Err() != nil {
			result.Deferred += len(records) - i
			return
		}

		outcome := r.reconcileRecord(ctx, account, key, record)
		if r.metrics != nil {
			r.metrics.RecordReconcileItem(outcome)
		}
		switch outcome {
		case "completed":
			result.Completed++
		case "failed":
			result.Failed++
		case "skipped":
			result.Skipped++
		case "deferred":
			result.Deferred++
			// A network failure mid-sender leaves sequence state in
			// doubt; stop this sender and let the next pass retry.
			result.Deferred += len(records) - i - 1
			return
		}
	}
}

// reconcileRecord resubmits one record and returns its outcome label:
// completed, failed, skipped, or deferred.
func (r *Reconciler) reconcileRecord(ctx context.Context, account common.Address, key *ecdsa.PrivateKey, record *db.TransferRecord) string {
	logger := r.logger.With(
		"account", account.Hex(),
		"reference_code", record.ReferenceCode,
	)

	if !common.IsHexAddress(record.Recipient) {
		logger.ErrorContext(ctx, "record has malformed recipient, failing it", "recipient", record.Recipient)
		r.markFailed(ctx, record)
		return "failed"
	}
	recipient := common.HexToAddress(record.Recipient)
	amountWei := ledger.MinorToWei(record.Amount)

	// Underfunded senders are not an error condition: the record waits for
	// funds and a later pass picks it up.
	balance, err := r.ledger.Balance(ctx, account)
	if err != nil {
		logger.WarnContext(ctx, "balance query failed, deferring record", "error", err)
		return "deferred"
	}
	if balance.Cmp(amountWei) < 0 {
		logger.InfoContext(ctx, "insufficient balance, skipping record",
			"balance_wei", balance.String(),
			"amount_wei", amountWei.String(),
		)
		return "skipped"
	}

	handle, err := r.submitWithRetry(ctx, account, key, recipient, amountWei, logger)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNetworkUnavailable):
		logger.WarnContext(ctx, "ledger unreachable, deferring record", "error", err)
		return "deferred"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		// Balance moved between the precheck and the submission.
		logger.InfoContext(ctx, "submission rejected for insufficient funds, skipping record")
		return "skipped"
	default:
		logger.ErrorContext(ctx, "resubmission rejected, failing record", "error", err)
		r.markFailed(ctx, record)
		return "failed"
	}

	outcome, err := r.ledger.WaitForOutcome(ctx, handle, 1)
	if err != nil {
		// The submission may still land; the record keeps its placeholder
		// reference and the next pass resolves it.
		logger.WarnContext(ctx, "outcome wait failed, deferring record", "error", err)
		return "deferred"
	}
	r.nonces.Confirm(account, handle.Nonce)

	status := db.StatusCompleted
	if outcome.Status != ledger.OutcomeSuccess {
		status = db.StatusFailed
	}
	updated, err := r.store.UpdateStatus(ctx, db.UpdateStatusParams{
		AccountAddress: record.AccountAddress,
		ReferenceCode:  record.ReferenceCode,
		Status:         status,
		LedgerRefKind:  db.RefKindConfirmed,
		LedgerRef:      &outcome.LedgerRef,
		BlockMarker:    &outcome.BlockMarker,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to persist reconciled status", "error", err)
		return "deferred"
	}
	r.publish(ctx, updated)

	logger.InfoContext(ctx, "record reconciled",
		"status", status,
		"ledger_ref", outcome.LedgerRef,
		"block", outcome.BlockMarker,
	)
	if status == db.StatusCompleted {
		return "completed"
	}
	return "failed"
}

// submitWithRetry submits a transfer, retrying exactly once on a sequence
// conflict with a freshly queried sequence number.
func (r *Reconciler) submitWithRetry(ctx context.Context, account common.Address, key *ecdsa.PrivateKey, recipient common.Address, amountWei *big.Int, logger *slog.Logger) (ledger.Handle, error) {
	retried := false
	for {
		nonce, err := r.nonces.Allocate(ctx, account)
		if err != nil {
			return ledger.Handle{}, err
		}

		handle, err := r.ledger.SubmitTransfer(ctx, ledger.TransferParams{
			Key:       key,
			To:        recipient,
			AmountWei: amountWei,
			Nonce:     nonce,
		})
		if err == nil {
			return handle, nil
		}

		r.nonces.Invalidate(account)
		if errors.Is(err, ledger.ErrSequenceConflict) && !retried {
			retried = true
			logger.WarnContext(ctx, "sequence conflict, retrying with fresh sequence number", "nonce", nonce)
			if r.metrics != nil {
				r.metrics.RecordLedgerRetry("SubmitTransfer", "sequence_conflict")
			}
			continue
		}
		return ledger.Handle{}, err
	}
}

func (r *Reconciler) markFailed(ctx context.Context, record *db.TransferRecord) {
	updated, err := r.store.UpdateStatus(ctx, db.UpdateStatusParams{
		AccountAddress: record.AccountAddress,
		ReferenceCode:  record.ReferenceCode,
		Status:         db.StatusFailed,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to mark record failed",
			"reference_code", record.ReferenceCode,
			"error", err,
		)
		return
	}
	r.publish(ctx, updated)
}

func (r *Reconciler) publish(ctx context.Context, record *db.TransferRecord) {
	if r.publisher == nil || record == nil {
		return
	}
	if err := r.publisher.PublishStatus(ctx, nats.FromRecord(record)); err != nil {
		r.logger.WarnContext(ctx, "failed to publish status event",
			"reference_code", record.ReferenceCode,
			"error", err,
		)
	}
}

func (r *Reconciler) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// groupBySender partitions records by sender account, preserving each
// sender's submission order and the order senders first appear.
func groupBySender(records []*db.TransferRecord) (map[common.Address][]*db.TransferRecord, []common.Address) {
	groups := make(map[common.Address][]*db.TransferRecord)
	var order []common.Address
	for _, record := range records {
		account := common.HexToAddress(record.AccountAddress)
		if _, seen := groups[account]; !seen {
			order = append(order, account)
		}
		groups[account] = append(groups[account], record)
	}
	return groups, order
}

func remaining(groups map[common.Address][]*db.TransferRecord, accounts []common.Address) int {
	n := 0
	for _, a := range accounts {
		n += len(groups[a])
	}
	return n
}
