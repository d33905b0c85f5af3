package server

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nt219/interledger/service/batch"
	"github.com/nt219/interledger/service/compliance"
	"github.com/nt219/interledger/service/db"
	"github.com/nt219/interledger/service/ledger"
	"github.com/nt219/interledger/service/metrics"
	"github.com/nt219/interledger/service/nats"
	"github.com/nt219/interledger/service/temporal"
)

// ErrUnknownAccount is returned when a submission names a sender account the
// engine holds no signing key for.
var ErrUnknownAccount = errors.New("account is not locally known")

// defaultOutcomeWait bounds how long the interactive path blocks waiting for
// the ledger to report an outcome before handing the record to reconciliation.
const defaultOutcomeWait = 30 * time.Second

// RecordStore is the subset of store operations the HTTP layer needs.
type RecordStore interface {
	AppendRecord(ctx context.Context, params db.AppendRecordParams) (*db.TransferRecord, bool, error)
	GetRecord(ctx context.Context, accountAddress, referenceCode string) (*db.TransferRecord, error)
	UpdateStatus(ctx context.Context, params db.UpdateStatusParams) (*db.TransferRecord, error)
	ListRecords(ctx context.Context, params db.ListRecordsParams) ([]*db.TransferRecord, error)
	ListUnreconciled(ctx context.Context, accountAddress string) ([]*db.TransferRecord, error)
	DeleteRecord(ctx context.Context, accountAddress, referenceCode string) error
	PurgeRecords(ctx context.Context, accountAddress string) (int64, error)
}

// LedgerService is the subset of ledger client operations the interactive
// submission path needs.
type LedgerService interface {
	SequenceNumber(ctx context.Context, account common.Address) (uint64, error)
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

// BatchSubmitter submits multi-recipient batches.
type BatchSubmitter interface {
	Submit(ctx context.Context, key *ecdsa.PrivateKey, items []batch.Item, attachProofs bool) (*batch.Result, error)
}

// ComplianceGate checks proposed transfers against the permissioning service.
type ComplianceGate interface {
	Check(ctx context.Context, account, recipient string, amount int64) (compliance.Decision, error)
}

// TransferServiceConfig carries the dependencies for a TransferService.
type TransferServiceConfig struct {
	Store         RecordStore
	Ledger        LedgerService
	Nonces        NonceAllocator
	Batches       BatchSubmitter
	Keyring       *ledger.Keyring
	Gate          ComplianceGate // nil disables compliance checks
	Scheduler     temporal.Scheduler
	Publisher     nats.Publisher // nil disables status events
	Confirmations uint64
	OutcomeWait   time.Duration // defaults to 30s
	Debounce      time.Duration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// TransferService runs the interactive submission path: it writes the record,
// submits to the ledger, waits a bounded time for the outcome, and hands
// anything unresolved to the reconciliation schedule.
type TransferService struct {
	store         RecordStore
	ledger        LedgerService
	nonces        NonceAllocator
	batches       BatchSubmitter
	keyring       *ledger.Keyring
	gate          ComplianceGate
	scheduler     temporal.Scheduler
	publisher     nats.Publisher
	confirmations uint64
	outcomeWait   time.Duration
	debounce      time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewTransferService creates a TransferService from its dependencies.
func NewTransferService(cfg TransferServiceConfig) *TransferService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OutcomeWait <= 0 {
		cfg.OutcomeWait = defaultOutcomeWait
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	return &TransferService{
		store:         cfg.Store,
		ledger:        cfg.Ledger,
		nonces:        cfg.Nonces,
		batches:       cfg.Batches,
		keyring:       cfg.Keyring,
		gate:          cfg.Gate,
		scheduler:     cfg.Scheduler,
		publisher:     cfg.Publisher,
		confirmations: cfg.Confirmations,
		outcomeWait:   cfg.OutcomeWait,
		debounce:      cfg.Debounce,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
}

// SubmitRequest is one validated transfer submission.
type SubmitRequest struct {
	AccountAddress common.Address
	Recipient      common.Address
	Amount         int64 // minor currency units
	RoutingCode    string
	Memo           string
	ReferenceCode  string // generated when empty
}

// SubmitOutcome is the result of an interactive submission. When Deferred is
// set the record carries a placeholder ledger reference and a debounced
// reconciliation pass has been triggered.
type SubmitOutcome struct {
	Record   *db.TransferRecord
	Created  bool
	Deferred bool
}

// SubmitTransfer runs one transfer through the interactive path. Duplicate
// submissions return the existing record with Created=false. A ledger that is
// unreachable, out of sequence after a retry, or short of funds defers the
// record to reconciliation instead of failing it.
func (t *TransferService) SubmitTransfer(ctx context.Context, req SubmitRequest) (*SubmitOutcome, error) {
	key, err := t.keyring.SignerFor(req.AccountAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, req.AccountAddress.Hex())
	}

	if err := t.checkCompliance(ctx, req.AccountAddress.Hex(), req.Recipient.Hex(), req.Amount); err != nil {
		return nil, err
	}

	refCode := req.ReferenceCode
	if refCode == "" {
		refCode = db.NewReferenceCode()
	}
	memo := req.Memo

	record, created, err := t.store.AppendRecord(ctx, db.AppendRecordParams{
		AccountAddress: req.AccountAddress.Hex(),
		ReferenceCode:  refCode,
		Sender:         t.keyring.BankCode(req.AccountAddress),
		Recipient:      req.Recipient.Hex(),
		Amount:         req.Amount,
		RoutingCode:    req.RoutingCode,
		Memo:           optional(memo),
		Status:         db.StatusPending,
		LedgerRefKind:  db.RefKindNone,
		SubmittedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}
	if !created {
		if t.metrics != nil {
			t.metrics.RecordDuplicateAbsorbed(record.AccountAddress)
		}
		t.logger.InfoContext(ctx, "duplicate submission absorbed",
			"account", record.AccountAddress,
			"reference_code", record.ReferenceCode,
		)
		return &SubmitOutcome{Record: record, Created: false}, nil
	}
	if t.metrics != nil {
		t.metrics.RecordRecordWritten(record.AccountAddress)
	}

	handle, err := t.submitWithRetry(ctx, key, req)
	if err != nil {
		if isDeferrable(err) {
			return t.deferRecord(ctx, record, err)
		}
		if _, uerr := t.transition(ctx, record, db.UpdateStatusParams{
			AccountAddress: record.AccountAddress,
			ReferenceCode:  record.ReferenceCode,
			Status:         db.StatusFailed,
		}); uerr != nil {
			t.logger.ErrorContext(ctx, "failed to mark rejected transfer",
				"reference_code", record.ReferenceCode, "error", uerr)
		}
		return nil, err
	}
	t.nonces.Confirm(handle.Sender, handle.Nonce)

	record, err = t.transition(ctx, record, db.UpdateStatusParams{
		AccountAddress: record.AccountAddress,
		ReferenceCode:  record.ReferenceCode,
		Status:         db.StatusProcessing,
	})
	if err != nil {
		return nil, err
	}

	return t.awaitOutcome(ctx, record, handle)
}

// awaitOutcome blocks up to outcomeWait for the ledger's verdict and advances
// the record accordingly. An outcome that cannot be observed in time defers
// the record: the submission may still land, and reconciliation resolves it
// from ledger state.
func (t *TransferService) awaitOutcome(ctx context.Context, record *db.TransferRecord, handle ledger.Handle) (*SubmitOutcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, t.outcomeWait)
	defer cancel()

	outcome, err := t.ledger.WaitForOutcome(waitCtx, handle, t.confirmations)
	if err != nil {
		return t.deferRecord(ctx, record, err)
	}

	status := db.StatusCompleted
	if outcome.Status == ledger.OutcomeReverted {
		status = db.StatusFailed
	}
	record, err = t.transition(ctx, record, db.UpdateStatusParams{
		AccountAddress: record.AccountAddress,
		ReferenceCode:  record.ReferenceCode,
		Status:         status,
		LedgerRefKind:  db.RefKindConfirmed,
		LedgerRef:      &outcome.LedgerRef,
		BlockMarker:    &outcome.BlockMarker,
	})
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "transfer settled",
		"account", record.AccountAddress,
		"reference_code", record.ReferenceCode,
		"status", record.Status,
		"ledger_ref", outcome.LedgerRef,
	)
	return &SubmitOutcome{Record: record, Created: true}, nil
}

// submitWithRetry allocates a sequence number and submits. A sequence
// conflict invalidates the slot and retries exactly once with a re-queried
// number.
func (t *TransferService) submitWithRetry(ctx context.Context, key *ecdsa.PrivateKey, req SubmitRequest) (ledger.Handle, error) {
	retried := false
	for {
		nonce, err := t.nonces.Allocate(ctx, req.AccountAddress)
		if err != nil {
			return ledger.Handle{}, fmt.Errorf("failed to allocate sequence number: %w", err)
		}

		handle, err := t.ledger.SubmitTransfer(ctx, ledger.TransferParams{
			Key:       key,
			To:        req.Recipient,
			AmountWei: ledger.MinorToWei(req.Amount),
			Nonce:     nonce,
		})
		if err == nil {
			return handle, nil
		}

		t.nonces.Invalidate(req.AccountAddress)
		if errors.Is(err, ledger.ErrSequenceConflict) && !retried {
			retried = true
			t.logger.WarnContext(ctx, "transfer hit sequence conflict, retrying once",
				"account", req.AccountAddress.Hex(),
				"nonce", nonce,
			)
			if t.metrics != nil {
				t.metrics.RecordLedgerRetry("SubmitTransfer", "sequence_conflict")
			}
			continue
		}
		return ledger.Handle{}, err
	}
}

// deferRecord parks a record for reconciliation: placeholder reference,
// processing status, debounced trigger.
func (t *TransferService) deferRecord(ctx context.Context, record *db.TransferRecord, cause error) (*SubmitOutcome, error) {
	placeholder := "pending-" + record.ReferenceCode
	updated, err := t.transition(ctx, record, db.UpdateStatusParams{
		AccountAddress: record.AccountAddress,
		ReferenceCode:  record.ReferenceCode,
		Status:         db.StatusProcessing,
		LedgerRefKind:  db.RefKindPlaceholder,
		LedgerRef:      &placeholder,
	})
	if err != nil {
		return nil, err
	}

	t.logger.WarnContext(ctx, "transfer deferred to reconciliation",
		"account", updated.AccountAddress,
		"reference_code", updated.ReferenceCode,
		"cause", cause,
	)

	if t.scheduler != nil {
		if err := t.scheduler.TriggerReconcile(ctx, t.debounce); err != nil {
			t.logger.ErrorContext(ctx, "failed to trigger reconciliation", "error", err)
		}
	}
	return &SubmitOutcome{Record: updated, Created: true, Deferred: true}, nil
}

// BatchItemRequest is one validated item of a batch submission.
type BatchItemRequest struct {
	Recipient     common.Address
	Amount        int64
	RoutingCode   string
	Memo          string
	ReferenceCode string // generated when empty
}

// BatchSubmitRequest is a validated multi-recipient submission.
type BatchSubmitRequest struct {
	AccountAddress common.Address
	Items          []BatchItemRequest
	AttachProofs   bool
}

// BatchOutcome is the result of a batch submission. All records share one
// ledger reference on success.
type BatchOutcome struct {
	Records    []*db.TransferRecord
	WithProofs bool
	Deferred   bool
	Failed     bool
}

// SubmitBatch runs a multi-recipient batch through the interactive path. The
// whole batch settles under one sequence number; on success each item's
// record carries the same confirmed ledger reference.
func (t *TransferService) SubmitBatch(ctx context.Context, req BatchSubmitRequest) (*BatchOutcome, error) {
	key, err := t.keyring.SignerFor(req.AccountAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, req.AccountAddress.Hex())
	}

	for i, item := range req.Items {
		if err := t.checkCompliance(ctx, req.AccountAddress.Hex(), item.Recipient.Hex(), item.Amount); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}

	sender := t.keyring.BankCode(req.AccountAddress)
	submittedAt := time.Now().UTC()
	records := make([]*db.TransferRecord, len(req.Items))
	items := make([]batch.Item, len(req.Items))
	for i, item := range req.Items {
		refCode := item.ReferenceCode
		if refCode == "" {
			refCode = db.NewReferenceCode()
		}
		record, created, err := t.store.AppendRecord(ctx, db.AppendRecordParams{
			AccountAddress: req.AccountAddress.Hex(),
			ReferenceCode:  refCode,
			Sender:         sender,
			Recipient:      item.Recipient.Hex(),
			Amount:         item.Amount,
			RoutingCode:    item.RoutingCode,
			Memo:           optional(item.Memo),
			Status:         db.StatusPending,
			LedgerRefKind:  db.RefKindNone,
			SubmittedAt:    submittedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record batch item %d: %w", i, err)
		}
		if !created {
			return nil, fmt.Errorf("batch item %d duplicates record %s", i, record.ReferenceCode)
		}
		if t.metrics != nil {
			t.metrics.RecordRecordWritten(record.AccountAddress)
		}
		records[i] = record
		items[i] = batch.Item{
			Recipient:   item.Recipient,
			Amount:      item.Amount,
			RoutingCode: item.RoutingCode,
			Memo:        item.Memo,
		}
	}

	result, err := t.batches.Submit(ctx, key, items, req.AttachProofs)
	if err != nil {
		if errors.Is(err, ledger.ErrNetworkUnavailable) {
			return t.deferBatch(ctx, records, err)
		}
		// Underfunded or rejected batches fail as a unit: the contract
		// settles all items or none.
		t.failBatch(ctx, records, nil)
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.outcomeWait)
	defer cancel()
	outcome, werr := t.ledger.WaitForOutcome(waitCtx, result.Handle, t.confirmations)
	if werr != nil {
		out, derr := t.deferBatch(ctx, records, werr)
		if derr != nil {
			return nil, derr
		}
		out.WithProofs = result.WithProofs
		return out, nil
	}

	out := &BatchOutcome{WithProofs: result.WithProofs}
	status := db.StatusCompleted
	if outcome.Status == ledger.OutcomeReverted {
		status = db.StatusFailed
		out.Failed = true
	}
	for _, record := range records {
		updated, err := t.transition(ctx, record, db.UpdateStatusParams{
			AccountAddress: record.AccountAddress,
			ReferenceCode:  record.ReferenceCode,
			Status:         status,
			LedgerRefKind:  db.RefKindConfirmed,
			LedgerRef:      &outcome.LedgerRef,
			BlockMarker:    &outcome.BlockMarker,
		})
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, updated)
	}

	t.logger.InfoContext(ctx, "batch settled",
		"account", req.AccountAddress.Hex(),
		"items", len(records),
		"status", status,
		"ledger_ref", outcome.LedgerRef,
		"with_proofs", result.WithProofs,
	)
	return out, nil
}

func (t *TransferService) deferBatch(ctx context.Context, records []*db.TransferRecord, cause error) (*BatchOutcome, error) {
	out := &BatchOutcome{Deferred: true}
	for _, record := range records {
		res, err := t.deferRecord(ctx, record, cause)
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, res.Record)
	}
	return out, nil
}

func (t *TransferService) failBatch(ctx context.Context, records []*db.TransferRecord, outcome *ledger.Outcome) {
	for _, record := range records {
		params := db.UpdateStatusParams{
			AccountAddress: record.AccountAddress,
			ReferenceCode:  record.ReferenceCode,
			Status:         db.StatusFailed,
		}
		if outcome != nil {
			params.LedgerRefKind = db.RefKindConfirmed
			params.LedgerRef = &outcome.LedgerRef
			params.BlockMarker = &outcome.BlockMarker
		}
		if _, err := t.transition(ctx, record, params); err != nil {
			t.logger.ErrorContext(ctx, "failed to mark batch item failed",
				"reference_code", record.ReferenceCode, "error", err)
		}
	}
}

func (t *TransferService) checkCompliance(ctx context.Context, account, recipient string, amount int64) error {
	if t.gate == nil {
		return nil
	}
	decision, err := t.gate.Check(ctx, account, recipient, amount)
	if err != nil {
		return fmt.Errorf("permissioning check failed: %w", err)
	}
	if !decision.Allowed {
		if decision.Reason != "" {
			return fmt.Errorf("%w: %s", ledger.ErrComplianceDenied, decision.Reason)
		}
		return ledger.ErrComplianceDenied
	}
	return nil
}

// transition updates a record's status, records the metric, and publishes the
// status event.
func (t *TransferService) transition(ctx context.Context, record *db.TransferRecord, params db.UpdateStatusParams) (*db.TransferRecord, error) {
	updated, err := t.store.UpdateStatus(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to update transfer status: %w", err)
	}
	if t.metrics != nil {
		t.metrics.RecordStatusTransition(updated.Status)
	}
	if t.publisher != nil {
		if err := t.publisher.PublishStatus(ctx, nats.FromRecord(updated)); err != nil {
			t.logger.ErrorContext(ctx, "failed to publish status event",
				"reference_code", updated.ReferenceCode, "error", err)
		}
	}
	return updated, nil
}

// isDeferrable reports whether a submission error should park the record for
// reconciliation rather than fail it. Funds may arrive, the network may come
// back, and a conflicting sequence number resolves once the ledger's view is
// re-queried.
func isDeferrable(err error) bool {
	return errors.Is(err, ledger.ErrNetworkUnavailable) ||
		errors.Is(err, ledger.ErrSequenceConflict) ||
		errors.Is(err, ledger.ErrInsufficientBalance)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
