// Package batch assembles multi-recipient settlement submissions against the
// interbank contract. A batch consumes one sequence number and settles
// atomically: either every item lands or the whole submission reverts.
package batch

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nt219/interledger/service/ledger"
	"github.com/nt219/interledger/service/metrics"
	"github.com/nt219/interledger/service/proof"
)

// MaxItems is the largest number of transfer intents one batch may carry.
// The bound keeps the packed call comfortably inside the block gas limit.
const MaxItems = 50

var (
	// ErrEmptyBatch is returned for a batch with no items.
	ErrEmptyBatch = errors.New("batch contains no items")

	// ErrBatchTooLarge is returned when a batch exceeds MaxItems.
	ErrBatchTooLarge = fmt.Errorf("batch exceeds %d items", MaxItems)

	// ErrInvalidAmount is returned when an item's amount is not positive.
	ErrInvalidAmount = errors.New("batch item amount must be positive")
)

// LedgerClient is the subset of ledger operations batch submission needs.
type LedgerClient interface {
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	SubmitBatch(ctx context.Context, params ledger.BatchParams) (ledger.Handle, error)
}

// NonceAllocator hands out and retires sequence numbers.
type NonceAllocator interface {
	Allocate(ctx context.Context, account common.Address) (uint64, error)
	Confirm(account common.Address, sequence uint64)
	Invalidate(account common.Address)
}

// ProofService generates balance attestations for batch amounts.
type ProofService interface {
	Healthy(ctx context.Context) bool
	GenerateBatch(ctx context.Context, requests []proof.Request) ([]*proof.Proof, error)
}

// Item is one transfer intent inside a batch.
type Item struct {
	Recipient   common.Address
	Amount      int64 // minor currency units
	RoutingCode string
	Memo        string
}

// Result describes a submitted batch.
type Result struct {
	Handle     ledger.Handle
	WithProofs bool
	TotalWei   *big.Int
	Items      int
}

// Builder validates, proves, and submits batches.
//
// Sustained throughput is bounded by settlement cadence rather than item
// count: at T transfers per block and batch size B, the engine needs T/B
// batch submissions per block interval to keep pace.
type Builder struct {
	ledger  LedgerClient
	nonces  NonceAllocator
	proofs  ProofService // nil disables the proof path entirely
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewBuilder creates a batch builder. proofs may be nil to always submit
// plain batches; m may be nil to disable metrics.
func NewBuilder(lc LedgerClient, nonces NonceAllocator, proofs ProofService, logger *slog.Logger, m *metrics.Metrics) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		ledger:  lc,
		nonces:  nonces,
		proofs:  proofs,
		logger:  logger,
		metrics: m,
	}
}

// Submit validates the batch, prechecks the sender's balance, and submits the
// whole batch under one sequence number. When attachProofs is set and the
// proof sidecar is reachable, each item carries a balance attestation. Item
// order is preserved end to end. A sequence conflict is retried exactly once
// with a freshly queried sequence number.
func (b *Builder) Submit(ctx context.Context, key *ecdsa.PrivateKey, items []Item, attachProofs bool) (*Result, error) {
	if err := validateItems(items); err != nil {
		b.recordSubmission("rejected", len(items), false)
		return nil, err
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)

	ledgerItems, total := buildLedgerItems(items)

	// The contract rejects underfunded batches anyway; checking up front
	// avoids burning a sequence number on a submission that cannot settle.
	balance, err := b.ledger.Balance(ctx, sender)
	if err != nil {
		b.recordSubmission("error", len(items), false)
		return nil, fmt.Errorf("failed to precheck balance: %w", err)
	}
	if balance.Cmp(total) < 0 {
		b.recordSubmission("rejected", len(items), false)
		return nil, fmt.Errorf("%w: batch total %s wei exceeds balance %s wei",
			ledger.ErrInsufficientBalance, total, balance)
	}

	var proofs []ledger.BatchProof
	if attachProofs {
		proofs = b.generateProofs(ctx, sender, balance, items, ledgerItems)
	}

	handle, err := b.submitOnce(ctx, key, sender, ledgerItems, proofs, true)
	if err != nil {
		b.recordSubmission("error", len(items), len(proofs) > 0)
		return nil, err
	}

	b.recordSubmission("submitted", len(items), len(proofs) > 0)
	return &Result{
		Handle:     handle,
		WithProofs: len(proofs) > 0,
		TotalWei:   total,
		Items:      len(items),
	}, nil
}

// submitOnce allocates a sequence number and submits. On a sequence conflict
// it invalidates the sender's slot and, if retry is set, tries once more with
// a re-queried sequence number.
func (b *Builder) submitOnce(ctx context.Context, key *ecdsa.PrivateKey, sender common.Address, items []ledger.BatchItem, proofs []ledger.BatchProof, retry bool) (ledger.Handle, error) {
	nonce, err := b.nonces.Allocate(ctx, sender)
	if err != nil {
		return ledger.Handle{}, fmt.Errorf("failed to allocate sequence number: %w", err)
	}

	handle, err := b.ledger.SubmitBatch(ctx, ledger.BatchParams{
		Key:    key,
		Items:  items,
		Proofs: proofs,
		Nonce:  nonce,
	})
	if err != nil {
		b.nonces.Invalidate(sender)
		if errors.Is(err, ledger.ErrSequenceConflict) && retry {
			b.logger.WarnContext(ctx, "batch hit sequence conflict, retrying once",
				"sender", sender.Hex(),
				"nonce", nonce,
			)
			if b.metrics != nil {
				b.metrics.RecordLedgerRetry("SubmitBatch", "sequence_conflict")
			}
			return b.submitOnce(ctx, key, sender, items, proofs, false)
		}
		return ledger.Handle{}, err
	}

	b.nonces.Confirm(sender, nonce)
	return handle, nil
}

// generateProofs attaches balance attestations when the sidecar is healthy.
// Each item gets its own commitment over the sender's balance in minor
// units. Any proof failure degrades to a plain batch rather than blocking
// settlement.
func (b *Builder) generateProofs(ctx context.Context, sender common.Address, balance *big.Int, items []Item, ledgerItems []ledger.BatchItem) []ledger.BatchProof {
	if b.proofs == nil || !b.proofs.Healthy(ctx) {
		return nil
	}

	balanceMinor := uint64(ledger.WeiToMinor(balance))
	requests := make([]proof.Request, len(items))
	for i, item := range items {
		commitment, err := proof.NewCommitment(balanceMinor)
		if err != nil {
			b.logger.WarnContext(ctx, "failed to build proof commitment, submitting without proofs", "error", err)
			return nil
		}
		requests[i] = proof.Request{
			UserAddress: sender,
			Amount:      uint64(item.Amount),
			AmountWei:   ledgerItems[i].AmountWei,
			Commitment:  commitment,
		}
	}

	generated, err := b.proofs.GenerateBatch(ctx, requests)
	if err != nil {
		b.logger.WarnContext(ctx, "proof generation failed, submitting without proofs", "error", err)
		return nil
	}

	proofs := make([]ledger.BatchProof, len(generated))
	for i, p := range generated {
		proofs[i] = ledger.BatchProof{
			AmountWei:      p.AmountWei,
			CommitmentHash: [32]byte(p.CommitmentHash),
			ProofBytes:     p.ProofBytes,
		}
	}
	return proofs
}

func (b *Builder) recordSubmission(status string, size int, withProofs bool) {
	if b.metrics != nil {
		b.metrics.RecordBatchSubmission(status, size, withProofs)
	}
}

func validateItems(items []Item) error {
	if len(items) == 0 {
		return ErrEmptyBatch
	}
	if len(items) > MaxItems {
		return fmt.Errorf("%w: got %d", ErrBatchTooLarge, len(items))
	}
	for i, item := range items {
		if item.Amount <= 0 {
			return fmt.Errorf("%w: item %d has amount %d", ErrInvalidAmount, i, item.Amount)
		}
	}
	return nil
}

func buildLedgerItems(items []Item) ([]ledger.BatchItem, *big.Int) {
	out := make([]ledger.BatchItem, len(items))
	total := new(big.Int)
	for i, item := range items {
		wei := ledger.MinorToWei(item.Amount)
		out[i] = ledger.BatchItem{
			Recipient:   item.Recipient,
			AmountWei:   wei,
			RoutingCode: item.RoutingCode,
			Memo:        item.Memo,
		}
		total.Add(total, wei)
	}
	return out, total
}
