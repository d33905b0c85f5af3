package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Sentinel errors for the ledger error taxonomy. Callers classify submission
// failures with errors.Is against these rather than matching message text.
var (
	// ErrSequenceConflict indicates the ledger rejected the submission because
	// the sequence number was already used or is out of order. Retried once
	// with a freshly queried nonce, then surfaced.
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrInsufficientBalance indicates the sender's ledger-visible balance
	// cannot cover the submission. Treated as skipped, not failed: balance
	// shortfalls are expected to self-resolve via a later funding operation.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrComplianceDenied indicates the compliance gate refused the transfer.
	// Terminal; never retried automatically.
	ErrComplianceDenied = errors.New("compliance denied")

	// ErrNetworkUnavailable indicates the ledger node could not be reached or
	// the call timed out. The record stays in its current non-terminal state
	// and is retried on the next scheduled pass.
	ErrNetworkUnavailable = errors.New("ledger unavailable")

	// ErrProofServiceUnavailable indicates the proof service could not serve
	// the request. Batch submission falls back to the proof-less path when the
	// caller allows it.
	ErrProofServiceUnavailable = errors.New("proof service unavailable")

	// ErrReverted indicates the ledger executed the submission and reverted
	// it. Terminal for the attempted operation.
	ErrReverted = errors.New("submission reverted")
)

// JSON-RPC error codes returned by Besu for execution-level rejections.
// These are checked before any message-text fallback.
const (
	codeNonceTooLow     = -32001
	codeNonceTooHigh    = -32002
	codeUpfrontCost     = -32004
	codeKnownTx         = -32006
	codeReplacementTx   = -32008
	codeInvalidRequest  = -32600
	codeInternalDefault = -32000
)

// Message fragments kept as a fallback tier for nodes that report everything
// under the generic -32000 code. The fragment sets mirror the failure modes
// observed against Besu's transaction pool.
var (
	sequenceConflictFragments = []string{
		"nonce too low",
		"nonce too high",
		"replacement transaction underpriced",
		"known transaction",
		"already known",
	}
	insufficientBalanceFragments = []string{
		"upfront cost exceeds balance",
		"insufficient funds",
		"exceeds balance",
	}
)

// Classify maps a raw submission or query error onto the ledger error
// taxonomy. The returned error wraps both the sentinel and the original, so
// errors.Is works against the sentinel and the node's message is preserved.
// Errors that fit no category are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	// Transport-level failures: the node never evaluated the submission.
	if isNetworkError(err) {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	// Prefer explicit JSON-RPC error codes over message text.
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeNonceTooLow, codeNonceTooHigh, codeKnownTx, codeReplacementTx:
			return fmt.Errorf("%w: %v", ErrSequenceConflict, err)
		case codeUpfrontCost:
			return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		}
	}

	// Fallback tier: generic -32000 errors carry the reason in the message.
	msg := strings.ToLower(err.Error())
	for _, frag := range sequenceConflictFragments {
		if strings.Contains(msg, frag) {
			return fmt.Errorf("%w: %v", ErrSequenceConflict, err)
		}
	}
	for _, frag := range insufficientBalanceFragments {
		if strings.Contains(msg, frag) {
			return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		}
	}

	return err
}

// isNetworkError reports whether err is a transport failure rather than a
// node-side rejection.
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		// 5xx and 429 mean the node (or its proxy) is unhealthy, not that the
		// submission was evaluated and rejected.
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset")
}
