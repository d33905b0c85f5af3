package ledger

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Submission parameters for the free-gas interbank network. The block gas
// limit is 16,243,360; submissions claim slightly under it so a single batch
// can fill a block.
const (
	submissionGasLimit = 16_000_000
)

// weiPerMinorUnit converts between the engine's integer minor-unit amounts
// and the ledger's wei-denominated values. One minor unit is 1e9 wei, the
// same fixed rate the front-end uses.
var weiPerMinorUnit = big.NewInt(1_000_000_000)

// MinorToWei converts an integer minor-unit amount to wei.
func MinorToWei(amount int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), weiPerMinorUnit)
}

// WeiToMinor converts a wei value to minor units, truncating any sub-unit
// remainder.
func WeiToMinor(wei *big.Int) int64 {
	if wei == nil {
		return 0
	}
	return new(big.Int).Div(wei, weiPerMinorUnit).Int64()
}

// TransferParams describes a single signed value transfer.
type TransferParams struct {
	Key       *ecdsa.PrivateKey
	To        common.Address
	AmountWei *big.Int
	Nonce     uint64
}

// BatchItem is one transfer inside a batch submission.
type BatchItem struct {
	Recipient   common.Address
	AmountWei   *big.Int
	RoutingCode string
	Memo        string
}

// BatchProof carries the proof material attached to one batch item.
type BatchProof struct {
	AmountWei      *big.Int
	CommitmentHash [32]byte
	ProofBytes     []byte
}

// BatchParams describes a batch submission against the interbank contract.
// Items are packed into per-field parameter arrays in stable input order.
type BatchParams struct {
	Key    *ecdsa.PrivateKey
	Items  []BatchItem
	Proofs []BatchProof // empty for the proof-less path
	Nonce  uint64
}

// Handle identifies an in-flight submission awaiting its outcome.
type Handle struct {
	TxHash common.Hash
	Sender common.Address
	Nonce  uint64
}

// OutcomeStatus is the terminal status the ledger reports for a submission.
type OutcomeStatus string

const (
	OutcomeSuccess  OutcomeStatus = "success"
	OutcomeReverted OutcomeStatus = "reverted"
)

// Outcome is the confirmed result of a submission.
type Outcome struct {
	Status      OutcomeStatus
	LedgerRef   string // transaction hash as reported by the ledger
	BlockMarker int64  // block number the submission was included in
}
