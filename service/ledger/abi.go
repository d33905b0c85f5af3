package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// interbankABI is the fragment of the interbank contract's ABI the engine
// calls. Per-item fields are passed as parallel arrays in input order; the
// contract applies the whole batch atomically.
const interbankABI = `[
  {
    "name": "batchTransfer",
    "type": "function",
    "inputs": [
      {"name": "recipients", "type": "address[]"},
      {"name": "amounts", "type": "uint256[]"},
      {"name": "toBankCodes", "type": "string[]"},
      {"name": "descriptions", "type": "string[]"}
    ],
    "outputs": [{"name": "transactionIds", "type": "uint256[]"}]
  },
  {
    "name": "batchTransferWithZKP",
    "type": "function",
    "inputs": [
      {"name": "recipients", "type": "address[]"},
      {"name": "amounts", "type": "uint256[]"},
      {"name": "toBankCodes", "type": "string[]"},
      {"name": "descriptions", "type": "string[]"},
      {"name": "proofAmounts", "type": "uint256[]"},
      {"name": "commitmentHashes", "type": "bytes32[]"},
      {"name": "proofs", "type": "bytes[]"}
    ],
    "outputs": [{"name": "transactionIds", "type": "uint256[]"}]
  }
]`

var batchABI = mustParseABI(interbankABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid interbank ABI: %v", err))
	}
	return parsed
}

// packBatchCall encodes the calldata for a batch submission. Items are packed
// in input order so the contract's emitted transaction IDs line up with the
// caller's intents.
func packBatchCall(items []BatchItem, proofs []BatchProof) ([]byte, error) {
	recipients := make([]common.Address, len(items))
	amounts := make([]*big.Int, len(items))
	routingCodes := make([]string, len(items))
	memos := make([]string, len(items))
	for i, item := range items {
		recipients[i] = item.Recipient
		amounts[i] = item.AmountWei
		routingCodes[i] = item.RoutingCode
		memos[i] = item.Memo
	}

	if len(proofs) == 0 {
		return batchABI.Pack("batchTransfer", recipients, amounts, routingCodes, memos)
	}

	if len(proofs) != len(items) {
		return nil, fmt.Errorf("proof count %d does not match item count %d", len(proofs), len(items))
	}
	proofAmounts := make([]*big.Int, len(proofs))
	commitments := make([][32]byte, len(proofs))
	proofBytes := make([][]byte, len(proofs))
	for i, p := range proofs {
		proofAmounts[i] = p.AmountWei
		commitments[i] = p.CommitmentHash
		proofBytes[i] = p.ProofBytes
	}
	return batchABI.Pack("batchTransferWithZKP", recipients, amounts, routingCodes, memos, proofAmounts, commitments, proofBytes)
}
