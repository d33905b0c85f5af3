package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/nt219/interledger/service/metrics"
)

// EVMClient is the subset of the Ethereum RPC operations the engine needs.
// This allows the RPC layer to be mocked in tests without a real Besu node.
type EVMClient interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client provides the ledger operations the engine consumes: sequence number
// queries, balance queries, signed submission, and outcome waiting. It wraps
// the RPC client with domain-specific operations and error classification.
type Client struct {
	evm          EVMClient
	chainID      *big.Int
	contract     common.Address
	signer       types.Signer
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	endpoint     string // endpoint identifier for metrics labeling
}

// Dial connects to the ledger node at rpcURL and returns a Client.
func Dial(ctx context.Context, rpcURL string, chainID *big.Int, contract common.Address, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger node: %w", err)
	}
	return NewClient(ec, chainID, contract, rpcURL, m, logger), nil
}

// NewClient creates a ledger client over an existing RPC client. The endpoint
// parameter is used for metrics labeling. If m is nil, no metrics are
// recorded.
func NewClient(evm EVMClient, chainID *big.Int, contract common.Address, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		evm:          evm,
		chainID:      chainID,
		contract:     contract,
		signer:       types.LatestSignerForChainID(chainID),
		pollInterval: 500 * time.Millisecond,
		logger:       logger,
		metrics:      m,
		endpoint:     endpoint,
	}
}

// Close releases the underlying RPC connection when one exists.
func (c *Client) Close() {
	if closer, ok := c.evm.(interface{ Close() }); ok {
		closer.Close()
	}
}

// SequenceNumber returns the account's current confirmed sequence number.
// It queries the latest block, not the pending pool: in-flight allocations
// are tracked by the nonce coordinator, not the node.
func (c *Client) SequenceNumber(ctx context.Context, account common.Address) (uint64, error) {
	start := time.Now()
	nonce, err := c.evm.NonceAt(ctx, account, nil)
	c.record("NonceAt", start, err)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get sequence number",
			"account", account.Hex(),
			"error", err,
		)
		return 0, Classify(err)
	}
	return nonce, nil
}

// Balance returns the account's ledger-visible balance in wei.
func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	start := time.Now()
	bal, err := c.evm.BalanceAt(ctx, account, nil)
	c.record("BalanceAt", start, err)
	if err != nil {
		return nil, Classify(err)
	}
	return bal, nil
}

// SubmitTransfer signs and submits a single value transfer with the given
// sequence number. It returns a handle for WaitForOutcome; the submission is
// not confirmed until the outcome is observed.
func (c *Client) SubmitTransfer(ctx context.Context, params TransferParams) (Handle, error) {
	if params.Key == nil {
		return Handle{}, errors.New("signing key is required")
	}
	sender := crypto.PubkeyToAddress(params.Key.PublicKey)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    params.Nonce,
		To:       &params.To,
		Value:    params.AmountWei,
		Gas:      submissionGasLimit,
		GasPrice: big.NewInt(0),
	})

	signed, err := types.SignTx(tx, c.signer, params.Key)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to sign transfer: %w", err)
	}

	start := time.Now()
	err = c.evm.SendTransaction(ctx, signed)
	c.record("SendTransaction", start, err)
	if err != nil {
		c.logger.ErrorContext(ctx, "transfer submission rejected",
			"sender", sender.Hex(),
			"nonce", params.Nonce,
			"error", err,
		)
		return Handle{}, Classify(err)
	}

	c.logger.DebugContext(ctx, "transfer submitted",
		"sender", sender.Hex(),
		"to", params.To.Hex(),
		"nonce", params.Nonce,
		"tx_hash", signed.Hash().Hex(),
	)

	return Handle{TxHash: signed.Hash(), Sender: sender, Nonce: params.Nonce}, nil
}

// SubmitBatch signs and submits a batch transfer call against the interbank
// contract. All items share the one sequence number; the whole batch succeeds
// or reverts atomically.
func (c *Client) SubmitBatch(ctx context.Context, params BatchParams) (Handle, error) {
	if params.Key == nil {
		return Handle{}, errors.New("signing key is required")
	}
	sender := crypto.PubkeyToAddress(params.Key.PublicKey)

	data, err := packBatchCall(params.Items, params.Proofs)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to pack batch call: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    params.Nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      submissionGasLimit,
		GasPrice: big.NewInt(0),
		Data:     data,
	})

	signed, err := types.SignTx(tx, c.signer, params.Key)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to sign batch: %w", err)
	}

	start := time.Now()
	err = c.evm.SendTransaction(ctx, signed)
	c.record("SendTransaction", start, err)
	if err != nil {
		c.logger.ErrorContext(ctx, "batch submission rejected",
			"sender", sender.Hex(),
			"nonce", params.Nonce,
			"items", len(params.Items),
			"error", err,
		)
		return Handle{}, Classify(err)
	}

	c.logger.InfoContext(ctx, "batch submitted",
		"sender", sender.Hex(),
		"nonce", params.Nonce,
		"items", len(params.Items),
		"with_proofs", len(params.Proofs) > 0,
		"tx_hash", signed.Hash().Hex(),
	)

	return Handle{TxHash: signed.Hash(), Sender: sender, Nonce: params.Nonce}, nil
}

// WaitForOutcome polls for the submission's receipt until the ledger reports
// a terminal outcome or ctx expires. A context expiry is classified as
// ErrNetworkUnavailable so callers leave the record in a non-terminal state:
// the submission may still land, and a later reconciliation pass resolves it
// from the ledger's authoritative state rather than guessing.
func (c *Client) WaitForOutcome(ctx context.Context, handle Handle, confirmations uint64) (*Outcome, error) {
	if confirmations == 0 {
		confirmations = 1
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.evm.TransactionReceipt(ctx, handle.TxHash)
		switch {
		case err == nil:
			if confirmations > 1 {
				if err := c.awaitDepth(ctx, receipt.BlockNumber.Uint64(), confirmations); err != nil {
					return nil, err
				}
			}
			outcome := &Outcome{
				LedgerRef:   handle.TxHash.Hex(),
				BlockMarker: receipt.BlockNumber.Int64(),
			}
			if receipt.Status == types.ReceiptStatusSuccessful {
				outcome.Status = OutcomeSuccess
			} else {
				outcome.Status = OutcomeReverted
			}
			c.logger.DebugContext(ctx, "submission outcome observed",
				"tx_hash", handle.TxHash.Hex(),
				"status", outcome.Status,
				"block", outcome.BlockMarker,
			)
			return outcome, nil
		case errors.Is(err, ethereum.NotFound):
			// Not yet mined; keep polling.
		default:
			if classified := Classify(err); errors.Is(classified, ErrNetworkUnavailable) {
				return nil, classified
			}
			return nil, fmt.Errorf("failed to fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: outcome wait aborted: %v", ErrNetworkUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
}

// awaitDepth blocks until the chain head is at least confirmations-1 blocks
// past includedAt.
func (c *Client) awaitDepth(ctx context.Context, includedAt uint64, confirmations uint64) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	target := includedAt + confirmations - 1
	for {
		head, err := c.evm.BlockNumber(ctx)
		if err != nil {
			return Classify(err)
		}
		if head >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: confirmation wait aborted: %v", ErrNetworkUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) record(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordLedgerCall(method, status, c.endpoint, time.Since(start).Seconds())
}
