// Package proof talks to the balance-proof sidecar that produces
// zero-knowledge attestations for batch settlement amounts.
package proof

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nt219/interledger/service/metrics"
)

// MaxBatchSize is the largest number of proofs the sidecar accepts per call.
const MaxBatchSize = 100

// Commitment hides the sender's balance behind a random secret nonce. The
// sidecar opens the commitment with the nonce to check that the balance
// covers the transfer, and publishes only a hash of it.
type Commitment struct {
	Balance uint64 // sender balance in minor currency units
	Secret  [32]byte
}

// NewCommitment draws a random secret nonce binding the given balance.
func NewCommitment(balance uint64) (Commitment, error) {
	c := Commitment{Balance: balance}
	if _, err := rand.Read(c.Secret[:]); err != nil {
		return Commitment{}, fmt.Errorf("failed to draw commitment secret: %w", err)
	}
	return c, nil
}

// Hex renders the commitment string the sidecar expects: the balance as 16
// hex digits followed by the secret nonce.
func (c Commitment) Hex() string {
	return fmt.Sprintf("%016x", c.Balance) + c.SecretHex()
}

// SecretHex renders the secret nonce as bare hex.
func (c Commitment) SecretHex() string {
	return hex.EncodeToString(c.Secret[:])
}

// Request describes one proof to generate. Amount is the transfer amount in
// minor units, which is what the sidecar attests against the committed
// balance; AmountWei is carried through untouched for the contract call.
type Request struct {
	UserAddress common.Address
	Amount      uint64
	AmountWei   *big.Int
	Commitment  Commitment
}

// Proof is a generated balance attestation ready for ledger submission.
type Proof struct {
	AmountWei      *big.Int
	CommitmentHash common.Hash
	ProofBytes     []byte
}

// Client is an HTTP client for the proof sidecar.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a proof sidecar client. A nil *Metrics disables recording.
func NewClient(baseURL string, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		metrics: m,
	}
}

type proofRequestBody struct {
	UserAddress string `json:"user_address"`
	Amount      uint64 `json:"amount"`
	Commitment  string `json:"balance_commitment"`
	Secret      string `json:"secret_nonce"`
}

type proofPublicInputs struct {
	Amount         uint64 `json:"amount"`
	CommitmentHash string `json:"commitment_hash"`
	UserAddress    string `json:"user_address"`
}

// proofBody mirrors the sidecar's BalanceProof. proof_bytes arrives as a
// JSON array of numbers, which encoding/json will not place into []byte.
type proofBody struct {
	ProofBytes     []int             `json:"proof_bytes"`
	PublicInputs   proofPublicInputs `json:"public_inputs"`
	CommitmentHash string            `json:"commitment_hash"`
}

type batchRequestBody struct {
	Requests []proofRequestBody `json:"requests"`
}

type batchResponseBody struct {
	Success bool         `json:"success"`
	Proofs  []*proofBody `json:"proofs"`
	Errors  []*string    `json:"errors"`
	Message string       `json:"message"`
}

type singleResponseBody struct {
	Success bool       `json:"success"`
	Proof   *proofBody `json:"proof"`
	Message string     `json:"message"`
}

// Healthy reports whether the sidecar responds on its health endpoint.
// Callers use this to decide between proof-carrying and plain settlement.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.DebugContext(ctx, "proof sidecar health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Generate produces a single balance proof.
func (c *Client) Generate(ctx context.Context, request Request) (*Proof, error) {
	var decoded singleResponseBody
	if err := c.post(ctx, "/balance/proof", "single", encodeRequest(request), &decoded); err != nil {
		return nil, err
	}
	if !decoded.Success || decoded.Proof == nil {
		return nil, fmt.Errorf("proof sidecar rejected request: %s", decoded.Message)
	}
	return decodeProof(decoded.Proof, request.AmountWei)
}

// GenerateBatch produces proofs for up to MaxBatchSize settlement amounts in
// one round trip. The returned slice preserves request order.
func (c *Client) GenerateBatch(ctx context.Context, requests []Request) ([]*Proof, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	if len(requests) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d proofs exceeds limit of %d", len(requests), MaxBatchSize)
	}

	body := batchRequestBody{Requests: make([]proofRequestBody, len(requests))}
	for i, r := range requests {
		body.Requests[i] = encodeRequest(r)
	}

	var decoded batchResponseBody
	if err := c.post(ctx, "/balance/proofs/batch", "batch", body, &decoded); err != nil {
		return nil, err
	}
	if !decoded.Success {
		return nil, fmt.Errorf("proof sidecar rejected batch: %s", decoded.Message)
	}
	if len(decoded.Proofs) != len(requests) {
		return nil, fmt.Errorf("proof sidecar returned %d proofs for %d requests", len(decoded.Proofs), len(requests))
	}

	proofs := make([]*Proof, len(decoded.Proofs))
	for i, p := range decoded.Proofs {
		if p == nil {
			reason := "no reason reported"
			if i < len(decoded.Errors) && decoded.Errors[i] != nil {
				reason = *decoded.Errors[i]
			}
			return nil, fmt.Errorf("proof %d failed: %s", i, reason)
		}
		proof, err := decodeProof(p, requests[i].AmountWei)
		if err != nil {
			return nil, fmt.Errorf("failed to decode proof %d: %w", i, err)
		}
		proofs[i] = proof
	}
	return proofs, nil
}

func (c *Client) post(ctx context.Context, path, kind string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal proof request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create proof request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(kind, "error", start)
		return fmt.Errorf("proof sidecar request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.record(kind, fmt.Sprintf("http_%d", resp.StatusCode), start)
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("proof sidecar returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.record(kind, "decode_error", start)
		return fmt.Errorf("failed to decode proof response: %w", err)
	}
	c.record(kind, "ok", start)
	return nil
}

func (c *Client) record(kind, status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordProofRequest(kind, status, time.Since(start).Seconds())
	}
}

func encodeRequest(r Request) proofRequestBody {
	return proofRequestBody{
		UserAddress: r.UserAddress.Hex(),
		Amount:      r.Amount,
		Commitment:  r.Commitment.Hex(),
		Secret:      r.Commitment.SecretHex(),
	}
}

func decodeProof(p *proofBody, amountWei *big.Int) (*Proof, error) {
	proofBytes := make([]byte, len(p.ProofBytes))
	for i, b := range p.ProofBytes {
		if b < 0 || b > 255 {
			return nil, fmt.Errorf("proof byte %d out of range: %d", i, b)
		}
		proofBytes[i] = byte(b)
	}
	if p.CommitmentHash == "" {
		return nil, fmt.Errorf("proof is missing its commitment hash")
	}
	return &Proof{
		AmountWei:      amountWei,
		CommitmentHash: common.HexToHash(p.CommitmentHash),
		ProofBytes:     proofBytes,
	}, nil
}
