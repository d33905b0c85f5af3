package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRPCError implements rpc.Error with a scripted code.
type fakeRPCError struct {
	code int
	msg  string
}

func (e fakeRPCError) Error() string  { return e.msg }
func (e fakeRPCError) ErrorCode() int { return e.code }

var _ rpc.Error = fakeRPCError{}

func TestClassify_Nil(t *testing.T) {
	assert.NoError(t, Classify(nil))
}

func TestClassify_RPCCodes(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		sentinel error
	}{
		{"nonce too low", -32001, ErrSequenceConflict},
		{"nonce too high", -32002, ErrSequenceConflict},
		{"known transaction", -32006, ErrSequenceConflict},
		{"replacement underpriced", -32008, ErrSequenceConflict},
		{"upfront cost", -32004, ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(fakeRPCError{code: tt.code, msg: "rejected"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			// The node's message survives wrapping.
			assert.Contains(t, err.Error(), "rejected")
		})
	}
}

func TestClassify_MessageFragments(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		sentinel error
	}{
		{"nonce too low text", "Nonce too low", ErrSequenceConflict},
		{"already known", "transaction already known", ErrSequenceConflict},
		{"replacement underpriced", "replacement transaction underpriced", ErrSequenceConflict},
		{"upfront cost text", "transaction upfront cost exceeds balance", ErrInsufficientBalance},
		{"insufficient funds", "insufficient funds for gas * price + value", ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(errors.New(tt.msg))
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestClassify_NetworkErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"deadline exceeded", context.DeadlineExceeded},
		{"wrapped deadline", fmt.Errorf("rpc call: %w", context.DeadlineExceeded)},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("timeout")}},
		{"url error", &url.Error{Op: "Post", URL: "http://localhost:8545", Err: errors.New("refused")}},
		{"connection refused text", errors.New("dial tcp 127.0.0.1:8545: connection refused")},
		{"no such host", errors.New("dial tcp: lookup besu.internal: no such host")},
		{"http 503", rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}},
		{"http 429", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			assert.ErrorIs(t, err, ErrNetworkUnavailable)
		})
	}
}

func TestClassify_HTTPRejectionIsNotNetworkError(t *testing.T) {
	// A 400 means the node evaluated the request and rejected it.
	err := Classify(rpc.HTTPError{StatusCode: 400, Status: "400 Bad Request"})
	assert.NotErrorIs(t, err, ErrNetworkUnavailable)
}

func TestClassify_UnrecognizedErrorPassesThrough(t *testing.T) {
	original := errors.New("intrinsic gas too low")
	err := Classify(original)
	assert.Equal(t, original, err)
	assert.NotErrorIs(t, err, ErrSequenceConflict)
	assert.NotErrorIs(t, err, ErrInsufficientBalance)
	assert.NotErrorIs(t, err, ErrNetworkUnavailable)
}

func TestMinorWeiConversion(t *testing.T) {
	wei := MinorToWei(2500)
	assert.Equal(t, "2500000000000", wei.String())
	assert.Equal(t, int64(2500), WeiToMinor(wei))

	// Sub-unit remainders truncate.
	wei.Add(wei, big.NewInt(1))
	assert.Equal(t, int64(2500), WeiToMinor(wei))

	assert.Equal(t, int64(0), WeiToMinor(nil))
}
