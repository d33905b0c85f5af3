package compliance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/check", r.URL.Path)

		var req checkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		decision := Decision{Allowed: true}
		if req.Amount > 1_000_000 {
			decision = Decision{Allowed: false, Reason: "amount exceeds daily limit"}
		}
		json.NewEncoder(w).Encode(decision)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)

	allowed, err := client.Check(context.Background(), "0xabc", "BANKEUR1", 5000)
	require.NoError(t, err)
	assert.True(t, allowed.Allowed)

	denied, err := client.Check(context.Background(), "0xabc", "BANKEUR1", 2_000_000)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, "amount exceeds daily limit", denied.Reason)
}

func TestCheck_NilClientAllowsEverything(t *testing.T) {
	var client *Client
	decision, err := client.Check(context.Background(), "0xabc", "BANKEUR1", 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestNewClient_EmptyURLDisables(t *testing.T) {
	assert.Nil(t, NewClient("", nil))
}

func TestCheck_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := client.Check(context.Background(), "0xabc", "BANKEUR1", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
