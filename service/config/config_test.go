package config

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccountsJSON = `[{"bank_code":"BANKUSA1","address":"0x71C7656EC7ab88b098defB751B7401B5f6d8976F","private_key":"0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"}]`

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/interledger")
	t.Setenv("LEDGER_RPC_URL", "http://localhost:8545")
	t.Setenv("CONTRACT_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("ACCOUNTS_JSON", testAccountsJSON)
}

func TestLoad(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	// Defaults
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, int64(1337), cfg.ChainID)
	assert.Equal(t, uint64(1), cfg.Confirmations)
	assert.Equal(t, "localhost:7233", cfg.TemporalHost)
	assert.Equal(t, "interledger-reconcile", cfg.TemporalTaskQueue)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 2*time.Second, cfg.ReconcileDebounce)
	assert.Equal(t, time.Second, cfg.NonceRefreshInterval)

	// Optional sidecars default to disabled.
	assert.Empty(t, cfg.ProofServiceURL)
	assert.Empty(t, cfg.ComplianceURL)
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHAIN_ID", "2018")
	t.Setenv("RECONCILE_INTERVAL", "1m")
	t.Setenv("RECONCILE_DEBOUNCE", "5s")
	t.Setenv("PROOF_SERVICE_URL", "http://localhost:9100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(2018), cfg.ChainID)
	assert.Equal(t, big.NewInt(2018), cfg.ChainIDBig())
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 5*time.Second, cfg.ReconcileDebounce)
	assert.Equal(t, "http://localhost:9100", cfg.ProofServiceURL)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_RPC_URL", "")
	t.Setenv("CONTRACT_ADDRESS", "")
	t.Setenv("ACCOUNTS_JSON", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
	assert.Contains(t, err.Error(), "LEDGER_RPC_URL is required")
	assert.Contains(t, err.Error(), "CONTRACT_ADDRESS is required")
	assert.Contains(t, err.Error(), "ACCOUNTS_JSON is required")
}

func TestLoad_InvalidContractAddress(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CONTRACT_ADDRESS", "not-an-address")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid address")
}

func TestLoad_DebounceLargerThanInterval(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RECONCILE_INTERVAL", "5s")
	t.Setenv("RECONCILE_DEBOUNCE", "10s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECONCILE_DEBOUNCE")
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		DatabaseURL:       "postgres://localhost:5432/interledger",
		LedgerRPCURL:      "http://localhost:8545",
		ChainID:           1337,
		ContractAddress:   "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		AccountsJSON:      testAccountsJSON,
		TemporalHost:      "localhost:7233",
		TemporalNamespace: "default",
		TemporalTaskQueue: "interledger-reconcile",
		ReconcileInterval: 30 * time.Second,
		ReconcileDebounce: 2 * time.Second,
	}
	require.NoError(t, cfg.Validate())

	cfg.ChainID = 0
	require.Error(t, cfg.Validate())
}
