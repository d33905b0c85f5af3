package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Ledger configuration
	LedgerRPCURL    string
	ChainID         int64
	ContractAddress string
	AccountsJSON    string // JSON array of locally-known signing accounts
	Confirmations   uint64

	// Proof sidecar configuration (optional; empty disables proofs)
	ProofServiceURL string

	// Permissioning service configuration (optional; empty disables checks)
	ComplianceURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Reconciliation configuration
	ReconcileInterval time.Duration
	ReconcileDebounce time.Duration

	// Nonce coordination configuration
	NonceRefreshInterval time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Ledger configuration
	cfg.LedgerRPCURL = os.Getenv("LEDGER_RPC_URL")
	if cfg.LedgerRPCURL == "" {
		errs = append(errs, fmt.Errorf("LEDGER_RPC_URL is required"))
	}

	chainID, err := parseInt("CHAIN_ID", 1337)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ChainID = int64(chainID)
	}

	cfg.ContractAddress = os.Getenv("CONTRACT_ADDRESS")
	if cfg.ContractAddress == "" {
		errs = append(errs, fmt.Errorf("CONTRACT_ADDRESS is required"))
	} else if !common.IsHexAddress(cfg.ContractAddress) {
		errs = append(errs, fmt.Errorf("CONTRACT_ADDRESS %q is not a valid address", cfg.ContractAddress))
	}

	cfg.AccountsJSON = os.Getenv("ACCOUNTS_JSON")
	if cfg.AccountsJSON == "" {
		errs = append(errs, fmt.Errorf("ACCOUNTS_JSON is required"))
	}

	confirmations, err := parseInt("LEDGER_CONFIRMATIONS", 1)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.Confirmations = uint64(confirmations)
	}

	// Optional sidecars
	cfg.ProofServiceURL = os.Getenv("PROOF_SERVICE_URL")
	cfg.ComplianceURL = os.Getenv("COMPLIANCE_URL")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "interledger-reconcile")

	// Reconciliation configuration
	interval, err := parseDuration("RECONCILE_INTERVAL", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReconcileInterval = interval
	}

	debounce, err := parseDuration("RECONCILE_DEBOUNCE", "2s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReconcileDebounce = debounce
	}

	refresh, err := parseDuration("NONCE_REFRESH_INTERVAL", "1s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.NonceRefreshInterval = refresh
	}

	// Validate intervals
	if cfg.ReconcileDebounce > cfg.ReconcileInterval {
		errs = append(errs, fmt.Errorf("RECONCILE_DEBOUNCE (%v) cannot be greater than RECONCILE_INTERVAL (%v)",
			cfg.ReconcileDebounce, cfg.ReconcileInterval))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.LedgerRPCURL == "" {
		errs = append(errs, fmt.Errorf("LedgerRPCURL is required"))
	}

	if c.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("ChainID must be positive"))
	}

	if !common.IsHexAddress(c.ContractAddress) {
		errs = append(errs, fmt.Errorf("ContractAddress is not a valid address"))
	}

	if c.AccountsJSON == "" {
		errs = append(errs, fmt.Errorf("AccountsJSON is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.ReconcileInterval < time.Second {
		errs = append(errs, fmt.Errorf("ReconcileInterval must be at least 1 second"))
	}

	if c.ReconcileDebounce > c.ReconcileInterval {
		errs = append(errs, fmt.Errorf("ReconcileDebounce cannot be greater than ReconcileInterval"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// ChainIDBig returns the chain ID as a *big.Int for the ledger client.
func (c *Config) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// Contract returns the parsed interbank contract address.
func (c *Config) Contract() common.Address {
	return common.HexToAddress(c.ContractAddress)
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
