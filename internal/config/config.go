package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the service
type Config struct {
	Server       ServerConfig
	Swap         SwapConfig
	Chains       map[string]ChainConfig
	Solana       SolanaConfig
	Vaults       map[string]VaultConfig
	Wallet       WalletConfig
	Orchestrator OrchestratorConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// SwapConfig holds swap aggregator API configuration
type SwapConfig struct {
	APIToken           string // JWT for the aggregator API
	BaseURL            string // empty selects the aggregator's default endpoint
	ReferralID         string
	SlippageBps        int32
	RelayerFeeEstimate string // flat relay fee estimate in target asset terms, e.g. "0.1"
	QuoteDeadline      time.Duration
}

// ChainConfig holds configuration for an EVM chain
type ChainConfig struct {
	ChainID     string
	Name        string
	RPCEndpoint string
}

// SolanaConfig holds Solana wallet/RPC configuration
type SolanaConfig struct {
	RPCEndpoint string
	PrivateKey  string // base58
	Commitment  string
}

// VaultConfig describes one depositable vault and its accepted asset
type VaultConfig struct {
	ID            string
	ChainID       string
	Address       string
	AssetSymbol   string
	AssetContract string
	AssetDecimals int32
}

// WalletConfig holds the EVM wallet used to sign transactions
type WalletConfig struct {
	EVMPrivateKey string
}

// OrchestratorConfig holds sequencing tunables
type OrchestratorConfig struct {
	QuoteDebounce       time.Duration
	QuotePollInterval   time.Duration
	TrackerPollInterval time.Duration
	SettlementBuffer    time.Duration
	ApprovalTimeout     time.Duration
	DepositTimeout      time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Swap: SwapConfig{
			APIToken:           getEnv("SWAP_API_TOKEN", ""),
			BaseURL:            getEnv("SWAP_BASE_URL", ""),
			ReferralID:         getEnv("SWAP_REFERRAL_ID", ""),
			SlippageBps:        int32(getEnvInt("SWAP_SLIPPAGE_BPS", 100)),
			RelayerFeeEstimate: getEnv("SWAP_RELAYER_FEE_ESTIMATE", "0.1"),
			QuoteDeadline:      getEnvDuration("SWAP_QUOTE_DEADLINE_MS", 24*time.Hour),
		},
		Solana: SolanaConfig{
			RPCEndpoint: getEnv("SOLANA_RPC_ENDPOINT", ""),
			PrivateKey:  getEnv("SOLANA_PRIVATE_KEY", ""),
			Commitment:  getEnv("SOLANA_COMMITMENT", "confirmed"),
		},
		Wallet: WalletConfig{
			EVMPrivateKey: getEnv("WALLET_EVM_PRIVATE_KEY", ""),
		},
		Orchestrator: OrchestratorConfig{
			QuoteDebounce:       getEnvDuration("QUOTE_DEBOUNCE_MS", 300*time.Millisecond),
			QuotePollInterval:   getEnvDuration("QUOTE_POLL_INTERVAL_MS", 30*time.Second),
			TrackerPollInterval: getEnvDuration("TRACKER_POLL_INTERVAL_MS", 10*time.Second),
			SettlementBuffer:    getEnvDuration("SETTLEMENT_BUFFER_MS", time.Second),
			ApprovalTimeout:     getEnvDuration("APPROVAL_TIMEOUT_MS", 2*time.Minute),
			DepositTimeout:      getEnvDuration("DEPOSIT_TIMEOUT_MS", 2*time.Minute),
		},
		Chains: make(map[string]ChainConfig),
		Vaults: make(map[string]VaultConfig),
	}

	loadChainConfigs(cfg)

	if err := loadVaultConfigs(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadChainConfigs loads configuration for all supported EVM chains
func loadChainConfigs(cfg *Config) {
	// Ethereum
	if rpc := getEnv("ETH_RPC_ENDPOINT", ""); rpc != "" {
		cfg.Chains["1"] = ChainConfig{
			ChainID:     "1",
			Name:        "Ethereum",
			RPCEndpoint: rpc,
		}
	}

	// Base
	if rpc := getEnv("BASE_RPC_ENDPOINT", ""); rpc != "" {
		cfg.Chains["8453"] = ChainConfig{
			ChainID:     "8453",
			Name:        "Base",
			RPCEndpoint: rpc,
		}
	}

	// Arbitrum
	if rpc := getEnv("ARB_RPC_ENDPOINT", ""); rpc != "" {
		cfg.Chains["42161"] = ChainConfig{
			ChainID:     "42161",
			Name:        "Arbitrum",
			RPCEndpoint: rpc,
		}
	}
}

// loadVaultConfigs loads the vault registry from VAULTS, a comma-separated
// list of vault ids; each id selects a block of <ID>_VAULT_* variables.
func loadVaultConfigs(cfg *Config) error {
	ids := splitAndTrim(getEnv("VAULTS", ""), ",")
	for _, id := range ids {
		prefix := strings.ToUpper(id) + "_VAULT_"

		address := getEnv(prefix+"ADDRESS", "")
		if address == "" {
			return fmt.Errorf("%sADDRESS is required for vault %q", prefix, id)
		}

		cfg.Vaults[id] = VaultConfig{
			ID:            id,
			ChainID:       getEnv(prefix+"CHAIN_ID", "1"),
			Address:       address,
			AssetSymbol:   getEnv(prefix+"ASSET_SYMBOL", "USDC"),
			AssetContract: getEnv(prefix+"ASSET_CONTRACT", ""),
			AssetDecimals: int32(getEnvInt(prefix+"ASSET_DECIMALS", 6)),
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Wallet.EVMPrivateKey == "" {
		return fmt.Errorf("EVM wallet private key is required")
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}

	if len(c.Vaults) == 0 {
		return fmt.Errorf("at least one vault must be configured")
	}

	for id, v := range c.Vaults {
		if _, ok := c.Chains[v.ChainID]; !ok {
			return fmt.Errorf("vault %q references unconfigured chain %s", id, v.ChainID)
		}
		if v.AssetContract == "" {
			return fmt.Errorf("vault %q has no asset contract", id)
		}
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// splitAndTrim splits a comma-separated string and trims whitespace
func splitAndTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
