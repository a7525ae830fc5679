// Package config loads exchange configuration from environment variables and
// an optional .env file, following the teacher's params.LoadFromEnv pattern
// (params/config.go), generalized to the keys spec §6 enumerates.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds every tunable named in spec §6.
type Config struct {
	ChainID          int64
	ExchangeAddress  common.Address
	VaultAddress     common.Address
	RPCURL           string // absence disables indexer/settlement/reconciliation

	SettlementBatchInterval time.Duration
	ReconciliationInterval  time.Duration
	IndexerPollInterval     time.Duration
	Confirmations           uint64
	DiscrepancyWarn         float64
	CriticalMultiplier      float64

	DataDir string
	LogFile string
}

// Default returns the spec §6 defaults.
func Default() Config {
	return Config{
		ChainID:                 1337,
		SettlementBatchInterval: 60 * time.Second,
		ReconciliationInterval:  300 * time.Second,
		IndexerPollInterval:     2 * time.Second,
		Confirmations:           20,
		DiscrepancyWarn:         0.0001,
		CriticalMultiplier:      10,
		DataDir:                 "data",
		LogFile:                 "data/exchange.log",
	}
}

// LoadFromEnv loads configuration from an optional .env file (if envPath is
// "" it tries ".env" in the current directory, same as the teacher) and then
// environment variables, env taking priority.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ChainID = n
		}
	}
	if v := os.Getenv("EXCHANGE_ADDRESS"); v != "" {
		cfg.ExchangeAddress = common.HexToAddress(v)
	}
	if v := os.Getenv("VAULT_ADDRESS"); v != "" {
		cfg.VaultAddress = common.HexToAddress(v)
	}
	cfg.RPCURL = os.Getenv("RPC_URL")

	cfg.SettlementBatchInterval = durationMsEnv("SETTLEMENT_BATCH_INTERVAL_MS", cfg.SettlementBatchInterval)
	cfg.ReconciliationInterval = durationMsEnv("RECONCILIATION_INTERVAL_MS", cfg.ReconciliationInterval)
	cfg.IndexerPollInterval = durationMsEnv("INDEXER_POLL_MS", cfg.IndexerPollInterval)

	if v := os.Getenv("CONFIRMATIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Confirmations = n
		}
	}
	if v := os.Getenv("DISCREPANCY_WARN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DiscrepancyWarn = f
		}
	}
	if v := os.Getenv("CRITICAL_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CriticalMultiplier = f
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}

	return cfg
}

func durationMsEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// CriticalThreshold returns the discrepancy-percent threshold above which
// reconciliation pauses the system (spec §4.8).
func (c Config) CriticalThreshold() float64 {
	return c.DiscrepancyWarn * c.CriticalMultiplier
}

// RPCEnabled reports whether on-chain components (indexer, settlement,
// reconciliation) should run at all (spec §6: "absence disables ...").
func (c Config) RPCEnabled() bool {
	return c.RPCURL != ""
}
