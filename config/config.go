package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the swap lifecycle engine.
type Config struct {
	Port                string
	Environment         string
	DatabaseURL         string
	MockMode            bool
	ProverURL           string
	ProverTimeout       time.Duration
	ProverMaxAttempts   int
	ProverRateLimit     int
	ChainRPCURL         string
	ChainRPCUser        string
	ChainRPCPassword    string
	ChainName           string
	FeeRate             float64
	ConfirmPollInterval time.Duration
	SweepInterval       time.Duration
	OrderExpiryBlocks   int64
}

// FromEnv loads configuration from environment variables. MockMode defaults to
// true so the service runs against the deterministic prover and chain stubs
// unless explicitly pointed at real endpoints.
func FromEnv() (*Config, error) {
	port := getEnvDefault("SWAPD_PORT", "8080")
	environment := getEnvDefault("SWAPD_ENV", "dev")
	mockMode := parseBoolEnv("SWAPD_MOCK_MODE", true)

	dbURL := strings.TrimSpace(os.Getenv("SWAPD_DB_URL"))
	if dbURL == "" && !mockMode {
		return nil, fmt.Errorf("SWAPD_DB_URL is required when SWAPD_MOCK_MODE=false")
	}

	proverURL := getEnvDefault("SWAPD_PROVER_URL", "https://v8.charms.dev/spells/prove")
	proverTimeout := parseIntEnv("SWAPD_PROVER_TIMEOUT_SECONDS", 120)
	if proverTimeout <= 0 {
		return nil, fmt.Errorf("invalid SWAPD_PROVER_TIMEOUT_SECONDS %d", proverTimeout)
	}
	proverAttempts := parseIntEnv("SWAPD_PROVER_MAX_ATTEMPTS", 5)
	if proverAttempts <= 0 {
		proverAttempts = 1
	}
	proverRate := parseIntEnv("SWAPD_PROVER_RATE_LIMIT_PER_MINUTE", 60)
	if proverRate < 0 {
		proverRate = 0
	}

	chainURL := getEnvDefault("SWAPD_CHAIN_RPC_URL", "http://127.0.0.1:48332")
	chainName := getEnvDefault("SWAPD_CHAIN_NAME", "testnet4")

	feeRateRaw := getEnvDefault("SWAPD_FEE_RATE", "10.0")
	feeRate, err := strconv.ParseFloat(feeRateRaw, 64)
	if err != nil || feeRate <= 0 {
		return nil, fmt.Errorf("invalid SWAPD_FEE_RATE %q", feeRateRaw)
	}

	pollSeconds := parseIntEnv("SWAPD_CONFIRM_POLL_INTERVAL_SECONDS", 10)
	if pollSeconds <= 0 {
		return nil, fmt.Errorf("invalid SWAPD_CONFIRM_POLL_INTERVAL_SECONDS %d", pollSeconds)
	}
	sweepSeconds := parseIntEnv("SWAPD_SWEEP_INTERVAL_SECONDS", 60)
	if sweepSeconds <= 0 {
		return nil, fmt.Errorf("invalid SWAPD_SWEEP_INTERVAL_SECONDS %d", sweepSeconds)
	}

	expiryBlocks := parseIntEnv("SWAPD_ORDER_EXPIRY_BLOCKS", 144)
	if expiryBlocks <= 0 {
		return nil, fmt.Errorf("invalid SWAPD_ORDER_EXPIRY_BLOCKS %d", expiryBlocks)
	}

	return &Config{
		Port:                normalizePort(port),
		Environment:         environment,
		DatabaseURL:         dbURL,
		MockMode:            mockMode,
		ProverURL:           proverURL,
		ProverTimeout:       time.Duration(proverTimeout) * time.Second,
		ProverMaxAttempts:   proverAttempts,
		ProverRateLimit:     proverRate,
		ChainRPCURL:         chainURL,
		ChainRPCUser:        strings.TrimSpace(os.Getenv("SWAPD_CHAIN_RPC_USER")),
		ChainRPCPassword:    os.Getenv("SWAPD_CHAIN_RPC_PASSWORD"),
		ChainName:           chainName,
		FeeRate:             feeRate,
		ConfirmPollInterval: time.Duration(pollSeconds) * time.Second,
		SweepInterval:       time.Duration(sweepSeconds) * time.Second,
		OrderExpiryBlocks:   int64(expiryBlocks),
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
