// Package gatewayconfig loads the gateway's environment-variable
// configuration.
package gatewayconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/x402-rs/x402-gateway/pkg/types"
)

// LedgerBackend selects which pkg/ledger implementation the gateway
// runs against.
type LedgerBackend string

const (
	LedgerBackendEmbedded LedgerBackend = "embedded"
	LedgerBackendDynamo   LedgerBackend = "dynamo"
)

// Config is the gateway's runtime configuration.
type Config struct {
	Host                  string
	Port                  string
	NodeURL               string
	PricePerRequestMicros int64
	FacilitatorURL        string
	PaymentAddress        string
	AssetAddress          string
	Network               types.Network
	LedgerBackend         LedgerBackend
	LedgerPath            string // embedded backend
	LedgerTable           string // dynamo backend
}

// Load reads configuration from the environment, loading a .env file
// first if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:           getEnvOrDefault("HOST", "0.0.0.0"),
		Port:           getEnvOrDefault("PORT", "8080"),
		NodeURL:        os.Getenv("NODE_URL"),
		FacilitatorURL: os.Getenv("FACILITATOR_URL"),
		PaymentAddress: strings.ToLower(os.Getenv("PAYMENT_ADDRESS")),
		AssetAddress:   strings.ToLower(os.Getenv("ASSET_ADDRESS")),
		Network:        types.Network(getEnvOrDefault("NETWORK", string(types.NetworkBaseSepolia))),
		LedgerBackend:  LedgerBackend(getEnvOrDefault("LEDGER_BACKEND", string(LedgerBackendEmbedded))),
		LedgerPath:     getEnvOrDefault("LEDGER_PATH", "gateway-ledger.db"),
		LedgerTable:    os.Getenv("LEDGER_TABLE"),
	}

	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("gatewayconfig: NODE_URL is required")
	}
	if cfg.FacilitatorURL == "" {
		return nil, fmt.Errorf("gatewayconfig: FACILITATOR_URL is required")
	}
	if !isValidAddress(cfg.PaymentAddress) {
		return nil, fmt.Errorf("gatewayconfig: PAYMENT_ADDRESS must be 0x + 40 hex chars, got %q", cfg.PaymentAddress)
	}
	if cfg.AssetAddress == "" {
		return nil, fmt.Errorf("gatewayconfig: ASSET_ADDRESS is required")
	}

	priceStr := getEnvOrDefault("PRICE_PER_REQUEST", "0.001")
	priceMicros, err := parseDecimalMicros(priceStr)
	if err != nil {
		return nil, fmt.Errorf("gatewayconfig: invalid PRICE_PER_REQUEST %q: %w", priceStr, err)
	}
	cfg.PricePerRequestMicros = priceMicros

	switch cfg.LedgerBackend {
	case LedgerBackendEmbedded:
	case LedgerBackendDynamo:
		if cfg.LedgerTable == "" {
			return nil, fmt.Errorf("gatewayconfig: LEDGER_TABLE is required when LEDGER_BACKEND=dynamo")
		}
	default:
		return nil, fmt.Errorf("gatewayconfig: unknown LEDGER_BACKEND %q", cfg.LedgerBackend)
	}

	return cfg, nil
}

func isValidAddress(addr string) bool {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	for _, c := range addr[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// parseDecimalMicros converts a decimal string like "0.001" into an
// integer count of micro-units (×10^6), the unit the ledger and wire
// protocol both use.
func parseDecimalMicros(decimal string) (int64, error) {
	parts := strings.SplitN(decimal, ".", 2)
	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, err
	}
	micros := whole * 1_000_000
	if len(parts) == 1 {
		return micros, nil
	}
	frac := parts[1]
	if len(frac) > 6 {
		frac = frac[:6]
	}
	for len(frac) < 6 {
		frac += "0"
	}
	fracMicros, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	return micros + fracMicros, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
