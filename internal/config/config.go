// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir             string         // Base directory for the snapshot database (always absolute)
	Port                int            // HTTP listen port
	LogLevel            string         // trace, debug, info, warn, error
	DevMode             bool           // Pretty logging, relaxed CORS
	OpportunitiesAPIURL string         // Upstream lend/loop opportunities REST endpoint
	RPCEndpoints        map[int]string // chain id -> upstream JSON-RPC HTTP URL
	WSEndpoints         map[int]string // chain id -> upstream JSON-RPC websocket URL (optional)
	ProxyRateLimit      float64        // requests per second per client IP on /api/rpc-proxy
	ProxyRateBurst      int            // burst size for the proxy rate limiter
}

// Load reads configuration from environment variables.
// A .env file is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("LOOPLEND_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		Port:                getEnvAsInt("PORT", 8080),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		OpportunitiesAPIURL: getEnv("OPPORTUNITIES_API_URL", ""),
		RPCEndpoints:        parseEndpoints("RPC_URL_"),
		WSEndpoints:         parseEndpoints("RPC_WS_URL_"),
		ProxyRateLimit:      getEnvAsFloat("PROXY_RATE_LIMIT", 20),
		ProxyRateBurst:      getEnvAsInt("PROXY_RATE_BURST", 40),
	}

	return cfg, nil
}

// parseEndpoints collects all environment variables with the given prefix,
// interpreting the suffix as a numeric chain id.
// Example: RPC_URL_1=https://eth.example.com maps chain 1 to that URL.
func parseEndpoints(prefix string) map[int]string {
	endpoints := make(map[int]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		chainID, err := strconv.Atoi(strings.TrimPrefix(parts[0], prefix))
		if err != nil || parts[1] == "" {
			continue
		}
		endpoints[chainID] = parts[1]
	}
	return endpoints
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
