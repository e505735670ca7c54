// Package config provides configuration management for the vault PnL tools.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. It is loaded once by a
// command and passed down explicitly.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Networks NetworksConfig
	Fetch    FetchConfig
	Vault    VaultConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port              string
	Host              string
	RequestsPerMinute int
	RequestTimeout    time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// DSN returns the connection string for the configured database
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// NetworksConfig holds the RPC endpoints of every configured network
type NetworksConfig struct {
	Default  string
	Networks map[string]NetworkConfig
}

// NetworkConfig holds configuration for a specific network
type NetworkConfig struct {
	RPCURL      string
	CUPerSecond int
}

// Lookup returns the configuration of a network, or false if no RPC URL is set
func (n NetworksConfig) Lookup(network string) (NetworkConfig, bool) {
	nc, ok := n.Networks[strings.ToLower(strings.TrimSpace(network))]
	if !ok || nc.RPCURL == "" {
		return NetworkConfig{}, false
	}
	return nc, true
}

// FetchConfig controls how event history and prices are pulled from RPC
type FetchConfig struct {
	ChunkSize      uint64 // blocks per eth_getLogs request
	MinChunkSize   uint64 // smallest chunk after splitting on provider limits
	Concurrency    int    // parallel price lookups
	MaxAttempts    int
	InitialBackoff time.Duration
	CallTimeout    time.Duration
}

// VaultConfig lists addresses with special meaning for event classification
type VaultConfig struct {
	BridgeAddress       string
	MigratorAddresses   []string
	PreDepositAddresses []string
	// DeploymentBlock skips deployment-block discovery when non-zero
	DeploymentBlock uint64
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// KnownNetworks are read from <NETWORK>_RPC_URL when NETWORKS is unset
var KnownNetworks = []string{"ethereum", "arbitrum", "optimism", "base", "sepolia"}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:              getEnv("SERVER_PORT", "8080"),
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerMinute: getEnvAsInt("SERVER_REQUESTS_PER_MINUTE", 30),
			RequestTimeout:    getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 5*time.Minute),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "vault_pnl"),
				User:           getEnv("POSTGRES_USER", "vault"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
		},
		Fetch: FetchConfig{
			ChunkSize:      getEnvAsUint64("FETCH_CHUNK_SIZE", 10000),
			MinChunkSize:   getEnvAsUint64("FETCH_MIN_CHUNK_SIZE", 100),
			Concurrency:    getEnvAsInt("FETCH_CONCURRENCY", 8),
			MaxAttempts:    getEnvAsInt("FETCH_MAX_ATTEMPTS", 4),
			InitialBackoff: getEnvAsDuration("FETCH_INITIAL_BACKOFF", 500*time.Millisecond),
			CallTimeout:    getEnvAsDuration("FETCH_CALL_TIMEOUT", 30*time.Second),
		},
		Vault: VaultConfig{
			BridgeAddress:       getEnv("VAULT_BRIDGE_ADDRESS", ""),
			MigratorAddresses:   getEnvAsList("VAULT_MIGRATOR_ADDRESSES"),
			PreDepositAddresses: getEnvAsList("VAULT_PREDEPOSIT_ADDRESSES"),
			DeploymentBlock:     getEnvAsUint64("VAULT_DEPLOYMENT_BLOCK", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	config.Networks = loadNetworkConfigs()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that would make fetching impossible
func (c *Config) Validate() error {
	if c.Fetch.ChunkSize == 0 {
		return fmt.Errorf("FETCH_CHUNK_SIZE must be positive")
	}
	if c.Fetch.MinChunkSize == 0 || c.Fetch.MinChunkSize > c.Fetch.ChunkSize {
		return fmt.Errorf("FETCH_MIN_CHUNK_SIZE must be between 1 and FETCH_CHUNK_SIZE")
	}
	if c.Fetch.Concurrency < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY must be at least 1")
	}
	return nil
}

func loadNetworkConfigs() NetworksConfig {
	names := getEnvAsList("NETWORKS")
	if len(names) == 0 {
		names = KnownNetworks
	}

	networks := make(map[string]NetworkConfig)
	for _, name := range names {
		name = strings.ToLower(name)
		prefix := strings.ToUpper(name)
		networks[name] = NetworkConfig{
			RPCURL:      getEnv(prefix+"_RPC_URL", ""),
			CUPerSecond: getEnvAsInt(prefix+"_CU_PER_SECOND", 330),
		}
	}

	return NetworksConfig{
		Default:  strings.ToLower(getEnv("DEFAULT_NETWORK", "ethereum")),
		Networks: networks,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated variable, dropping empty items
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
