// Package config provides configuration management for the position monitor.
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

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Chains    ChainsConfig
	Monitor   MonitorConfig
	Alerts    AlertsConfig
	Channels  ChannelsConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Backend    string
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MigrationsPath string
}

// DSN returns a connection string usable by pgx and golang-migrate.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.Database)
}

// ClickHouseConfig holds ClickHouse configuration. Enabled gates the alert
// audit sink.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration. When Enabled, invalidation marks and
// webhook dedup keys are shared through Redis instead of process memory.
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainsConfig holds chain configuration
type ChainsConfig struct {
	Enabled []string
	Chains  map[string]ChainConfig
	// BudgetMaxWait bounds how long a call waits for compute-unit budget.
	BudgetMaxWait time.Duration
	// CUCosts overrides per-method prices, e.g. "eth_call=30,*=15".
	CUCosts string
}

// ChainConfig holds the RPC endpoints and contract addresses for one chain.
type ChainConfig struct {
	RPCURLs        []string
	Dexes          map[string]DexContracts // keyed by dex variant
	CallTimeout    time.Duration
	RequestsPerSec float64
	MaxRetries     int
	// ComputeBudget is the provider's CU/s allowance shared through Redis by
	// every process; 0 disables metering. ReservedBudget of it is kept for
	// interactive refreshes.
	ComputeBudget  int
	ReservedBudget int
}

// DexContracts are the position manager and factory of one DEX deployment.
type DexContracts struct {
	PositionManager string
	Factory         string
}

// MonitorConfig tunes the poller and the risk evaluator.
type MonitorConfig struct {
	PollInterval       time.Duration
	StalenessThreshold time.Duration
	Workers            int
	CycleDeadline      time.Duration
	FetchRetries       int
	PriceMovePercent   float64
	PriceMoveCooldown  time.Duration
	RebalanceAfter     time.Duration
	DivergenceWindow   time.Duration
}

// AlertsConfig tunes the dispatcher.
type AlertsConfig struct {
	QueueSize           int
	MaxDeliveryAttempts int
	RetryInterval       time.Duration
	Retention           time.Duration
	RangeCooldown       time.Duration
	PriceMoveCooldown   time.Duration
	RebalanceCooldown   time.Duration
	SummaryHourUTC      int
}

// ChannelsConfig holds outbound channel settings.
type ChannelsConfig struct {
	TelegramBotToken string
	TelegramAPIURL   string
	WebhookTimeout   time.Duration
	TelegramTimeout  time.Duration
}

// WebhookConfig holds inbound push settings.
type WebhookConfig struct {
	Secret   string
	DedupTTL time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

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
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Backend: strings.ToLower(getEnv("STORAGE_BACKEND", BackendMemory)),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "position_monitor"),
				User:           getEnv("POSTGRES_USER", "monitor"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "position_monitor"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Monitor: MonitorConfig{
			PollInterval:       getEnvAsDuration("POLL_INTERVAL", 60*time.Second),
			StalenessThreshold: getEnvAsDuration("POLL_STALENESS", 5*time.Minute),
			Workers:            getEnvAsInt("POLL_WORKERS", 8),
			CycleDeadline:      getEnvAsDuration("POLL_CYCLE_DEADLINE", 45*time.Second),
			FetchRetries:       getEnvAsInt("POLL_FETCH_RETRIES", 2),
			PriceMovePercent:   getEnvAsFloat("PRICE_MOVE_PERCENT", 5),
			PriceMoveCooldown:  getEnvAsDuration("PRICE_MOVE_COOLDOWN", time.Hour),
			RebalanceAfter:     getEnvAsDuration("REBALANCE_AFTER", 6*time.Hour),
			DivergenceWindow:   getEnvAsDuration("DIVERGENCE_WINDOW", 2*time.Minute),
		},
		Alerts: AlertsConfig{
			QueueSize:           getEnvAsInt("ALERT_QUEUE_SIZE", 1024),
			MaxDeliveryAttempts: getEnvAsInt("DELIVERY_MAX_ATTEMPTS", 5),
			RetryInterval:       getEnvAsDuration("DELIVERY_RETRY_INTERVAL", 30*time.Second),
			Retention:           getEnvAsDuration("ALERT_RETENTION", 7*24*time.Hour),
			RangeCooldown:       getEnvAsDuration("ALERT_COOLDOWN_RANGE", 0),
			PriceMoveCooldown:   getEnvAsDuration("ALERT_COOLDOWN_PRICE_MOVE", time.Hour),
			RebalanceCooldown:   getEnvAsDuration("ALERT_COOLDOWN_REBALANCE", 6*time.Hour),
			SummaryHourUTC:      getEnvAsInt("DAILY_SUMMARY_HOUR_UTC", 9),
		},
		Channels: ChannelsConfig{
			TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramAPIURL:   getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
			TelegramTimeout:  getEnvAsDuration("TELEGRAM_TIMEOUT", 10*time.Second),
			WebhookTimeout:   getEnvAsDuration("ALERT_WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Webhook: WebhookConfig{
			Secret:   getEnv("WEBHOOK_SECRET", ""),
			DedupTTL: getEnvAsDuration("WEBHOOK_DEDUP_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	config.Chains = loadChainConfigs()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the monitor cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendMemory, BackendPostgres, c.Database.Backend)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.Monitor.Workers <= 0 {
		return fmt.Errorf("POLL_WORKERS must be positive")
	}
	if c.Monitor.CycleDeadline <= 0 || c.Monitor.CycleDeadline > c.Monitor.PollInterval {
		return fmt.Errorf("POLL_CYCLE_DEADLINE must be positive and not exceed POLL_INTERVAL")
	}
	if c.Monitor.FetchRetries < 0 {
		return fmt.Errorf("POLL_FETCH_RETRIES must not be negative")
	}
	if c.Monitor.PriceMovePercent <= 0 {
		return fmt.Errorf("PRICE_MOVE_PERCENT must be positive")
	}
	if c.Alerts.MaxDeliveryAttempts <= 0 {
		return fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be positive")
	}
	if c.Alerts.SummaryHourUTC < 0 || c.Alerts.SummaryHourUTC > 23 {
		return fmt.Errorf("DAILY_SUMMARY_HOUR_UTC must be within 0-23")
	}
	for _, name := range c.Chains.Enabled {
		chain := c.Chains.Chains[name]
		if chain.ComputeBudget == 0 {
			continue
		}
		if !c.Database.Redis.Enabled {
			return fmt.Errorf("%s_RPC_CU_BUDGET requires REDIS_ENABLED", strings.ToUpper(name))
		}
		if chain.ComputeBudget < 0 || chain.ReservedBudget <= 0 || chain.ReservedBudget > chain.ComputeBudget {
			return fmt.Errorf("%s_RPC_CU_RESERVED must be within 1 and %s_RPC_CU_BUDGET", strings.ToUpper(name), strings.ToUpper(name))
		}
	}
	return nil
}

// knownDeployments are canonical contract addresses used when no override is set.
var knownDeployments = map[string]map[string]DexContracts{
	"ethereum": {
		"uniswap_v3":     {PositionManager: "0xC36442b4a4522E871399CD717aBDD847Ab11FE88", Factory: "0x1F98431c8aD98523631AE4a59f267346ea31F984"},
		"pancakeswap_v3": {PositionManager: "0x46A15B0b27311cedF172AB29E4f4766fbE7F4364", Factory: "0x0BFbCF9fa4f9C56B0F40a671Ad40E0805A091865"},
		"sushiswap_v3":   {PositionManager: "0x2214A42d8e2A1d20635c2cb0664422c528B6A432", Factory: "0xbACEB8eC6b9355Dfc0269C18bac9d6E2Bdc29C4F"},
	},
	"arbitrum": {
		"uniswap_v3":     {PositionManager: "0xC36442b4a4522E871399CD717aBDD847Ab11FE88", Factory: "0x1F98431c8aD98523631AE4a59f267346ea31F984"},
		"pancakeswap_v3": {PositionManager: "0x46A15B0b27311cedF172AB29E4f4766fbE7F4364", Factory: "0x0BFbCF9fa4f9C56B0F40a671Ad40E0805A091865"},
	},
	"bnb": {
		"pancakeswap_v3": {PositionManager: "0x46A15B0b27311cedF172AB29E4f4766fbE7F4364", Factory: "0x0BFbCF9fa4f9C56B0F40a671Ad40E0805A091865"},
		"uniswap_v3":     {PositionManager: "0x7b8A01B39D58278b5DE7e48c8449c9f4F5170613", Factory: "0xdB1d10011AD0Ff90774D0C6Bb92e5C5c8b4461F7"},
	},
	"base": {
		"uniswap_v3": {PositionManager: "0x03a520b32C04BF3bEEf7BEb72E919cf822Ed34f1", Factory: "0x33128a8fC17869897dcE68Ed026d694621f6FDfD"},
	},
}

var dexVariants = []string{"uniswap_v3", "pancakeswap_v3", "sushiswap_v3"}

// loadChainConfigs loads chain-specific configurations. Contract addresses
// are read from <CHAIN>_<DEX>_POSITION_MANAGER and <CHAIN>_<DEX>_FACTORY.
func loadChainConfigs() ChainsConfig {
	enabled := []string{}
	chains := make(map[string]ChainConfig)

	for _, chain := range strings.Split(getEnv("ENABLED_CHAINS", "ethereum"), ",") {
		chain = strings.ToLower(strings.TrimSpace(chain))
		if chain == "" {
			continue
		}
		enabled = append(enabled, chain)

		prefix := strings.ToUpper(chain)
		dexes := make(map[string]DexContracts)
		for _, dex := range dexVariants {
			known := knownDeployments[chain][dex]
			envPrefix := prefix + "_" + strings.ToUpper(dex)
			c := DexContracts{
				PositionManager: getEnv(envPrefix+"_POSITION_MANAGER", known.PositionManager),
				Factory:         getEnv(envPrefix+"_FACTORY", known.Factory),
			}
			if c.PositionManager != "" && c.Factory != "" {
				dexes[dex] = c
			}
		}

		budget := getEnvAsInt(prefix+"_RPC_CU_BUDGET", 0)
		chains[chain] = ChainConfig{
			RPCURLs:        getEnvAsList(prefix+"_RPC_URLS", nil),
			Dexes:          dexes,
			CallTimeout:    getEnvAsDuration(prefix+"_CALL_TIMEOUT", 8*time.Second),
			RequestsPerSec: getEnvAsFloat(prefix+"_RPC_RPS", 10),
			MaxRetries:     getEnvAsInt(prefix+"_RPC_MAX_RETRIES", 3),
			ComputeBudget:  budget,
			ReservedBudget: getEnvAsInt(prefix+"_RPC_CU_RESERVED", budget/4),
		}
	}

	return ChainsConfig{
		Enabled:       enabled,
		Chains:        chains,
		BudgetMaxWait: getEnvAsDuration("RPC_BUDGET_MAX_WAIT", 5*time.Second),
		CUCosts:       getEnv("RPC_CU_COSTS", ""),
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
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

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
