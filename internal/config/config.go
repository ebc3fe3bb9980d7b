// Package config loads vaultd configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Ledger modes.
const (
	ModeLocal = "local"
	ModeRPC   = "rpc"
)

// Config is the full daemon configuration.
type Config struct {
	Server       ServerConfig
	Logging      LoggingConfig
	Ledger       LedgerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	RocketMQ     RocketMQConfig
	Orchestrator OrchestratorConfig
	Auth         AuthConfig
	Custody      CustodyConfig
	Reconcile    ReconcileConfig
	AssetsFile   string `env:"VAULT_ASSETS_FILE,default=config/assets.yaml"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `env:"VAULT_HTTP_ADDR,default=:8080"`
	ReadTimeout     time.Duration `env:"VAULT_HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"VAULT_HTTP_WRITE_TIMEOUT,default=90s"`
	ShutdownTimeout time.Duration `env:"VAULT_SHUTDOWN_TIMEOUT,default=20s"`
	RateLimit       int           `env:"VAULT_HTTP_RATE_LIMIT,default=100"`
	RateWindow      time.Duration `env:"VAULT_HTTP_RATE_WINDOW,default=1m"`
	RateBurst       int           `env:"VAULT_HTTP_RATE_BURST,default=20"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// LedgerConfig selects the ledger node the daemon talks to.
type LedgerConfig struct {
	Mode             string        `env:"VAULT_LEDGER_MODE,default=local"`
	RPCURL           string        `env:"VAULT_LEDGER_RPC_URL"`
	RPCTimeout       time.Duration `env:"VAULT_LEDGER_RPC_TIMEOUT,default=30s"`
	ProgramID        string        `env:"VAULT_PROGRAM_ID"`
	HoldingProgramID string        `env:"VAULT_HOLDING_PROGRAM_ID"`
	ReferenceWindow  uint64        `env:"VAULT_REFERENCE_WINDOW,default=150"`
	// FaucetEnabled exposes the local node's mint endpoint.
	FaucetEnabled bool `env:"VAULT_FAUCET_ENABLED,default=false"`
}

// DatabaseConfig configures the local node's storage. An empty DSN keeps
// records in memory.
type DatabaseConfig struct {
	DSN             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS,default=10"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME,default=30m"`
	Migrate         bool          `env:"DATABASE_MIGRATE,default=true"`
}

// RedisConfig configures the query cache and the event sink. An empty Addr
// disables both.
type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB,default=0"`
	CacheTTL time.Duration `env:"VAULT_CACHE_TTL,default=30s"`
	Channel  string        `env:"VAULT_EVENTS_CHANNEL,default=collateral_vault.events"`
}

// RocketMQConfig configures the event sink. Empty NameServers disables it.
type RocketMQConfig struct {
	NameServers string `env:"ROCKETMQ_NAMESERVERS"`
	Topic       string `env:"ROCKETMQ_TOPIC,default=collateral_vault_events"`
	Group       string `env:"ROCKETMQ_GROUP,default=collateral_vault"`
	AccessKey   string `env:"ROCKETMQ_ACCESS_KEY"`
	SecretKey   string `env:"ROCKETMQ_SECRET_KEY"`
	Retries     int    `env:"ROCKETMQ_RETRIES,default=2"`
}

// NameServerList splits NameServers on commas.
func (c RocketMQConfig) NameServerList() []string {
	var out []string
	for _, s := range strings.Split(c.NameServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// OrchestratorConfig tunes submission and confirmation.
type OrchestratorConfig struct {
	Retries         int           `env:"VAULT_SUBMIT_RETRIES,default=5"`
	TransferRetries int           `env:"VAULT_TRANSFER_RETRIES,default=8"`
	PriorityFee     uint64        `env:"VAULT_PRIORITY_FEE,default=10000"`
	TransferFee     uint64        `env:"VAULT_TRANSFER_PRIORITY_FEE,default=25000"`
	BaseBackoff     time.Duration `env:"VAULT_RETRY_BACKOFF,default=200ms"`
	MaxBackoff      time.Duration `env:"VAULT_RETRY_MAX_BACKOFF,default=5s"`
	ConfirmTimeout  time.Duration `env:"VAULT_CONFIRM_TIMEOUT,default=60s"`
	PollInterval    time.Duration `env:"VAULT_POLL_INTERVAL,default=500ms"`
	SubmitRPS       float64       `env:"VAULT_SUBMIT_RPS,default=20"`
	SubmitBurst     int           `env:"VAULT_SUBMIT_BURST,default=5"`
}

// AuthConfig configures JWT validation.
type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"JWT_TTL,default=24h"`
}

// CustodyConfig configures the custodial keystore.
type CustodyConfig struct {
	MasterKey string `env:"VAULT_MASTER_KEY"`
}

// ReconcileConfig schedules the invariant audit.
type ReconcileConfig struct {
	Schedule string `env:"VAULT_RECONCILE_SCHEDULE,default=@every 5m"`
	Enabled  bool   `env:"VAULT_RECONCILE_ENABLED,default=true"`
}

// Load reads envFile when it exists and then decodes the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load env (%s): %w", envFile, err)
			}
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Ledger.Mode {
	case ModeLocal:
	case ModeRPC:
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("VAULT_LEDGER_RPC_URL is required in rpc mode")
		}
	default:
		return fmt.Errorf("unknown ledger mode %q", c.Ledger.Mode)
	}
	if c.Orchestrator.Retries < 1 || c.Orchestrator.TransferRetries < 1 {
		return fmt.Errorf("retry budgets must be positive")
	}
	if c.Orchestrator.PollInterval <= 0 || c.Orchestrator.ConfirmTimeout <= 0 {
		return fmt.Errorf("poll interval and confirm timeout must be positive")
	}
	return nil
}
