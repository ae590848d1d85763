// Package config defines the top-level configuration for the liquidation
// agent and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LIQUIDATOR_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Chain      ChainConfig      `toml:"chain"`
	Indexer    IndexerConfig    `toml:"indexer"`
	Exchange   ExchangeConfig   `toml:"exchange"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Executor   ExecutorConfig   `toml:"executor"`
	Reseller   ResellerConfig   `toml:"reseller"`
	Bankruptcy BankruptcyConfig `toml:"bankruptcy"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the signing account credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the ledger RPC endpoint and deployed contract addresses.
type ChainConfig struct {
	RPCURL          string   `toml:"rpc_url"`
	ChainID         int64    `toml:"chain_id"`
	ClearingAddr    string   `toml:"clearing_addr"`
	SystemViewer    string   `toml:"system_viewer_addr"`
	ProductRegistry string   `toml:"product_registry_addr"`
	CallTimeout     duration `toml:"call_timeout"`
	ConfirmTimeout  duration `toml:"confirm_timeout"`
	ConfirmPoll     duration `toml:"confirm_poll"`
	GasLimit        uint64   `toml:"gas_limit"`
	GasPriceGwei    float64  `toml:"gas_price_gwei"`
}

// IndexerConfig holds the chain indexer's GraphQL and event stream endpoints.
type IndexerConfig struct {
	URL          string   `toml:"url"`
	APIKey       string   `toml:"api_key"`
	WsURL        string   `toml:"ws_url"`
	MaxLagBlocks uint64   `toml:"max_lag_blocks"`
	Timeout      duration `toml:"timeout"`
}

// ExchangeConfig holds the optional off-chain venue used to resell
// taken-over positions. Leave the URL empty to unwind on-chain instead.
type ExchangeConfig struct {
	URL               string   `toml:"url"`
	APIKey            string   `toml:"api_key"`
	APISecret         string   `toml:"api_secret"`
	APIPassphrase     string   `toml:"api_passphrase"`
	OrderGoodFor      duration `toml:"order_good_for"`
	MaxTradingFeeRate float64  `toml:"max_trading_fee_rate"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// StrategyConfig holds bid decision parameters. All thresholds are
// deliberately configuration, not code.
type StrategyConfig struct {
	// Name selects the pricing strategy: "mark_price" or "discount".
	Name string `toml:"name"`
	// DiscountBps is the equity headroom captured by the discount
	// strategy, in basis points of the account's remaining equity.
	DiscountBps float64 `toml:"discount_bps"`
	// SafetyBufferBps: post-takeover equity must exceed the required
	// margin by at least this fraction of the margin, in basis points.
	SafetyBufferBps float64 `toml:"safety_buffer_bps"`
	// MinDiscountBps is the smallest captured discount worth bidding on.
	MinDiscountBps float64 `toml:"min_discount_bps"`
	// MinBlocksRemaining skips auctions about to expire.
	MinBlocksRemaining uint64 `toml:"min_blocks_remaining"`
	// MaxProductNotional caps per-product exposure across existing
	// holdings plus the candidate bid.
	MaxProductNotional float64 `toml:"max_product_notional"`
	// TargetEquityRatio delays bids on a fresh auction until the
	// account's extrapolated equity falls below this fraction of its
	// required margin. 0 bids immediately.
	TargetEquityRatio float64 `toml:"target_equity_ratio"`
	// MaxConcurrentAuctions caps how many auctions the agent will carry
	// open bids on at the same time.
	MaxConcurrentAuctions int `toml:"max_concurrent_auctions"`
}

// ExecutorConfig holds cycle execution parameters.
type ExecutorConfig struct {
	CycleInterval    duration `toml:"cycle_interval"`
	Workers          int      `toml:"workers"`
	MaxAttempts      int      `toml:"max_attempts"`
	ResubmitCooldown duration `toml:"resubmit_cooldown"`
	AccountBatchSize int      `toml:"account_batch_size"`
	MaxSnapshotAge   duration `toml:"max_snapshot_age"`
	LockTTL          duration `toml:"lock_ttl"`
}

// ResellerConfig holds position unwind parameters.
type ResellerConfig struct {
	// TrancheFraction is the share of a holding to unwind per cycle, in
	// (0, 1]. 1 unwinds in full.
	TrancheFraction float64  `toml:"tranche_fraction"`
	MaxHoldingAge   duration `toml:"max_holding_age"`
}

// BankruptcyConfig holds loss mutualization parameters.
type BankruptcyConfig struct {
	Enabled             bool   `toml:"enabled"`
	TradingWindowBlocks uint64 `toml:"trading_window_blocks"`
	MaxAbsorbers        int    `toml:"max_absorbers"`
}

// ArchiveConfig holds cold storage retention parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	HealthcheckURL    string   `toml:"healthcheck_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:         "http://localhost:8545",
			ChainID:        65100004,
			CallTimeout:    duration{10 * time.Second},
			ConfirmTimeout: duration{90 * time.Second},
			ConfirmPoll:    duration{2 * time.Second},
			GasLimit:       3_000_000,
			GasPriceGwei:   0, // 0 = use the node's suggestion
		},
		Indexer: IndexerConfig{
			MaxLagBlocks: 30,
			Timeout:      duration{15 * time.Second},
		},
		Exchange: ExchangeConfig{
			OrderGoodFor:      duration{5 * time.Minute},
			MaxTradingFeeRate: 0.01,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "liquidator",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "liquidator-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Strategy: StrategyConfig{
			Name:                  "discount",
			DiscountBps:           1000,
			SafetyBufferBps:       500,
			MinDiscountBps:        50,
			MinBlocksRemaining:    3,
			MaxProductNotional:    100_000,
			TargetEquityRatio:     0.9,
			MaxConcurrentAuctions: 10,
		},
		Executor: ExecutorConfig{
			CycleInterval:    duration{30 * time.Second},
			Workers:          4,
			MaxAttempts:      5,
			ResubmitCooldown: duration{2 * time.Minute},
			AccountBatchSize: 50,
			MaxSnapshotAge:   duration{1 * time.Minute},
			LockTTL:          duration{5 * time.Minute},
		},
		Reseller: ResellerConfig{
			TrancheFraction: 1.0,
			MaxHoldingAge:   duration{24 * time.Hour},
		},
		Bankruptcy: BankruptcyConfig{
			Enabled:             false,
			TradingWindowBlocks: 30,
			MaxAbsorbers:        20,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"auction_won", "auction_lost", "holding_closed", "cycle_summary", "error"},
		},
		Mode:     "liquidate",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"liquidate":  true,
	"closeout":   true,
	"bankruptcy": true,
	"monitor":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validStrategies enumerates the accepted values for Strategy.Name.
var validStrategies = map[string]bool{
	"mark_price": true,
	"discount":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: liquidate, closeout, bankruptcy, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet — every mode except monitor submits transactions.
	needsWallet := strings.ToLower(c.Mode) != "monitor"
	if needsWallet {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.ClearingAddr == "" {
		errs = append(errs, "chain: clearing_addr must not be empty")
	}
	if c.Chain.SystemViewer == "" {
		errs = append(errs, "chain: system_viewer_addr must not be empty")
	}
	if c.Chain.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "chain: confirm_timeout must be positive")
	}
	if c.Chain.ConfirmPoll.Duration <= 0 {
		errs = append(errs, "chain: confirm_poll must be positive")
	}

	// Indexer
	if c.Indexer.URL == "" {
		errs = append(errs, "indexer: url must not be empty")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only needed when archiving is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	// Strategy
	if !validStrategies[c.Strategy.Name] {
		errs = append(errs, fmt.Sprintf("strategy: unknown name %q (valid: mark_price, discount)", c.Strategy.Name))
	}
	if c.Strategy.DiscountBps < 0 || c.Strategy.DiscountBps > 10_000 {
		errs = append(errs, "strategy: discount_bps must be in [0, 10000]")
	}
	if c.Strategy.SafetyBufferBps < 0 {
		errs = append(errs, "strategy: safety_buffer_bps must be >= 0")
	}
	if c.Strategy.TargetEquityRatio < 0 || c.Strategy.TargetEquityRatio >= 1 {
		errs = append(errs, "strategy: target_equity_ratio must be in [0, 1)")
	}
	if c.Strategy.MaxConcurrentAuctions < 1 {
		errs = append(errs, "strategy: max_concurrent_auctions must be >= 1")
	}

	// Executor
	if c.Executor.Workers < 1 {
		errs = append(errs, "executor: workers must be >= 1")
	}
	if c.Executor.MaxAttempts < 1 {
		errs = append(errs, "executor: max_attempts must be >= 1")
	}
	if c.Executor.CycleInterval.Duration <= 0 {
		errs = append(errs, "executor: cycle_interval must be positive")
	}
	if c.Executor.AccountBatchSize < 1 {
		errs = append(errs, "executor: account_batch_size must be >= 1")
	}

	// Reseller
	if c.Reseller.TrancheFraction <= 0 || c.Reseller.TrancheFraction > 1 {
		errs = append(errs, "reseller: tranche_fraction must be in (0, 1]")
	}

	// Exchange — optional, but the fee rate must be sane when set.
	if c.Exchange.URL != "" {
		if c.Exchange.MaxTradingFeeRate < 0 || c.Exchange.MaxTradingFeeRate >= 1 {
			errs = append(errs, "exchange: max_trading_fee_rate must be in [0, 1)")
		}
		if c.Exchange.OrderGoodFor.Duration <= 0 {
			errs = append(errs, "exchange: order_good_for must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
