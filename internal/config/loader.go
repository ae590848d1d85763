package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LIQUIDATOR_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LIQUIDATOR_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "LIQUIDATOR_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "LIQUIDATOR_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "LIQUIDATOR_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "LIQUIDATOR_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "LIQUIDATOR_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.ClearingAddr, "LIQUIDATOR_CHAIN_CLEARING_ADDR")
	setStr(&cfg.Chain.SystemViewer, "LIQUIDATOR_CHAIN_SYSTEM_VIEWER_ADDR")
	setStr(&cfg.Chain.ProductRegistry, "LIQUIDATOR_CHAIN_PRODUCT_REGISTRY_ADDR")
	setDuration(&cfg.Chain.CallTimeout, "LIQUIDATOR_CHAIN_CALL_TIMEOUT")
	setDuration(&cfg.Chain.ConfirmTimeout, "LIQUIDATOR_CHAIN_CONFIRM_TIMEOUT")
	setDuration(&cfg.Chain.ConfirmPoll, "LIQUIDATOR_CHAIN_CONFIRM_POLL")
	setUint64(&cfg.Chain.GasLimit, "LIQUIDATOR_CHAIN_GAS_LIMIT")
	setFloat64(&cfg.Chain.GasPriceGwei, "LIQUIDATOR_CHAIN_GAS_PRICE_GWEI")

	// ── Indexer ──
	setStr(&cfg.Indexer.URL, "LIQUIDATOR_INDEXER_URL")
	setStr(&cfg.Indexer.APIKey, "LIQUIDATOR_INDEXER_API_KEY")
	setStr(&cfg.Indexer.WsURL, "LIQUIDATOR_INDEXER_WS_URL")
	setUint64(&cfg.Indexer.MaxLagBlocks, "LIQUIDATOR_INDEXER_MAX_LAG_BLOCKS")
	setDuration(&cfg.Indexer.Timeout, "LIQUIDATOR_INDEXER_TIMEOUT")

	// ── Exchange ──
	setStr(&cfg.Exchange.URL, "LIQUIDATOR_EXCHANGE_URL")
	setStr(&cfg.Exchange.APIKey, "LIQUIDATOR_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "LIQUIDATOR_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.APIPassphrase, "LIQUIDATOR_EXCHANGE_API_PASSPHRASE")
	setDuration(&cfg.Exchange.OrderGoodFor, "LIQUIDATOR_EXCHANGE_ORDER_GOOD_FOR")
	setFloat64(&cfg.Exchange.MaxTradingFeeRate, "LIQUIDATOR_EXCHANGE_MAX_TRADING_FEE_RATE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LIQUIDATOR_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LIQUIDATOR_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LIQUIDATOR_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LIQUIDATOR_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LIQUIDATOR_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LIQUIDATOR_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LIQUIDATOR_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LIQUIDATOR_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LIQUIDATOR_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LIQUIDATOR_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LIQUIDATOR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LIQUIDATOR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LIQUIDATOR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LIQUIDATOR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LIQUIDATOR_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LIQUIDATOR_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LIQUIDATOR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LIQUIDATOR_S3_REGION")
	setStr(&cfg.S3.Bucket, "LIQUIDATOR_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LIQUIDATOR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LIQUIDATOR_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LIQUIDATOR_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LIQUIDATOR_S3_FORCE_PATH_STYLE")

	// ── Strategy ──
	setStr(&cfg.Strategy.Name, "LIQUIDATOR_STRATEGY_NAME")
	setFloat64(&cfg.Strategy.DiscountBps, "LIQUIDATOR_STRATEGY_DISCOUNT_BPS")
	setFloat64(&cfg.Strategy.SafetyBufferBps, "LIQUIDATOR_STRATEGY_SAFETY_BUFFER_BPS")
	setFloat64(&cfg.Strategy.MinDiscountBps, "LIQUIDATOR_STRATEGY_MIN_DISCOUNT_BPS")
	setUint64(&cfg.Strategy.MinBlocksRemaining, "LIQUIDATOR_STRATEGY_MIN_BLOCKS_REMAINING")
	setFloat64(&cfg.Strategy.MaxProductNotional, "LIQUIDATOR_STRATEGY_MAX_PRODUCT_NOTIONAL")
	setFloat64(&cfg.Strategy.TargetEquityRatio, "LIQUIDATOR_STRATEGY_TARGET_EQUITY_RATIO")
	setInt(&cfg.Strategy.MaxConcurrentAuctions, "LIQUIDATOR_STRATEGY_MAX_CONCURRENT_AUCTIONS")

	// ── Executor ──
	setDuration(&cfg.Executor.CycleInterval, "LIQUIDATOR_EXECUTOR_CYCLE_INTERVAL")
	setInt(&cfg.Executor.Workers, "LIQUIDATOR_EXECUTOR_WORKERS")
	setInt(&cfg.Executor.MaxAttempts, "LIQUIDATOR_EXECUTOR_MAX_ATTEMPTS")
	setDuration(&cfg.Executor.ResubmitCooldown, "LIQUIDATOR_EXECUTOR_RESUBMIT_COOLDOWN")
	setInt(&cfg.Executor.AccountBatchSize, "LIQUIDATOR_EXECUTOR_ACCOUNT_BATCH_SIZE")
	setDuration(&cfg.Executor.MaxSnapshotAge, "LIQUIDATOR_EXECUTOR_MAX_SNAPSHOT_AGE")
	setDuration(&cfg.Executor.LockTTL, "LIQUIDATOR_EXECUTOR_LOCK_TTL")

	// ── Reseller ──
	setFloat64(&cfg.Reseller.TrancheFraction, "LIQUIDATOR_RESELLER_TRANCHE_FRACTION")
	setDuration(&cfg.Reseller.MaxHoldingAge, "LIQUIDATOR_RESELLER_MAX_HOLDING_AGE")

	// ── Bankruptcy ──
	setBool(&cfg.Bankruptcy.Enabled, "LIQUIDATOR_BANKRUPTCY_ENABLED")
	setUint64(&cfg.Bankruptcy.TradingWindowBlocks, "LIQUIDATOR_BANKRUPTCY_TRADING_WINDOW_BLOCKS")
	setInt(&cfg.Bankruptcy.MaxAbsorbers, "LIQUIDATOR_BANKRUPTCY_MAX_ABSORBERS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LIQUIDATOR_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "LIQUIDATOR_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "LIQUIDATOR_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LIQUIDATOR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LIQUIDATOR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LIQUIDATOR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.HealthcheckURL, "LIQUIDATOR_NOTIFY_HEALTHCHECK_URL")
	setStringSlice(&cfg.Notify.Events, "LIQUIDATOR_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LIQUIDATOR_MODE")
	setStr(&cfg.LogLevel, "LIQUIDATOR_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
