package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/afplabs/liquidator/internal/blob/s3"
	"github.com/afplabs/liquidator/internal/cache/redis"
	"github.com/afplabs/liquidator/internal/config"
	"github.com/afplabs/liquidator/internal/crypto"
	"github.com/afplabs/liquidator/internal/domain"
	"github.com/afplabs/liquidator/internal/exchange"
	"github.com/afplabs/liquidator/internal/indexer"
	"github.com/afplabs/liquidator/internal/ledger"
	"github.com/afplabs/liquidator/internal/notify"
	"github.com/afplabs/liquidator/internal/store/postgres"
)

// Dependencies bundles every dependency the application modes need to
// operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	RunRecords domain.RunRecordStore
	Holdings   domain.HoldingStore
	AuditStore domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	LockManager domain.LockManager

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Chain access
	Ledger  *ledger.Gateway
	Indexer *indexer.Client

	// Optional off-chain resale venue. Nil when not configured.
	Exchange *exchange.Client

	// OwnAccountID is the signing address, empty in read-only modes.
	OwnAccountID string

	// Notifications
	Notifier *notify.Notifier
	Health   *notify.Healthcheck
}

// needsWallet returns true for modes that broadcast transactions.
func needsWallet(mode string) bool {
	return mode != "monitor"
}

// needsPostgres returns true for modes that require durable records.
func needsPostgres(mode string) bool {
	return mode != "monitor"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (only for modes that need durable records) ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.RunRecords = postgres.NewRunRecordStore(pool)
		deps.Holdings = postgres.NewHoldingStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)

	// --- Chain: RPC client, signer, gateway ---
	ethClient, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: rpc dial: %w", err)
	}
	closers = append(closers, ethClient.Close)

	var submitter *ledger.Submitter
	if needsWallet(cfg.Mode) {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: load key: %w", err)
		}

		submitter, err = ledger.NewSubmitter(ethClient, key, ledger.SubmitterConfig{
			ChainID:        cfg.Chain.ChainID,
			GasLimit:       cfg.Chain.GasLimit,
			GasPriceGwei:   cfg.Chain.GasPriceGwei,
			ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
			ConfirmPoll:    cfg.Chain.ConfirmPoll.Duration,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: submitter: %w", err)
		}

		signer, err := crypto.NewSigner(key, cfg.Chain.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}
		deps.OwnAccountID = signer.Address().Hex()

		// Off-chain resale venue, when configured.
		if cfg.Exchange.URL != "" {
			deps.Exchange = exchange.NewClient(cfg.Exchange.URL, signer, &crypto.HMACAuth{
				Key:        cfg.Exchange.APIKey,
				Secret:     cfg.Exchange.APISecret,
				Passphrase: cfg.Exchange.APIPassphrase,
			})
		}
	}

	deps.Ledger = ledger.NewGateway(ethClient, submitter, ledger.GatewayConfig{
		ClearingAddr:    cfg.Chain.ClearingAddr,
		SystemViewer:    cfg.Chain.SystemViewer,
		ProductRegistry: cfg.Chain.ProductRegistry,
		CallTimeout:     cfg.Chain.CallTimeout.Duration,
	}, logger)

	// --- Indexer ---
	deps.Indexer = indexer.NewClient(cfg.Indexer.URL, cfg.Indexer.APIKey, cfg.Indexer.Timeout.Duration)

	// --- S3 blob storage (only when archival is enabled) ---
	if cfg.Archive.Enabled && deps.RunRecords != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.RunRecords, deps.AuditStore)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Health = notify.NewHealthcheck(cfg.Notify.HealthcheckURL)

	return deps, cleanup, nil
}
