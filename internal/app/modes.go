package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/afplabs/liquidator/internal/executor"
	"github.com/afplabs/liquidator/internal/feed"
	"github.com/afplabs/liquidator/internal/notify"
	"github.com/afplabs/liquidator/internal/reseller"
	"github.com/afplabs/liquidator/internal/scanner"
	"github.com/afplabs/liquidator/internal/service"
	"github.com/afplabs/liquidator/internal/strategy"
	"github.com/afplabs/liquidator/internal/tracker"
)

// notifierAdapter makes notify.Notifier fire-and-forget: delivery failures
// are logged and dropped so a notification outage never affects a cycle.
type notifierAdapter struct {
	n      *notify.Notifier
	logger *slog.Logger
}

func (a notifierAdapter) Notify(ctx context.Context, event, title, message string) {
	if err := a.n.Notify(ctx, event, title, message); err != nil {
		a.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// LiquidateMode runs the full scan-decide-act loop: classify accounts, open
// auctions, bid, settle, and resell won positions. An optional websocket
// feed wakes the loop early; every cycle still re-reads chain state, so a
// missed or duplicated event cannot cause a wrong decision.
func (a *App) LiquidateMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	notifier := notifierAdapter{n: deps.Notifier, logger: a.logger}

	sc := a.buildScanner(deps)
	tr := tracker.New(deps.Ledger, cfg.Executor.Workers, a.logger)

	params := strategy.Params{
		DiscountBps:        cfg.Strategy.DiscountBps,
		SafetyBufferBps:    cfg.Strategy.SafetyBufferBps,
		MinDiscountBps:     cfg.Strategy.MinDiscountBps,
		MinBlocksRemaining: cfg.Strategy.MinBlocksRemaining,
		MaxProductNotional: cfg.Strategy.MaxProductNotional,
		TargetEquityRatio:  cfg.Strategy.TargetEquityRatio,
	}
	registry := strategy.NewRegistry(params)

	exec := executor.New(deps.Ledger, deps.RunRecords, deps.Holdings, deps.AuditStore, notifier, executor.Config{
		MaxAttempts:      cfg.Executor.MaxAttempts,
		ResubmitCooldown: cfg.Executor.ResubmitCooldown.Duration,
		SafetyBufferBps:  cfg.Strategy.SafetyBufferBps,
	}, a.logger)

	// A nil venue leaves the reseller on-chain only.
	var venue reseller.Exchange
	if deps.Exchange != nil {
		venue = deps.Exchange
	}
	rs := reseller.New(deps.Ledger, venue, deps.Holdings, deps.RunRecords, reseller.Config{
		TrancheFraction:  cfg.Reseller.TrancheFraction,
		MaxHoldingAge:    cfg.Reseller.MaxHoldingAge.Duration,
		OrderGoodFor:     cfg.Exchange.OrderGoodFor.Duration,
		MaxAttempts:      cfg.Executor.MaxAttempts,
		ResubmitCooldown: cfg.Executor.ResubmitCooldown.Duration,
	}, a.logger)

	svc := service.NewLiquidationService(
		sc, tr, registry, params, exec, rs,
		deps.Ledger, deps.Holdings, deps.PriceCache, deps.LockManager,
		deps.AuditStore, notifier, deps.Health,
		service.LiquidationConfig{
			OwnAccountID:          deps.OwnAccountID,
			StrategyName:          cfg.Strategy.Name,
			MaxConcurrentAuctions: cfg.Strategy.MaxConcurrentAuctions,
			Workers:               cfg.Executor.Workers,
			LockTTL:               cfg.Executor.LockTTL.Duration,
		},
		a.logger,
	)

	g, ctx := errgroup.WithContext(ctx)

	// Wake-up hints from the auction feed. The channel holds at most one
	// pending wake; extra events coalesce.
	wake := make(chan struct{}, 1)
	if cfg.Indexer.WsURL != "" {
		auctionFeed := feed.NewAuctionFeed(cfg.Indexer.WsURL, func(ctx context.Context, ev feed.Event) {
			select {
			case wake <- struct{}{}:
			default:
			}
		}, a.logger)
		g.Go(func() error { return auctionFeed.Run(ctx) })
	}

	g.Go(func() error {
		runCycle := func() {
			if _, err := svc.RunCycle(ctx); err != nil {
				a.logger.ErrorContext(ctx, "liquidation cycle failed",
					slog.String("error", err.Error()),
				)
			}
		}

		ticker := time.NewTicker(cfg.Executor.CycleInterval.Duration)
		defer ticker.Stop()

		runCycle()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			case <-wake:
			}
			runCycle()
		}
	})

	if deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}

	return g.Wait()
}

// CloseoutMode periodically initiates final settlement for products whose
// final settlement price is in and whose tradeout interval has passed.
func (a *App) CloseoutMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	svc := service.NewCloseoutService(
		deps.Ledger, deps.Indexer, deps.RunRecords, deps.AuditStore,
		service.CloseoutConfig{
			MaxAttempts:      cfg.Executor.MaxAttempts,
			ResubmitCooldown: cfg.Executor.ResubmitCooldown.Duration,
		},
		a.logger,
	)

	return a.tickerLoop(ctx, cfg.Executor.CycleInterval.Duration, func() {
		if _, err := svc.RunCycle(ctx); err != nil {
			a.logger.ErrorContext(ctx, "closeout cycle failed",
				slog.String("error", err.Error()),
			)
		}
	})
}

// BankruptcyMode periodically scans for bankrupt accounts and mutualizes
// their losses across loss-absorbing accounts.
func (a *App) BankruptcyMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	notifier := notifierAdapter{n: deps.Notifier, logger: a.logger}

	svc := service.NewBankruptcyService(
		a.buildScanner(deps),
		deps.Ledger, deps.Indexer, deps.RunRecords, deps.AuditStore, notifier,
		service.BankruptcyConfig{
			TradingWindowBlocks: cfg.Bankruptcy.TradingWindowBlocks,
			MaxAbsorbers:        cfg.Bankruptcy.MaxAbsorbers,
			MaxAttempts:         cfg.Executor.MaxAttempts,
			ResubmitCooldown:    cfg.Executor.ResubmitCooldown.Duration,
		},
		a.logger,
	)

	return a.tickerLoop(ctx, cfg.Executor.CycleInterval.Duration, func() {
		if _, err := svc.RunCycle(ctx); err != nil {
			a.logger.ErrorContext(ctx, "bankruptcy cycle failed",
				slog.String("error", err.Error()),
			)
		}
	})
}

// MonitorMode runs the scanner read-only and reports what it sees. No
// wallet is loaded and nothing is written on chain.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	sc := a.buildScanner(deps)
	notifier := notifierAdapter{n: deps.Notifier, logger: a.logger}

	return a.tickerLoop(ctx, a.cfg.Executor.CycleInterval.Duration, func() {
		res, err := sc.Scan(ctx)
		if err != nil {
			a.logger.ErrorContext(ctx, "monitor scan failed",
				slog.String("error", err.Error()),
			)
			return
		}
		a.logger.InfoContext(ctx, "monitor scan complete",
			slog.Int("liquidatable", len(res.Liquidatable)),
			slog.Int("bankrupt", len(res.Bankrupt)),
			slog.Int("in_auction", len(res.InAuction)),
			slog.Int("healthy", res.Healthy),
			slog.Int("skipped", res.Skipped),
			slog.Uint64("head_block", res.HeadBlock),
			slog.Uint64("indexer_lag", res.IndexerLag),
		)
		for _, acct := range res.Liquidatable {
			notifier.Notify(ctx, "liquidatable", "Account below maintenance margin",
				acct.AccountID)
		}
		if err := deps.Health.Ping(ctx); err != nil {
			a.logger.WarnContext(ctx, "healthcheck ping failed",
				slog.String("error", err.Error()),
			)
		}
	})
}

func (a *App) buildScanner(deps *Dependencies) *scanner.Scanner {
	cfg := a.cfg
	return scanner.New(deps.Indexer, deps.Ledger, scanner.Config{
		BatchSize:      cfg.Executor.AccountBatchSize,
		Workers:        cfg.Executor.Workers,
		MaxLagBlocks:   cfg.Indexer.MaxLagBlocks,
		MaxSnapshotAge: cfg.Executor.MaxSnapshotAge.Duration,
	}, a.logger)
}

// archiveLoop moves settled run records and old audit entries to cold
// storage, then deletes what was archived.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

		archived, err := deps.Archiver.ArchiveRunRecords(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "run record archival failed",
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted, err := deps.RunRecords.DeleteTerminal(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "run record pruning failed",
				slog.String("error", err.Error()),
			)
		}

		auditArchived, err := deps.Archiver.ArchiveAudit(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "audit archival failed",
				slog.String("error", err.Error()),
			)
			continue
		}
		auditDeleted, err := deps.AuditStore.DeleteBefore(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "audit pruning failed",
				slog.String("error", err.Error()),
			)
		}

		a.logger.InfoContext(ctx, "archive pass complete",
			slog.Int64("run_records_archived", archived),
			slog.Int64("run_records_deleted", deleted),
			slog.Int64("audit_archived", auditArchived),
			slog.Int64("audit_deleted", auditDeleted),
		)
	}
}

// tickerLoop runs fn once immediately and then on every tick until the
// context is cancelled.
func (a *App) tickerLoop(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}
