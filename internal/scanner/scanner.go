// Package scanner discovers liquidation candidates. It lists active
// accounts from the indexer, refreshes their margin state directly from
// the ledger, and classifies them. It never writes.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/afplabs/liquidator/internal/domain"
	"github.com/afplabs/liquidator/internal/indexer"
)

// AccountSource lists candidate accounts. Eventually consistent; used for
// discovery only.
type AccountSource interface {
	ActiveAccounts(ctx context.Context, first int) ([]indexer.ActiveAccount, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// MarginReader reads authoritative margin state from the ledger.
type MarginReader interface {
	HeadBlock(ctx context.Context) (uint64, error)
	MarginDataBatch(ctx context.Context, collateral string, accountIDs []string) ([]domain.MarginAccount, error)
}

// Config holds scan parameters.
type Config struct {
	BatchSize      int
	Workers        int
	MaxAccounts    int
	MaxLagBlocks   uint64
	MaxSnapshotAge time.Duration
}

// Result is one cycle's classification of every scanned account. Accounts
// whose fresh read failed are counted in Skipped, never classified as
// healthy.
type Result struct {
	Liquidatable []domain.MarginAccount
	Bankrupt     []domain.MarginAccount
	InAuction    []domain.MarginAccount
	Healthy      int
	Skipped      int
	HeadBlock    uint64
	IndexerLag   uint64
}

// Scanner classifies margin accounts once per cycle.
type Scanner struct {
	source AccountSource
	ledger MarginReader
	cfg    Config
	logger *slog.Logger
}

// New creates a Scanner.
func New(source AccountSource, ledger MarginReader, cfg Config, logger *slog.Logger) *Scanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAccounts <= 0 {
		cfg.MaxAccounts = 5000
	}
	return &Scanner{
		source: source,
		ledger: ledger,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scanner")),
	}
}

// Scan performs one classification pass. Per-batch read failures are
// logged and counted as skipped; only discovery failures abort the scan.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	accounts, err := s.source.ActiveAccounts(ctx, s.cfg.MaxAccounts)
	if err != nil {
		return Result{}, fmt.Errorf("scanner: list active accounts: %w", err)
	}

	head, err := s.ledger.HeadBlock(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("scanner: head block: %w", err)
	}

	res := Result{HeadBlock: head}

	if indexed, lagErr := s.source.LatestBlock(ctx); lagErr == nil && head > indexed {
		res.IndexerLag = head - indexed
		if s.cfg.MaxLagBlocks > 0 && res.IndexerLag > s.cfg.MaxLagBlocks {
			s.logger.WarnContext(ctx, "indexer lagging; discovery may be incomplete",
				slog.Uint64("lag_blocks", res.IndexerLag),
				slog.Uint64("max_lag_blocks", s.cfg.MaxLagBlocks),
			)
		}
	}

	// The viewer reads one collateral asset per call, batched.
	byCollateral := make(map[string][]string)
	for _, a := range accounts {
		byCollateral[a.CollateralAsset] = append(byCollateral[a.CollateralAsset], a.VaultAddress)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for collateral, ids := range byCollateral {
		for start := 0; start < len(ids); start += s.cfg.BatchSize {
			end := min(start+s.cfg.BatchSize, len(ids))
			batch := ids[start:end]
			g.Go(func() error {
				snaps, err := s.ledger.MarginDataBatch(gctx, collateral, batch)
				if err != nil {
					// Skip the batch this cycle; an unread account is
					// unknown, not healthy.
					s.logger.WarnContext(gctx, "margin batch read failed; skipping accounts",
						slog.String("collateral", collateral),
						slog.Int("accounts", len(batch)),
						slog.String("error", err.Error()),
					)
					mu.Lock()
					res.Skipped += len(batch)
					mu.Unlock()
					return nil
				}

				now := time.Now().UTC()
				mu.Lock()
				defer mu.Unlock()
				for _, snap := range snaps {
					if snap.Stale(now, s.cfg.MaxSnapshotAge) {
						res.Skipped++
						continue
					}
					switch snap.Health() {
					case domain.AccountInAuction:
						res.InAuction = append(res.InAuction, snap)
					case domain.AccountBankrupt:
						res.Bankrupt = append(res.Bankrupt, snap)
					case domain.AccountLiquidatable:
						res.Liquidatable = append(res.Liquidatable, snap)
					default:
						res.Healthy++
					}
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("scanner: scan: %w", err)
	}

	s.logger.InfoContext(ctx, "scan complete",
		slog.Int("scanned", len(accounts)),
		slog.Int("liquidatable", len(res.Liquidatable)),
		slog.Int("bankrupt", len(res.Bankrupt)),
		slog.Int("in_auction", len(res.InAuction)),
		slog.Int("healthy", res.Healthy),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}
