package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/afplabs/liquidator/internal/domain"
	"github.com/afplabs/liquidator/internal/executor"
	"github.com/afplabs/liquidator/internal/ledger"
	"github.com/afplabs/liquidator/internal/reseller"
	"github.com/afplabs/liquidator/internal/scanner"
	"github.com/afplabs/liquidator/internal/strategy"
	"github.com/afplabs/liquidator/internal/tracker"
)

// cycleLockKey guards the scan-decide-act cycle across processes.
const cycleLockKey = "liquidation_cycle"

// HealthPinger signals liveness after a completed cycle.
type HealthPinger interface {
	Ping(ctx context.Context) error
}

// LiquidationConfig holds cycle-level parameters.
type LiquidationConfig struct {
	// OwnAccountID is the agent's own margin account (the signing address).
	OwnAccountID string
	// StrategyName selects the bid pricing strategy from the registry.
	StrategyName string
	// MaxConcurrentAuctions caps auctions pursued at once.
	MaxConcurrentAuctions int
	// Workers bounds per-auction fan-out within one cycle.
	Workers int
	// LockTTL bounds how long a crashed process can hold the cycle lock.
	LockTTL time.Duration
}

// LiquidationService runs the scan-decide-act cycle: classify accounts,
// open auctions for distressed ones, price and submit bids, settle
// resolved auctions, and advance resale of won positions.
type LiquidationService struct {
	scanner    *scanner.Scanner
	tracker    *tracker.Tracker
	strategies *strategy.Registry
	params     strategy.Params
	exec       *executor.Executor
	reseller   *reseller.Reseller
	ledger     ledger.Ledger
	holdings   domain.HoldingStore
	prices     domain.PriceCache
	locks      domain.LockManager
	audit      domain.AuditStore
	notifier   Notifier
	health     HealthPinger
	cfg        LiquidationConfig
	logger     *slog.Logger
}

// NewLiquidationService creates a LiquidationService with all required
// dependencies.
func NewLiquidationService(
	sc *scanner.Scanner,
	tr *tracker.Tracker,
	strategies *strategy.Registry,
	params strategy.Params,
	exec *executor.Executor,
	rs *reseller.Reseller,
	lg ledger.Ledger,
	holdings domain.HoldingStore,
	prices domain.PriceCache,
	locks domain.LockManager,
	audit domain.AuditStore,
	notifier Notifier,
	health HealthPinger,
	cfg LiquidationConfig,
	logger *slog.Logger,
) *LiquidationService {
	return &LiquidationService{
		scanner:    sc,
		tracker:    tr,
		strategies: strategies,
		params:     params,
		exec:       exec,
		reseller:   rs,
		ledger:     lg,
		holdings:   holdings,
		prices:     prices,
		locks:      locks,
		audit:      audit,
		notifier:   notifier,
		health:     health,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "liquidation_service")),
	}
}

// CycleSummary is what one completed cycle did.
type CycleSummary struct {
	Scanned    scanner.Result
	Initiated  int
	BidsPlaced int
	Settled    int
	Resale     reseller.Unwound
	Errors     int
}

// RunCycle executes one scan-decide-act cycle. Per-entity failures are
// classified and skipped; only whole-cycle failures (scan, lock) return
// an error. A cycle already running elsewhere is not an error.
func (s *LiquidationService) RunCycle(ctx context.Context) (CycleSummary, error) {
	unlock, err := s.locks.Acquire(ctx, cycleLockKey, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.InfoContext(ctx, "cycle already running elsewhere, skipping")
			return CycleSummary{}, nil
		}
		return CycleSummary{}, fmt.Errorf("liquidation_service: acquire cycle lock: %w", err)
	}
	defer unlock()

	var sum CycleSummary

	res, err := s.scanner.Scan(ctx)
	if err != nil {
		return sum, fmt.Errorf("liquidation_service: scan: %w", err)
	}
	sum.Scanned = res

	params, err := s.ledger.AuctionConfig(ctx)
	if err != nil {
		return sum, fmt.Errorf("liquidation_service: auction config: %w", err)
	}
	marginRate := params.RestorationBufferBps / 1e4

	s.initiate(ctx, res, &sum)
	s.seedTracker(ctx, res.InAuction)

	terminal, err := s.tracker.Reconcile(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "auction reconcile incomplete",
			slog.String("error", err.Error()),
		)
		sum.Errors++
	}

	s.bid(ctx, marginRate, &sum)
	s.settle(ctx, terminal, &sum)

	unwound, err := s.reseller.RunCycle(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "resale cycle failed",
			slog.String("error", err.Error()),
		)
		sum.Errors++
	}
	sum.Resale = unwound

	s.finish(ctx, sum)
	return sum, nil
}

// initiate opens auctions for liquidatable accounts not already in one,
// up to the concurrency cap.
func (s *LiquidationService) initiate(ctx context.Context, res scanner.Result, sum *CycleSummary) {
	budget := s.cfg.MaxConcurrentAuctions - len(s.tracker.Active()) - len(res.InAuction)

	for _, acct := range res.Liquidatable {
		if budget <= 0 {
			s.logger.InfoContext(ctx, "auction budget spent, deferring remaining candidates",
				slog.Int("deferred", len(res.Liquidatable)-sum.Initiated),
			)
			break
		}
		if err := s.exec.Initiate(ctx, acct); err != nil {
			s.classify(ctx, "initiate", acct.AccountID, err, sum)
			continue
		}
		sum.Initiated++
		budget--
	}
}

// seedTracker registers every in-auction account so Reconcile refreshes it.
func (s *LiquidationService) seedTracker(ctx context.Context, inAuction []domain.MarginAccount) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Workers, 1))

	for _, acct := range inAuction {
		if _, ok := s.tracker.Get(acct.AccountID); ok {
			continue
		}
		g.Go(func() error {
			a, err := s.ledger.AuctionData(gctx, acct.AccountID, acct.CollateralAsset)
			if err != nil {
				s.logger.WarnContext(gctx, "auction read failed",
					slog.String("account", acct.AccountID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			s.tracker.Track(a)
			return nil
		})
	}
	_ = g.Wait()
}

// bid prices every open auction, ranks the viable intents, and submits
// them best-first.
func (s *LiquidationService) bid(ctx context.Context, marginRate float64, sum *CycleSummary) {
	strat, err := s.strategies.Get(s.cfg.StrategyName)
	if err != nil {
		s.logger.ErrorContext(ctx, "unknown strategy",
			slog.String("strategy", s.cfg.StrategyName),
			slog.String("error", err.Error()),
		)
		sum.Errors++
		return
	}

	head, err := s.ledger.HeadBlock(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "head block read failed, skipping bids",
			slog.String("error", err.Error()),
		)
		sum.Errors++
		return
	}

	exposure := s.exposure(ctx)

	var intents []domain.BidIntent
	byAuction := make(map[string]domain.Auction)
	now := time.Now().UTC()

	for _, a := range s.tracker.Active() {
		if a.Status != domain.AuctionOpen {
			continue
		}
		in, err := s.buildInput(ctx, a, marginRate, exposure, head, now)
		if err != nil {
			s.classify(ctx, "price", a.ID(), err, sum)
			continue
		}
		intent, ok, err := strat.Evaluate(in)
		if err != nil {
			s.classify(ctx, "price", a.ID(), err, sum)
			continue
		}
		if !ok {
			continue
		}
		intents = append(intents, intent)
		byAuction[intent.AuctionID] = a
	}

	for _, intent := range strategy.Rank(intents) {
		a := byAuction[intent.AuctionID]
		if err := s.exec.Bid(ctx, a, intent); err != nil {
			s.classify(ctx, "bid", a.ID(), err, sum)
			continue
		}
		sum.BidsPlaced++
	}
}

// buildInput assembles the point-in-time snapshot one auction is priced
// against.
func (s *LiquidationService) buildInput(
	ctx context.Context,
	a domain.Auction,
	marginRate float64,
	exposure map[string]float64,
	head uint64,
	now time.Time,
) (strategy.Input, error) {
	positions, err := s.ledger.Positions(ctx, a.AccountID)
	if err != nil {
		return strategy.Input{}, err
	}

	decimals, err := s.ledger.CollateralDecimals(ctx, a.CollateralAsset)
	if err != nil {
		return strategy.Input{}, err
	}

	marks, err := s.markPrices(ctx, positions, decimals)
	if err != nil {
		return strategy.Input{}, err
	}

	own, err := s.ownAccount(ctx, a.CollateralAsset)
	if err != nil {
		return strategy.Input{}, err
	}

	return strategy.Input{
		Auction:    a,
		Positions:  positions,
		MarkPrices: marks,
		Own:        own,
		MarginRate: marginRate,
		Exposure:   exposure,
		HeadBlock:  head,
		Now:        now,
	}, nil
}

// markPrices resolves marks for the given positions, preferring the
// cache and falling back to the ledger (populating the cache on a miss).
func (s *LiquidationService) markPrices(ctx context.Context, positions []domain.Position, decimals uint8) (map[string]float64, error) {
	ids := make([]string, 0, len(positions))
	for _, p := range positions {
		ids = append(ids, p.ProductID)
	}

	marks, err := s.prices.GetPrices(ctx, ids)
	if err != nil {
		s.logger.WarnContext(ctx, "price cache read failed, reading ledger directly",
			slog.String("error", err.Error()),
		)
		marks = make(map[string]float64, len(ids))
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, ok := marks[id]; ok {
			continue
		}
		mark, err := s.ledger.MarkPrice(ctx, id, decimals)
		if err != nil {
			return nil, err
		}
		marks[id] = mark
		if err := s.prices.SetPrice(ctx, id, mark, now); err != nil {
			s.logger.WarnContext(ctx, "price cache write failed",
				slog.String("product", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return marks, nil
}

// ownAccount reads the agent's own margin snapshot for one collateral.
func (s *LiquidationService) ownAccount(ctx context.Context, collateral string) (domain.MarginAccount, error) {
	accts, err := s.ledger.MarginDataBatch(ctx, collateral, []string{s.cfg.OwnAccountID})
	if err != nil {
		return domain.MarginAccount{}, err
	}
	if len(accts) == 0 {
		return domain.MarginAccount{}, fmt.Errorf("own account %s: %w", s.cfg.OwnAccountID, domain.ErrNotFound)
	}
	return accts[0], nil
}

// exposure sums open holding notional per product, priced at acquisition.
func (s *LiquidationService) exposure(ctx context.Context) map[string]float64 {
	out := make(map[string]float64)
	open, err := s.holdings.ListOpen(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "open holdings read failed, assuming zero exposure",
			slog.String("error", err.Error()),
		)
		return out
	}
	for _, h := range open {
		out[h.ProductID] += math.Abs(h.Quantity) * h.AcquisitionPrice
	}
	return out
}

// settle advances every tracked auction through the state machine and
// drops finished ones.
func (s *LiquidationService) settle(ctx context.Context, terminal []domain.Auction, sum *CycleSummary) {
	seen := make(map[string]bool)
	all := append(s.tracker.Active(), terminal...)

	for _, a := range all {
		if seen[a.ID()] {
			continue
		}
		seen[a.ID()] = true

		state, err := s.exec.Settle(ctx, a)
		if err != nil {
			s.classify(ctx, "settle", a.ID(), err, sum)
			continue
		}
		if state.Terminal() {
			s.tracker.Remove(a.ID())
			sum.Settled++
		}
	}
}

// classify logs a per-entity failure by error class. Insufficient margin
// is a normal outcome, not an error.
func (s *LiquidationService) classify(ctx context.Context, op, entityID string, err error, sum *CycleSummary) {
	if errors.Is(err, domain.ErrInsufficientMargin) {
		s.logger.InfoContext(ctx, "bid not viable at safety threshold",
			slog.String("op", op),
			slog.String("entity", entityID),
		)
		return
	}

	class := domain.Classify(err)
	sum.Errors++
	s.logger.WarnContext(ctx, "entity skipped this cycle",
		slog.String("op", op),
		slog.String("entity", entityID),
		slog.String("class", string(class)),
		slog.String("error", err.Error()),
	)
	if class == domain.ErrorFatal {
		s.notifier.Notify(ctx, "error", "Liquidator needs attention",
			fmt.Sprintf("%s %s failed: %v", op, entityID, err))
	}
}

// finish records the cycle summary and signals liveness.
func (s *LiquidationService) finish(ctx context.Context, sum CycleSummary) {
	detail := map[string]any{
		"liquidatable":   len(sum.Scanned.Liquidatable),
		"bankrupt":       len(sum.Scanned.Bankrupt),
		"in_auction":     len(sum.Scanned.InAuction),
		"healthy":        sum.Scanned.Healthy,
		"skipped":        sum.Scanned.Skipped,
		"initiated":      sum.Initiated,
		"bids_placed":    sum.BidsPlaced,
		"settled":        sum.Settled,
		"resale_offered": sum.Resale.Offered,
		"resale_closed":  sum.Resale.Closed,
		"errors":         sum.Errors,
		"head_block":     sum.Scanned.HeadBlock,
	}
	if err := s.audit.Log(ctx, "cycle_summary", detail); err != nil {
		s.logger.ErrorContext(ctx, "audit log failed",
			slog.String("error", err.Error()),
		)
	}

	s.notifier.Notify(ctx, "cycle_summary", "Cycle complete",
		fmt.Sprintf("initiated=%d bids=%d settled=%d resale_closed=%d errors=%d",
			sum.Initiated, sum.BidsPlaced, sum.Settled, sum.Resale.Closed, sum.Errors))

	if err := s.health.Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "healthcheck ping failed",
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "cycle complete",
		slog.Int("initiated", sum.Initiated),
		slog.Int("bids_placed", sum.BidsPlaced),
		slog.Int("settled", sum.Settled),
		slog.Int("errors", sum.Errors),
	)
}
