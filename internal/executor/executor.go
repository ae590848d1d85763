// Package executor drives auctions through the agent's lifecycle:
// discovered → initiating → bidding → awaiting_result → won|lost →
// reselling → done. Every on-chain submission is gated by a durable run
// record so a retried cycle produces at most one effect per step.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/afplabs/liquidator/internal/domain"
)

// Ledger is the chain surface the executor needs.
type Ledger interface {
	AuctionData(ctx context.Context, accountID, collateral string) (domain.Auction, error)
	Positions(ctx context.Context, accountID string) ([]domain.Position, error)
	CollateralDecimals(ctx context.Context, asset string) (uint8, error)
	EstimateAfterBid(ctx context.Context, levels []domain.BidLevel, decimals uint8) (equity, margin float64, err error)
	IsLiquidating(ctx context.Context, accountID string) (bool, error)
	RequestLiquidation(ctx context.Context, accountID string) (string, error)
	BidAuction(ctx context.Context, accountID string, levels []domain.BidLevel, decimals uint8) (string, error)
	AwaitConfirmation(ctx context.Context, txHash string) error
}

// Notifier delivers fire-and-forget event notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string)
}

// Config holds execution parameters.
type Config struct {
	MaxAttempts      int
	ResubmitCooldown time.Duration
	SafetyBufferBps  float64
}

// Executor advances one auction at a time. Callers fan out over
// independent auctions; the ledger's submitter serializes the actual
// broadcasts underneath.
type Executor struct {
	ledger   Ledger
	records  domain.RunRecordStore
	holdings domain.HoldingStore
	audit    domain.AuditStore
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
}

// New creates an Executor.
func New(
	ledger Ledger,
	records domain.RunRecordStore,
	holdings domain.HoldingStore,
	audit domain.AuditStore,
	notifier Notifier,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		ledger:   ledger,
		records:  records,
		holdings: holdings,
		audit:    audit,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// Initiate starts an auction for a liquidatable account. Safe to call
// every cycle: the run record suppresses duplicate submissions.
func (e *Executor) Initiate(ctx context.Context, acct domain.MarginAccount) error {
	log := e.logger.With(slog.String("account", acct.AccountID))

	proceed, err := e.gate(ctx, acct.AccountID, domain.StepRequestLiquidation, log)
	if err != nil || !proceed {
		return err
	}

	// The scan snapshot can lag a freshly opened auction; a request on a
	// running auction is a guaranteed revert, so re-check right here.
	running, err := e.ledger.IsLiquidating(ctx, acct.AccountID)
	if err != nil {
		return fmt.Errorf("executor: is liquidating: %w", err)
	}
	if running {
		log.DebugContext(ctx, "auction already running; not requesting another")
		return nil
	}

	submit := func(ctx context.Context) (string, error) {
		return e.ledger.RequestLiquidation(ctx, acct.AccountID)
	}
	return e.submitStep(ctx, acct.AccountID, domain.StepRequestLiquidation, "",
		string(domain.AuctionNotStarted), submit, log)
}

// Bid submits the intent's levels for an open auction. The ledger's own
// post-trade estimate is re-checked right before broadcast; the
// strategy's local estimate is advisory only.
func (e *Executor) Bid(ctx context.Context, auction domain.Auction, intent domain.BidIntent) error {
	log := e.logger.With(slog.String("auction", auction.ID()))

	// Monotonic: a terminal or already-locked auction never gets a bid.
	if auction.Status != domain.AuctionOpen {
		log.DebugContext(ctx, "auction not open; skipping bid",
			slog.String("status", string(auction.Status)))
		return nil
	}

	proceed, err := e.gate(ctx, auction.ID(), domain.StepBidAuction, log)
	if err != nil || !proceed {
		return err
	}

	decimals, err := e.ledger.CollateralDecimals(ctx, auction.CollateralAsset)
	if err != nil {
		return fmt.Errorf("executor: collateral decimals: %w", err)
	}

	equity, margin, err := e.ledger.EstimateAfterBid(ctx, intent.Levels, decimals)
	if err != nil {
		return fmt.Errorf("executor: estimate after bid: %w", err)
	}
	if equity < margin*(1+e.cfg.SafetyBufferBps/10_000) {
		log.InfoContext(ctx, "bid fails margin safety check; not bidding",
			slog.Float64("est_equity", equity),
			slog.Float64("est_margin", margin),
		)
		return domain.ErrInsufficientMargin
	}

	detail, _ := json.Marshal(intent.Levels)
	submit := func(ctx context.Context) (string, error) {
		return e.ledger.BidAuction(ctx, auction.ID(), intent.Levels, decimals)
	}
	return e.submitStep(ctx, auction.ID(), domain.StepBidAuction, string(detail),
		string(auction.Status), submit, log)
}

// Settle handles a terminal auction: creates holdings for a won bid,
// verifies ambiguous bids, and reports losses. It returns the resulting
// state so the caller can decide whether to stop tracking the auction.
func (e *Executor) Settle(ctx context.Context, auction domain.Auction) (State, error) {
	log := e.logger.With(slog.String("auction", auction.ID()))

	recs, err := e.recordMap(ctx, auction.ID())
	if err != nil {
		return StateDone, err
	}
	existing, err := e.holdings.ListByAuction(ctx, auction.ID())
	if err != nil {
		return StateDone, fmt.Errorf("executor: list holdings: %w", err)
	}
	open := 0
	for _, h := range existing {
		if h.Remaining() {
			open++
		}
	}

	state, err := Derive(auction, recs, open)
	if err != nil {
		return state, err
	}

	switch state {
	case StateAwaitingResult:
		// Only reachable here with an ambiguous bid on a terminal
		// auction: resolve the old transaction before concluding.
		if rec, ok := recs[domain.StepBidAuction]; ok && rec.Outcome == domain.OutcomeAmbiguous {
			rec.LastSeenStatus = string(auction.Status)
			if err := e.verify(ctx, rec, log); err != nil {
				return state, err
			}
		}
		return state, nil

	case StateWon:
		if len(existing) > 0 {
			// Holdings already created on a previous cycle; once they are
			// all closed there is nothing left to do.
			if open == 0 {
				return StateDone, nil
			}
			return StateReselling, nil
		}
		if err := e.bookHoldings(ctx, auction, recs[domain.StepBidAuction], log); err != nil {
			return state, err
		}
		e.auditLog(ctx, "auction_won", map[string]any{
			"auction":    auction.ID(),
			"collateral": auction.CollateralAsset,
		})
		e.notifier.Notify(ctx, "auction_won", "Auction won",
			fmt.Sprintf("Account %s: bid accepted, positions booked for resale.", auction.ID()))
		return StateReselling, nil

	case StateLost:
		e.auditLog(ctx, "auction_lost", map[string]any{
			"auction": auction.ID(),
			"status":  string(auction.Status),
		})
		e.notifier.Notify(ctx, "auction_lost", "Auction lost",
			fmt.Sprintf("Account %s: auction %s without our bid winning.", auction.ID(), auction.Status))
		return StateDone, nil

	case StateReselling:
		if open == 0 {
			return StateDone, nil
		}
		return StateReselling, nil

	default:
		return state, nil
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// gate applies the idempotency rules for (entity, step). It returns
// proceed=false when nothing should be broadcast this cycle, having
// already handled any required verification.
func (e *Executor) gate(ctx context.Context, entityID string, step domain.Step, log *slog.Logger) (bool, error) {
	rec, err := e.records.Get(ctx, entityID, step)
	found := true
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("executor: load run record: %w", err)
		}
		found = false
	}

	switch allowSubmission(rec, found, time.Now().UTC(), e.cfg.ResubmitCooldown, e.cfg.MaxAttempts) {
	case submitAllowed:
		return true, nil
	case submitSuppressed:
		log.DebugContext(ctx, "submission suppressed by run record",
			slog.String("step", string(step)),
			slog.String("outcome", string(rec.Outcome)),
		)
		return false, nil
	case submitVerifyFirst:
		return false, e.verify(ctx, rec, log)
	case submitExhausted:
		log.WarnContext(ctx, "attempt budget exhausted",
			slog.String("step", string(step)),
			slog.Int("attempts", rec.Attempts),
		)
		return false, fmt.Errorf("executor: %s for %s: %w", step, entityID, domain.ErrAttemptsExhausted)
	default:
		return false, nil
	}
}

// submitStep broadcasts one transaction and tracks its outcome through
// the run record: submitted → confirmed | reverted | ambiguous. A failed
// broadcast is recorded too, so attempts stay bounded.
func (e *Executor) submitStep(
	ctx context.Context,
	entityID string,
	step domain.Step,
	detail string,
	lastSeen string,
	submit func(context.Context) (string, error),
	log *slog.Logger,
) error {
	txHash, err := submit(ctx)
	if err != nil {
		e.saveRecord(ctx, entityID, step, domain.OutcomeFailed, "", detail, lastSeen, 1, log)
		return fmt.Errorf("executor: submit %s: %w", step, err)
	}
	e.saveRecord(ctx, entityID, step, domain.OutcomeSubmitted, txHash, detail, lastSeen, 1, log)

	err = e.ledger.AwaitConfirmation(ctx, txHash)
	switch {
	case err == nil:
		e.saveRecord(ctx, entityID, step, domain.OutcomeConfirmed, txHash, detail, lastSeen, 0, log)
		log.InfoContext(ctx, "transaction confirmed",
			slog.String("step", string(step)),
			slog.String("tx", txHash),
		)
		return nil
	case errors.Is(err, domain.ErrReverted):
		e.saveRecord(ctx, entityID, step, domain.OutcomeReverted, txHash, detail, lastSeen, 0, log)
		log.WarnContext(ctx, "transaction reverted",
			slog.String("step", string(step)),
			slog.String("tx", txHash),
		)
		return err
	case errors.Is(err, domain.ErrAmbiguousOutcome):
		// The tx may still land. Record it and let the next cycle verify
		// from fresh state; never resubmit on top of it.
		e.saveRecord(ctx, entityID, step, domain.OutcomeAmbiguous, txHash, detail, lastSeen, 0, log)
		log.WarnContext(ctx, "transaction outcome ambiguous; will verify next cycle",
			slog.String("step", string(step)),
			slog.String("tx", txHash),
		)
		return err
	default:
		e.saveRecord(ctx, entityID, step, domain.OutcomeAmbiguous, txHash, detail, lastSeen, 0, log)
		return fmt.Errorf("executor: confirm %s: %w", step, err)
	}
}

// verify re-checks a previously ambiguous transaction by its hash and
// settles the record one way or the other. Still-ambiguous outcomes stay
// recorded and keep suppressing resubmission.
func (e *Executor) verify(ctx context.Context, rec domain.RunRecord, log *slog.Logger) error {
	err := e.ledger.AwaitConfirmation(ctx, rec.TxHash)
	switch {
	case err == nil:
		e.saveRecord(ctx, rec.EntityID, rec.Step, domain.OutcomeConfirmed, rec.TxHash, rec.Detail, rec.LastSeenStatus, 0, log)
		log.InfoContext(ctx, "ambiguous transaction confirmed on re-check",
			slog.String("step", string(rec.Step)),
			slog.String("tx", rec.TxHash),
		)
		return nil
	case errors.Is(err, domain.ErrReverted):
		e.saveRecord(ctx, rec.EntityID, rec.Step, domain.OutcomeReverted, rec.TxHash, rec.Detail, rec.LastSeenStatus, 0, log)
		return err
	default:
		return fmt.Errorf("executor: verify %s: %w", rec.Step, err)
	}
}

// saveRecord upserts the durable run record; failures are logged loudly
// but do not mask the submission outcome.
func (e *Executor) saveRecord(ctx context.Context, entityID string, step domain.Step, outcome domain.RunOutcome, txHash, detail, lastSeen string, attemptDelta int, log *slog.Logger) {
	rec := domain.RunRecord{
		EntityID:       entityID,
		Step:           step,
		Outcome:        outcome,
		TxHash:         txHash,
		LastSeenStatus: lastSeen,
		Detail:         detail,
		Attempts:       attemptDelta,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := e.records.Upsert(ctx, rec); err != nil {
		log.ErrorContext(ctx, "run record upsert failed",
			slog.String("step", string(step)),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()),
		)
	}
}

// bookHoldings persists the won bid's levels as open holdings. The
// levels are recovered from the bid record's detail payload.
func (e *Executor) bookHoldings(ctx context.Context, auction domain.Auction, bidRec domain.RunRecord, log *slog.Logger) error {
	var levels []domain.BidLevel
	if bidRec.Detail != "" {
		if err := json.Unmarshal([]byte(bidRec.Detail), &levels); err != nil {
			return fmt.Errorf("executor: decode bid levels: %w", err)
		}
	}
	if len(levels) == 0 {
		// A won auction with no recorded levels should not happen; fall
		// back to the signer's live positions next cycle.
		log.WarnContext(ctx, "won auction has no recorded bid levels")
		return nil
	}

	now := time.Now().UTC()
	for _, l := range levels {
		h := domain.Holding{
			ID:               uuid.New().String(),
			AuctionID:        auction.ID(),
			ProductID:        l.ProductID,
			CollateralAsset:  auction.CollateralAsset,
			Quantity:         l.Quantity,
			AcquiredQuantity: l.Quantity,
			AcquisitionPrice: l.Price,
			AcquiredAt:       now,
			Status:           domain.HoldingOpen,
		}
		if err := e.holdings.Create(ctx, h); err != nil {
			return fmt.Errorf("executor: create holding: %w", err)
		}
	}
	log.InfoContext(ctx, "holdings booked",
		slog.Int("levels", len(levels)),
	)
	return nil
}

func (e *Executor) recordMap(ctx context.Context, entityID string) (map[domain.Step]domain.RunRecord, error) {
	list, err := e.records.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("executor: list run records: %w", err)
	}
	out := make(map[domain.Step]domain.RunRecord, len(list))
	for _, r := range list {
		out[r.Step] = r
	}
	return out, nil
}

func (e *Executor) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
