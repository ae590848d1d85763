// Package reseller unwinds positions taken over through won auctions.
// Holdings are not kept as bets: each cycle a tranche of every open
// holding is offered at the current mark, either on the off-chain venue
// or directly against the ledger, until the book is flat.
package reseller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/afplabs/liquidator/internal/domain"
)

// Ledger is the chain surface the reseller needs for on-chain unwinds.
type Ledger interface {
	MarkPrice(ctx context.Context, productID string, decimals uint8) (float64, error)
	CollateralDecimals(ctx context.Context, asset string) (uint8, error)
	ProductListed(ctx context.Context, productID string) (bool, error)
	ClosePosition(ctx context.Context, productID string, quantity, limitPrice float64, decimals uint8) (string, error)
	AwaitConfirmation(ctx context.Context, txHash string) error
}

// Exchange places resale orders off-chain. Optional; when nil the
// reseller unwinds on-chain.
type Exchange interface {
	PlaceLimitOrder(ctx context.Context, ord domain.ResaleOrder) (domain.OrderFill, error)
}

// Config holds unwind parameters.
type Config struct {
	// TrancheFraction is the share of the acquired quantity offered per
	// cycle, in (0, 1].
	TrancheFraction float64
	// MaxHoldingAge forces a full unwind once exceeded.
	MaxHoldingAge time.Duration
	// OrderGoodFor bounds how long an off-chain order rests.
	OrderGoodFor time.Duration
	// MaxAttempts and ResubmitCooldown bound on-chain close retries.
	MaxAttempts      int
	ResubmitCooldown time.Duration
}

// Reseller unwinds open holdings one tranche per cycle.
type Reseller struct {
	ledger   Ledger
	exchange Exchange
	holdings domain.HoldingStore
	records  domain.RunRecordStore
	cfg      Config
	logger   *slog.Logger
}

// New creates a Reseller. exchange may be nil.
func New(
	ledger Ledger,
	exchange Exchange,
	holdings domain.HoldingStore,
	records domain.RunRecordStore,
	cfg Config,
	logger *slog.Logger,
) *Reseller {
	if cfg.TrancheFraction <= 0 || cfg.TrancheFraction > 1 {
		cfg.TrancheFraction = 1
	}
	return &Reseller{
		ledger:   ledger,
		exchange: exchange,
		holdings: holdings,
		records:  records,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "reseller")),
	}
}

// Unwound summarizes one cycle of resale activity.
type Unwound struct {
	Offered int
	Closed  int
	Skipped int
}

// RunCycle advances every open holding by one tranche. Per-holding
// failures are classified and skipped; they never abort the cycle.
func (r *Reseller) RunCycle(ctx context.Context) (Unwound, error) {
	open, err := r.holdings.ListOpen(ctx)
	if err != nil {
		return Unwound{}, fmt.Errorf("reseller: list open holdings: %w", err)
	}

	var out Unwound
	now := time.Now().UTC()
	for _, h := range open {
		if !h.Remaining() {
			continue
		}
		closed, err := r.unwind(ctx, h, now)
		if err != nil {
			out.Skipped++
			r.logger.WarnContext(ctx, "holding unwind failed; skipping this cycle",
				slog.String("holding", h.ID),
				slog.String("product", h.ProductID),
				slog.String("class", string(domain.Classify(err))),
				slog.String("error", err.Error()),
			)
			continue
		}
		out.Offered++
		if closed {
			out.Closed++
		}
	}

	if out.Offered > 0 || out.Skipped > 0 {
		r.logger.InfoContext(ctx, "resale cycle complete",
			slog.Int("offered", out.Offered),
			slog.Int("closed", out.Closed),
			slog.Int("skipped", out.Skipped),
		)
	}
	return out, nil
}

// unwind offers one tranche of the holding and updates the book with
// whatever filled. Returns true when the holding is now flat.
func (r *Reseller) unwind(ctx context.Context, h domain.Holding, now time.Time) (bool, error) {
	decimals, err := r.ledger.CollateralDecimals(ctx, h.CollateralAsset)
	if err != nil {
		return false, err
	}
	mark, err := r.ledger.MarkPrice(ctx, h.ProductID, decimals)
	if err != nil {
		return false, err
	}
	if mark <= 0 {
		return false, domain.ErrStaleData
	}

	qty := math.Abs(h.Quantity)
	tranche := math.Ceil(math.Abs(h.AcquiredQuantity) * r.cfg.TrancheFraction)
	if tranche > qty || h.Overdue(now, r.cfg.MaxHoldingAge) {
		// Overdue holdings are flattened in full at best available terms.
		tranche = qty
	}
	if tranche <= 0 {
		return false, nil
	}

	// Products the venue does not list can only be flattened against the
	// ledger, so the off-chain path is conditional on both.
	useVenue := r.exchange != nil
	if useVenue {
		listed, err := r.ledger.ProductListed(ctx, h.ProductID)
		if err != nil {
			return false, err
		}
		useVenue = listed
	}

	var filled, avgPrice float64
	if useVenue {
		filled, avgPrice, err = r.unwindOffChain(ctx, h, tranche, mark)
	} else {
		filled, avgPrice, err = r.unwindOnChain(ctx, h, tranche, mark, decimals)
	}
	if err != nil {
		return false, err
	}
	if filled <= 0 {
		return false, nil
	}

	remaining := qty - filled
	if remaining <= 0 {
		if err := r.holdings.Close(ctx, h.ID, avgPrice); err != nil {
			return false, fmt.Errorf("reseller: close holding: %w", err)
		}
		return true, nil
	}

	if h.Quantity > 0 {
		h.Quantity = remaining
	} else {
		h.Quantity = -remaining
	}
	if err := r.holdings.Update(ctx, h); err != nil {
		return false, fmt.Errorf("reseller: update holding: %w", err)
	}
	return false, nil
}

// unwindOffChain rests a limit order on the venue and reports the fill.
func (r *Reseller) unwindOffChain(ctx context.Context, h domain.Holding, qty, mark float64) (float64, float64, error) {
	fill, err := r.exchange.PlaceLimitOrder(ctx, domain.ResaleOrder{
		ProductID: h.ProductID,
		Side:      h.UnwindSide(),
		Quantity:  qty,
		Price:     mark,
		GoodFor:   r.cfg.OrderGoodFor,
	})
	if err != nil {
		return 0, 0, err
	}
	return fill.Filled, fill.AvgPrice, nil
}

// unwindOnChain closes the tranche against the ledger, gated by the
// run record so a retried cycle cannot double-close.
func (r *Reseller) unwindOnChain(ctx context.Context, h domain.Holding, qty, mark float64, decimals uint8) (float64, float64, error) {
	rec, err := r.records.Get(ctx, h.ID, domain.StepResellOrder)
	found := true
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return 0, 0, fmt.Errorf("reseller: load run record: %w", err)
		}
		found = false
	}

	now := time.Now().UTC()
	if found {
		if r.cfg.MaxAttempts > 0 && rec.Attempts >= r.cfg.MaxAttempts {
			return 0, 0, fmt.Errorf("reseller: close %s: %w", h.ID, domain.ErrAttemptsExhausted)
		}
		if rec.Outcome == domain.OutcomeAmbiguous {
			// Verify the old close before submitting another.
			if err := r.ledger.AwaitConfirmation(ctx, rec.TxHash); err != nil {
				return 0, 0, err
			}
			r.saveRecord(ctx, h.ID, domain.OutcomeConfirmed, rec.TxHash, 0)
			return qty, mark, nil
		}
		if rec.Outcome.OnChainEffectPossible() && now.Sub(rec.UpdatedAt) < r.cfg.ResubmitCooldown {
			return 0, 0, nil
		}
	}

	// Signed close quantity reduces the holding.
	closeQty := -qty
	if h.Quantity < 0 {
		closeQty = qty
	}

	txHash, err := r.ledger.ClosePosition(ctx, h.ProductID, closeQty, mark, decimals)
	if err != nil {
		r.saveRecord(ctx, h.ID, domain.OutcomeFailed, "", 1)
		return 0, 0, err
	}
	r.saveRecord(ctx, h.ID, domain.OutcomeSubmitted, txHash, 1)

	if err := r.ledger.AwaitConfirmation(ctx, txHash); err != nil {
		switch {
		case errors.Is(err, domain.ErrReverted):
			r.saveRecord(ctx, h.ID, domain.OutcomeReverted, txHash, 0)
		default:
			r.saveRecord(ctx, h.ID, domain.OutcomeAmbiguous, txHash, 0)
		}
		return 0, 0, err
	}
	r.saveRecord(ctx, h.ID, domain.OutcomeConfirmed, txHash, 0)
	return qty, mark, nil
}

func (r *Reseller) saveRecord(ctx context.Context, holdingID string, outcome domain.RunOutcome, txHash string, attemptDelta int) {
	rec := domain.RunRecord{
		EntityID:  holdingID,
		Step:      domain.StepResellOrder,
		Outcome:   outcome,
		TxHash:    txHash,
		Attempts:  attemptDelta,
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.records.Upsert(ctx, rec); err != nil {
		r.logger.ErrorContext(ctx, "run record upsert failed",
			slog.String("holding", holdingID),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()),
		)
	}
}
