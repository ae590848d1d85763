// Package strategy decides whether and how to bid on liquidation
// auctions. Strategies are pure: given the same inputs they produce the
// same intent, with no I/O and no clocks. Everything tunable is a
// parameter, not a constant.
package strategy

import (
	"math"
	"time"

	"github.com/afplabs/liquidator/internal/domain"
)

// Params holds the decision thresholds. All values come from
// configuration.
type Params struct {
	// DiscountBps is the equity headroom the discount strategy captures,
	// in basis points of the distressed account's remaining equity.
	DiscountBps float64
	// SafetyBufferBps: estimated post-takeover equity must exceed the
	// estimated required margin by this fraction of the margin.
	SafetyBufferBps float64
	// MinDiscountBps is the smallest captured discount worth bidding on.
	MinDiscountBps float64
	// MinBlocksRemaining skips auctions about to expire.
	MinBlocksRemaining uint64
	// MaxProductNotional caps per-product exposure across existing
	// holdings plus the candidate bid. Zero disables the check.
	MaxProductNotional float64
	// TargetEquityRatio delays bidding on a fresh auction until the
	// account's extrapolated equity decays below this fraction of its
	// required margin. Zero disables the wait and bids immediately.
	TargetEquityRatio float64
}

// Input is everything a strategy may consider. Snapshots only; the
// strategy never reaches out for fresh data.
type Input struct {
	Auction   domain.Auction
	Positions []domain.Position
	// MarkPrices maps product id to the current mark price. A missing
	// product makes the auction undecidable this cycle.
	MarkPrices map[string]float64
	// Own is the agent's own margin account snapshot.
	Own domain.MarginAccount
	// MarginRate is the maintenance margin requirement as a fraction of
	// notional, from the protocol's auction configuration.
	MarginRate float64
	// Exposure maps product id to the agent's current open notional from
	// holdings not yet unwound.
	Exposure  map[string]float64
	HeadBlock uint64
	Now       time.Time
}

// Strategy prices one auction. ok is false when the auction should be
// skipped; err reports undecidable input (e.g. a missing mark price),
// which skips the auction for this cycle only.
type Strategy interface {
	Name() string
	Evaluate(in Input) (intent domain.BidIntent, ok bool, err error)
}

// evaluate builds a full-takeover intent pricing every level with
// priceAt, then applies the safety and concentration rules shared by all
// strategies.
func evaluate(in Input, p Params, priceAt func(mark float64, qty float64) float64) (domain.BidIntent, bool, error) {
	a := in.Auction
	if a.Status != domain.AuctionOpen {
		return domain.BidIntent{}, false, nil
	}
	if a.BlocksRemaining(in.HeadBlock) < p.MinBlocksRemaining {
		return domain.BidIntent{}, false, nil
	}
	// A fresh auction may still be priced above the target: bidding now
	// would predictably be rejected, burning an attempt. Let it decay.
	if p.TargetEquityRatio > 0 && a.BlocksUntilProfitable(in.HeadBlock, p.TargetEquityRatio) > 0 {
		return domain.BidIntent{}, false, nil
	}
	if len(in.Positions) == 0 {
		return domain.BidIntent{}, false, nil
	}

	levels := make([]domain.BidLevel, 0, len(in.Positions))
	var expectedGain, notional float64
	var estMarginDelta float64

	for _, pos := range in.Positions {
		mark, ok := in.MarkPrices[pos.ProductID]
		if !ok || mark <= 0 {
			return domain.BidIntent{}, false, domain.ErrStaleData
		}

		price := priceAt(mark, pos.Quantity)
		if pos.TickSize > 0 {
			price = roundToTick(price, pos.TickSize)
		}
		if price <= 0 {
			return domain.BidIntent{}, false, nil
		}

		side := domain.SideBid
		if pos.Quantity < 0 {
			side = domain.SideAsk
		}

		absQty := math.Abs(pos.Quantity)
		pointValue := pos.PointValue
		if pointValue <= 0 {
			pointValue = 1
		}

		// Taking a long below mark (or a short above) locks in the gap.
		gain := (mark - price) * pos.Quantity * pointValue
		expectedGain += gain
		notional += absQty * mark * pointValue
		estMarginDelta += absQty * mark * pointValue * in.MarginRate

		// Concentration: existing exposure plus this leg.
		if p.MaxProductNotional > 0 {
			if in.Exposure[pos.ProductID]+absQty*mark*pointValue > p.MaxProductNotional {
				return domain.BidIntent{}, false, nil
			}
		}

		levels = append(levels, domain.BidLevel{
			ProductID: pos.ProductID,
			Side:      side,
			Quantity:  pos.Quantity,
			Price:     price,
		})
	}

	if notional <= 0 {
		return domain.BidIntent{}, false, nil
	}

	estEquityAfter := in.Own.Equity + expectedGain
	estMarginAfter := in.Own.MaintenanceMargin + estMarginDelta

	// Post-takeover equity must clear the required margin plus the
	// configured buffer, or the bid is not safe to win.
	if estEquityAfter < estMarginAfter*(1+p.SafetyBufferBps/10_000) {
		return domain.BidIntent{}, false, nil
	}

	discountBps := expectedGain / notional * 10_000
	if discountBps < p.MinDiscountBps {
		return domain.BidIntent{}, false, nil
	}

	return domain.BidIntent{
		AuctionID:       a.ID(),
		CollateralAsset: a.CollateralAsset,
		Levels:          levels,
		EstEquityAfter:  estEquityAfter,
		EstMarginAfter:  estMarginAfter,
		DiscountBps:     discountBps,
		DeadlineBlock:   a.DeadlineBlock(),
		CreatedAt:       in.Now,
	}, true, nil
}

// roundToTick rounds price to the nearest tick, away from extremes.
func roundToTick(price, tick float64) float64 {
	return math.Round(price/tick) * tick
}
