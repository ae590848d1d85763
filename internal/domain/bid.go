package domain

import "time"

// Side is the direction of a bid level or resale order.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// BidLevel is one product leg of an auction bid: take over Quantity of
// ProductID at Price. Quantity is signed the way the distressed account
// holds it; Side is the direction of the taking trade.
type BidLevel struct {
	ProductID string
	Side      Side
	Quantity  float64
	Price     float64
}

// BidIntent is a fully-priced decision to bid on one auction. It is
// produced by a strategy, consumed at most once by the executor, and
// never reused across cycles.
type BidIntent struct {
	AuctionID       string
	CollateralAsset string
	Levels          []BidLevel
	// EstEquityAfter and EstMarginAfter are the ledger's own estimate of
	// the bidder's margin state if every level fills.
	EstEquityAfter float64
	EstMarginAfter float64
	// DiscountBps is the captured equity headroom relative to mark, used
	// for ranking competing intents.
	DiscountBps    float64
	DeadlineBlock  uint64
	CreatedAt      time.Time
}

// Notional returns the total absolute value of all levels.
func (b BidIntent) Notional() float64 {
	var n float64
	for _, l := range b.Levels {
		q := l.Quantity
		if q < 0 {
			q = -q
		}
		n += q * l.Price
	}
	return n
}
