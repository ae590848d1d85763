package domain

import "time"

// Position is one product leg of a margin account, as read from the
// ledger. Quantity is signed: positive long, negative short.
type Position struct {
	ProductID  string
	Symbol     string
	Quantity   float64
	AvgPrice   float64
	TickSize   float64
	PointValue float64
}

// HoldingStatus tracks whether a won-auction position is still on the
// agent's book.
type HoldingStatus string

const (
	HoldingOpen   HoldingStatus = "open"
	HoldingClosed HoldingStatus = "closed"
)

// Holding is a position the agent took over by winning an auction. It is
// persisted durably and unwound by the reseller over subsequent cycles.
type Holding struct {
	ID               string
	AuctionID        string
	ProductID        string
	Symbol           string
	CollateralAsset  string
	Quantity         float64 // signed; remaining to unwind
	AcquiredQuantity float64 // signed; as taken over
	AcquisitionPrice float64
	AcquiredAt       time.Time
	Status           HoldingStatus
	ClosedAt         *time.Time
	ExitPrice        *float64
}

// Remaining reports whether any quantity is still to be unwound.
func (h Holding) Remaining() bool {
	return h.Status == HoldingOpen && h.Quantity != 0
}

// UnwindSide returns the order side that reduces the holding.
func (h Holding) UnwindSide() Side {
	if h.Quantity > 0 {
		return SideAsk
	}
	return SideBid
}

// Overdue reports whether the holding has been on the book longer than
// maxAge, which forces an unwind at best available terms.
func (h Holding) Overdue(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(h.AcquiredAt) > maxAge
}
