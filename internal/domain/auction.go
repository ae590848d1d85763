package domain

import (
	"math"
	"time"
)

// AuctionStatus is the on-chain lifecycle of a liquidation auction.
type AuctionStatus string

const (
	AuctionNotStarted  AuctionStatus = "not_started"
	AuctionOpen        AuctionStatus = "open"
	AuctionBidAccepted AuctionStatus = "bid_accepted"
	AuctionResolved    AuctionStatus = "resolved"
	AuctionExpired     AuctionStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionResolved || s == AuctionExpired
}

// Auction is the agent's local shadow of an on-chain liquidation auction.
// It is reconciled against a fresh ledger read every cycle; the chain is
// authoritative and the shadow only moves forward.
type Auction struct {
	AccountID       string
	VaultAddress    string
	CollateralAsset string
	Status          AuctionStatus
	StartBlock      uint64
	DurationBlocks  uint64
	EquityAtStart   float64
	MarginAtStart   float64
	Equity          float64 // as of ObservedAt
	Margin          float64 // as of ObservedAt
	ObservedBlock   uint64
	ObservedAt      time.Time
}

// ID identifies an auction. The clearing ledger runs at most one auction
// per margin account, so the account id is the natural key.
func (a Auction) ID() string { return a.AccountID }

// DeadlineBlock is the last block at which bids are accepted.
func (a Auction) DeadlineBlock() uint64 {
	return a.StartBlock + a.DurationBlocks
}

// BlocksRemaining returns how many blocks are left before the auction
// expires, as of the given head block. Never negative.
func (a Auction) BlocksRemaining(head uint64) uint64 {
	deadline := a.DeadlineBlock()
	if head >= deadline {
		return 0
	}
	return deadline - head
}

// BlocksUntilProfitable estimates how many more blocks the auction needs
// to run before the deteriorating account reaches the target equity
// headroom. The auction price improves linearly as the account's equity
// decays relative to its margin requirement; extrapolating the observed
// decay from the start snapshot gives
//
//	t = (dEquity * duration * margin0) / (dMargin * equity0)
//
// Returns 0 when the auction is already attractive or the inputs do not
// admit the extrapolation (then the caller should just evaluate now).
func (a Auction) BlocksUntilProfitable(head uint64, targetRatio float64) uint64 {
	if a.EquityAtStart <= 0 || a.MarginAtStart <= 0 || a.Margin <= 0 {
		return 0
	}
	if a.Equity <= targetRatio*a.Margin {
		return 0
	}
	dEquity := a.EquityAtStart - a.Equity
	dMargin := a.Margin - a.MarginAtStart
	if dEquity <= 0 || dMargin <= 0 {
		return 0
	}
	t := (dEquity * float64(a.DurationBlocks) * a.MarginAtStart) / (dMargin * a.EquityAtStart)
	elapsed := float64(head - a.StartBlock)
	wait := math.Ceil(t) - elapsed
	if wait <= 0 {
		return 0
	}
	return uint64(wait)
}
