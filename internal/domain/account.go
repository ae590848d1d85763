package domain

import "time"

// AccountHealth classifies a margin account snapshot.
type AccountHealth string

const (
	AccountHealthy      AccountHealth = "healthy"
	AccountLiquidatable AccountHealth = "liquidatable"
	AccountBankrupt     AccountHealth = "bankrupt"
	AccountInAuction    AccountHealth = "in_auction"
)

// MarginAccount is a point-in-time snapshot of a trader's margin state,
// read from the clearing ledger. Values are in collateral-asset units,
// already scaled down by the asset's decimals. Snapshots are never
// mutated; a fresh one is read each cycle.
type MarginAccount struct {
	AccountID         string
	VaultAddress      string
	CollateralAsset   string
	CollateralSymbol  string
	Decimals          uint8
	Equity            float64 // margin account equity (can be negative)
	MaintenanceMargin float64 // maintenance margin usage
	InAuction         bool
	FetchedAt         time.Time
}

// Liquidatable reports whether the account's equity has fallen below its
// maintenance margin requirement.
func (a MarginAccount) Liquidatable() bool {
	return a.Equity < a.MaintenanceMargin
}

// Bankrupt reports whether the account's losses exceed its collateral
// entirely while it still carries open positions.
func (a MarginAccount) Bankrupt() bool {
	return a.Equity < 0 && a.MaintenanceMargin > 0
}

// Health resolves the account's classification. An account already under
// auction is reported as in_auction regardless of its current margin
// numbers, so the scanner does not re-initiate liquidation for it.
func (a MarginAccount) Health() AccountHealth {
	switch {
	case a.InAuction:
		return AccountInAuction
	case a.Bankrupt():
		return AccountBankrupt
	case a.Liquidatable():
		return AccountLiquidatable
	default:
		return AccountHealthy
	}
}

// Stale reports whether the snapshot is older than maxAge at the given
// reference time. Stale snapshots must not be used for bid decisions.
func (a MarginAccount) Stale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(a.FetchedAt) > maxAge
}
