package domain

import "time"

// ResaleOrder is a limit order unwinding part of a holding on the
// off-chain venue.
type ResaleOrder struct {
	ProductID string
	Side      Side
	Quantity  float64 // absolute
	Price     float64
	GoodFor   time.Duration
}

// OrderFill reports how much of a resale order executed before it lapsed.
type OrderFill struct {
	OrderID  string
	Filled   float64 // absolute
	AvgPrice float64
}
