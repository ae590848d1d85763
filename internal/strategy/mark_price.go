package strategy

import "github.com/afplabs/liquidator/internal/domain"

// MarkPrice bids every position at its current mark. It captures no
// price edge; the profit is whatever discount the auction mechanism
// itself grants as the account deteriorates. Useful as a conservative
// baseline and for keeping auctions moving in thin markets.
type MarkPrice struct {
	params Params
}

// NewMarkPrice creates the mark-price strategy.
func NewMarkPrice(params Params) *MarkPrice {
	return &MarkPrice{params: params}
}

// Name implements Strategy.
func (s *MarkPrice) Name() string { return "mark_price" }

// Evaluate implements Strategy.
func (s *MarkPrice) Evaluate(in Input) (domain.BidIntent, bool, error) {
	return evaluate(in, s.params, func(mark, _ float64) float64 {
		return mark
	})
}
