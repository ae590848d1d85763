package strategy

import "github.com/afplabs/liquidator/internal/domain"

// Discount bids every position at mark shifted in the agent's favor by a
// configured fraction: longs are taken below mark, shorts above. The
// shift is what the agent earns for absorbing the distressed book.
type Discount struct {
	params Params
}

// NewDiscount creates the discount strategy.
func NewDiscount(params Params) *Discount {
	return &Discount{params: params}
}

// Name implements Strategy.
func (s *Discount) Name() string { return "discount" }

// Evaluate implements Strategy.
func (s *Discount) Evaluate(in Input) (domain.BidIntent, bool, error) {
	d := s.params.DiscountBps / 10_000
	return evaluate(in, s.params, func(mark, qty float64) float64 {
		if qty > 0 {
			return mark * (1 - d)
		}
		return mark * (1 + d)
	})
}
