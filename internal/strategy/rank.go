package strategy

import (
	"sort"

	"github.com/afplabs/liquidator/internal/domain"
)

// Rank orders intents by expected profit: larger captured discount
// first, nearest deadline breaking ties. A bigger edge beats an earlier
// deadline outright; urgency only decides between equals.
func Rank(intents []domain.BidIntent) []domain.BidIntent {
	out := make([]domain.BidIntent, len(intents))
	copy(out, intents)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DiscountBps != out[j].DiscountBps {
			return out[i].DiscountBps > out[j].DiscountBps
		}
		return out[i].DeadlineBlock < out[j].DeadlineBlock
	})
	return out
}
