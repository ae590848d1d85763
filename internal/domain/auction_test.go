package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuctionStatus_Terminal(t *testing.T) {
	assert.False(t, AuctionNotStarted.Terminal())
	assert.False(t, AuctionOpen.Terminal())
	assert.False(t, AuctionBidAccepted.Terminal())
	assert.True(t, AuctionResolved.Terminal())
	assert.True(t, AuctionExpired.Terminal())
}

func TestAuction_BlocksRemaining(t *testing.T) {
	a := Auction{StartBlock: 100, DurationBlocks: 50}

	assert.Equal(t, uint64(150), a.DeadlineBlock())
	assert.Equal(t, uint64(50), a.BlocksRemaining(100))
	assert.Equal(t, uint64(1), a.BlocksRemaining(149))
	assert.Equal(t, uint64(0), a.BlocksRemaining(150))
	assert.Equal(t, uint64(0), a.BlocksRemaining(200))
}

func TestAuction_BlocksUntilProfitable(t *testing.T) {
	a := Auction{
		StartBlock:     100,
		DurationBlocks: 100,
		EquityAtStart:  100,
		MarginAtStart:  100,
		Equity:         90,
		Margin:         110,
	}

	// Already at or below the target ratio: evaluate now.
	assert.Equal(t, uint64(0), a.BlocksUntilProfitable(110, 0.9))

	// Still above the target: some wait expected.
	wait := a.BlocksUntilProfitable(110, 0.5)
	assert.Greater(t, wait, uint64(0))

	// No decay observed: nothing to extrapolate.
	flat := Auction{
		StartBlock: 100, DurationBlocks: 100,
		EquityAtStart: 100, MarginAtStart: 100,
		Equity: 100, Margin: 100,
	}
	assert.Equal(t, uint64(0), flat.BlocksUntilProfitable(110, 0.5))
}

func TestSide_Opposite(t *testing.T) {
	assert.Equal(t, SideAsk, SideBid.Opposite())
	assert.Equal(t, SideBid, SideAsk.Opposite())
}
