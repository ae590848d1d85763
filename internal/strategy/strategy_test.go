package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afplabs/liquidator/internal/domain"
)

func testParams() Params {
	return Params{
		DiscountBps:        500,
		SafetyBufferBps:    1000,
		MinDiscountBps:     100,
		MinBlocksRemaining: 10,
	}
}

func testInput() Input {
	return Input{
		Auction: domain.Auction{
			AccountID:       "0xdead",
			CollateralAsset: "0xusdc",
			Status:          domain.AuctionOpen,
			StartBlock:      0,
			DurationBlocks:  1000,
		},
		Positions: []domain.Position{
			{ProductID: "p1", Quantity: 10, TickSize: 0.01, PointValue: 1},
		},
		MarkPrices: map[string]float64{"p1": 100},
		Own:        domain.MarginAccount{Equity: 500, MaintenanceMargin: 100},
		MarginRate: 0.1,
		Exposure:   map[string]float64{},
		HeadBlock:  100,
		Now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDiscount_Evaluate_LongTakenBelowMark(t *testing.T) {
	s := NewDiscount(testParams())
	intent, ok, err := s.Evaluate(testInput())

	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, intent.Levels, 1)
	assert.Equal(t, "0xdead", intent.AuctionID)
	assert.Equal(t, domain.SideBid, intent.Levels[0].Side)
	assert.InDelta(t, 95.0, intent.Levels[0].Price, 1e-9)
	assert.InDelta(t, 500.0, intent.DiscountBps, 1e-6)
	assert.Equal(t, uint64(1000), intent.DeadlineBlock)
}

func TestDiscount_Evaluate_ShortTakenAboveMark(t *testing.T) {
	in := testInput()
	in.Positions = []domain.Position{
		{ProductID: "p1", Quantity: -10, TickSize: 0.01, PointValue: 1},
	}

	s := NewDiscount(testParams())
	intent, ok, err := s.Evaluate(in)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SideAsk, intent.Levels[0].Side)
	assert.InDelta(t, 105.0, intent.Levels[0].Price, 1e-9)
	// The captured edge is the same regardless of direction.
	assert.InDelta(t, 500.0, intent.DiscountBps, 1e-6)
}

func TestEvaluate_SafetyBufferRejectsUnsafeBid(t *testing.T) {
	in := testInput()
	// Post-takeover equity (0 + 50) would sit below the required margin
	// plus buffer ((150 + 100) * 1.1).
	in.Own = domain.MarginAccount{Equity: 0, MaintenanceMargin: 150}

	s := NewDiscount(testParams())
	_, ok, err := s.Evaluate(in)

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_SafetyBufferBoundary(t *testing.T) {
	// estEquityAfter = equity + 50, estMarginAfter = margin + 100.
	// With buffer 1000 bps the threshold is estMarginAfter * 1.1.
	p := testParams()
	s := NewDiscount(p)

	in := testInput()
	in.Own = domain.MarginAccount{Equity: 171, MaintenanceMargin: 100}
	// 221 clears 200 * 1.1.
	_, ok, err := s.Evaluate(in)
	require.NoError(t, err)
	assert.True(t, ok)

	in.Own.Equity = 169
	_, ok, err = s.Evaluate(in)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_MissingMarkPriceIsUndecidable(t *testing.T) {
	in := testInput()
	delete(in.MarkPrices, "p1")

	s := NewDiscount(testParams())
	_, ok, err := s.Evaluate(in)

	require.ErrorIs(t, err, domain.ErrStaleData)
	assert.False(t, ok)
}

func TestEvaluate_SkipsNonOpenAuction(t *testing.T) {
	for _, status := range []domain.AuctionStatus{
		domain.AuctionNotStarted,
		domain.AuctionBidAccepted,
		domain.AuctionResolved,
		domain.AuctionExpired,
	} {
		in := testInput()
		in.Auction.Status = status

		s := NewDiscount(testParams())
		_, ok, err := s.Evaluate(in)
		require.NoError(t, err)
		assert.False(t, ok, "status %s", status)
	}
}

func TestEvaluate_SkipsAuctionAboutToExpire(t *testing.T) {
	in := testInput()
	in.HeadBlock = 995 // 5 blocks left, minimum is 10

	s := NewDiscount(testParams())
	_, ok, err := s.Evaluate(in)

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_WaitsForEquityDecay(t *testing.T) {
	p := testParams()
	p.TargetEquityRatio = 0.5

	in := testInput()
	// Equity has shed 10 of 100 over the first 100 blocks while margin
	// grew 100 -> 110; extrapolated, the 0.5 ratio is ~900 blocks away.
	in.Auction.EquityAtStart = 100
	in.Auction.MarginAtStart = 100
	in.Auction.Equity = 90
	in.Auction.Margin = 110

	s := NewDiscount(p)
	_, ok, err := s.Evaluate(in)
	require.NoError(t, err)
	assert.False(t, ok)

	// Once the account sits at or below the target ratio the wait is
	// over and the bid goes out.
	p.TargetEquityRatio = 0.9
	s = NewDiscount(p)
	_, ok, err = s.Evaluate(in)
	require.NoError(t, err)
	assert.True(t, ok)

	// A zero ratio disables the gate entirely.
	p.TargetEquityRatio = 0
	s = NewDiscount(p)
	_, ok, err = s.Evaluate(in)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_ConcentrationCap(t *testing.T) {
	p := testParams()
	p.MaxProductNotional = 1500

	in := testInput()
	// Existing exposure 600 plus this leg's 1000 breaches the cap.
	in.Exposure = map[string]float64{"p1": 600}

	s := NewDiscount(p)
	_, ok, err := s.Evaluate(in)
	require.NoError(t, err)
	assert.False(t, ok)

	in.Exposure = map[string]float64{"p1": 400}
	_, ok, err = s.Evaluate(in)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_MinDiscountFloor(t *testing.T) {
	p := testParams()
	p.DiscountBps = 50
	p.MinDiscountBps = 100

	s := NewDiscount(p)
	_, ok, err := s.Evaluate(testInput())

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_RoundsToTick(t *testing.T) {
	p := testParams()
	p.DiscountBps = 333

	in := testInput()
	in.Positions[0].TickSize = 0.5

	s := NewDiscount(p)
	intent, ok, err := s.Evaluate(in)

	require.NoError(t, err)
	require.True(t, ok)
	// 100 * (1 - 0.0333) = 96.67 rounds to the nearest half tick.
	assert.InDelta(t, 96.5, intent.Levels[0].Price, 1e-9)
}

func TestMarkPrice_Evaluate(t *testing.T) {
	s := NewMarkPrice(Params{SafetyBufferBps: 1000, MinBlocksRemaining: 10})
	intent, ok, err := s.Evaluate(testInput())

	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 100.0, intent.Levels[0].Price, 1e-9)
	// No discount captured at mark.
	assert.InDelta(t, 0.0, intent.DiscountBps, 1e-9)
}

func TestRank_LargerDiscountBeatsNearerDeadline(t *testing.T) {
	far := domain.BidIntent{AuctionID: "far", DiscountBps: 800, DeadlineBlock: 600}
	near := domain.BidIntent{AuctionID: "near", DiscountBps: 500, DeadlineBlock: 60}

	ranked := Rank([]domain.BidIntent{near, far})

	require.Len(t, ranked, 2)
	assert.Equal(t, "far", ranked[0].AuctionID)
	assert.Equal(t, "near", ranked[1].AuctionID)
}

func TestRank_DeadlineBreaksTies(t *testing.T) {
	a := domain.BidIntent{AuctionID: "a", DiscountBps: 500, DeadlineBlock: 600}
	b := domain.BidIntent{AuctionID: "b", DiscountBps: 500, DeadlineBlock: 60}

	ranked := Rank([]domain.BidIntent{a, b})

	assert.Equal(t, "b", ranked[0].AuctionID)
	assert.Equal(t, "a", ranked[1].AuctionID)
}

func TestRank_DoesNotMutateInput(t *testing.T) {
	in := []domain.BidIntent{
		{AuctionID: "a", DiscountBps: 100},
		{AuctionID: "b", DiscountBps: 900},
	}
	_ = Rank(in)
	assert.Equal(t, "a", in[0].AuctionID)
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(testParams())

	s, err := r.Get("discount")
	require.NoError(t, err)
	assert.Equal(t, "discount", s.Name())

	s, err = r.Get("mark_price")
	require.NoError(t, err)
	assert.Equal(t, "mark_price", s.Name())

	_, err = r.Get("nonsense")
	assert.Error(t, err)
}
