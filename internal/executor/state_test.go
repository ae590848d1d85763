package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afplabs/liquidator/internal/domain"
)

func recs(step domain.Step, outcome domain.RunOutcome) map[domain.Step]domain.RunRecord {
	return map[domain.Step]domain.RunRecord{
		step: {Step: step, Outcome: outcome},
	}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name         string
		status       domain.AuctionStatus
		recs         map[domain.Step]domain.RunRecord
		openHoldings int
		want         State
	}{
		{
			name:   "no auction and no request is discovered",
			status: domain.AuctionNotStarted,
			want:   StateDiscovered,
		},
		{
			name:   "request in flight is initiating",
			status: domain.AuctionNotStarted,
			recs:   recs(domain.StepRequestLiquidation, domain.OutcomeSubmitted),
			want:   StateInitiating,
		},
		{
			name:   "failed request broadcast allows rediscovery",
			status: domain.AuctionNotStarted,
			recs:   recs(domain.StepRequestLiquidation, domain.OutcomeFailed),
			want:   StateDiscovered,
		},
		{
			name:   "open auction with no pending bid is bidding",
			status: domain.AuctionOpen,
			want:   StateBidding,
		},
		{
			name:   "open auction with pending bid awaits result",
			status: domain.AuctionOpen,
			recs:   recs(domain.StepBidAuction, domain.OutcomeSubmitted),
			want:   StateAwaitingResult,
		},
		{
			name:   "open auction with reverted bid may bid again",
			status: domain.AuctionOpen,
			recs:   recs(domain.StepBidAuction, domain.OutcomeReverted),
			want:   StateBidding,
		},
		{
			name:   "accepted bid always awaits result",
			status: domain.AuctionBidAccepted,
			want:   StateAwaitingResult,
		},
		{
			name:         "resolved with confirmed bid and open holdings is reselling",
			status:       domain.AuctionResolved,
			recs:         recs(domain.StepBidAuction, domain.OutcomeConfirmed),
			openHoldings: 1,
			want:         StateReselling,
		},
		{
			name:   "resolved with confirmed bid and no holdings is won",
			status: domain.AuctionResolved,
			recs:   recs(domain.StepBidAuction, domain.OutcomeConfirmed),
			want:   StateWon,
		},
		{
			name:   "resolved with ambiguous bid verifies before concluding",
			status: domain.AuctionResolved,
			recs:   recs(domain.StepBidAuction, domain.OutcomeAmbiguous),
			want:   StateAwaitingResult,
		},
		{
			name:   "resolved without our bid is lost",
			status: domain.AuctionResolved,
			want:   StateLost,
		},
		{
			name:   "expired with ambiguous bid verifies before concluding",
			status: domain.AuctionExpired,
			recs:   recs(domain.StepBidAuction, domain.OutcomeAmbiguous),
			want:   StateAwaitingResult,
		},
		{
			name:   "expired without holdings is lost",
			status: domain.AuctionExpired,
			want:   StateLost,
		},
		{
			name:         "expired with open holdings keeps reselling",
			status:       domain.AuctionExpired,
			recs:         recs(domain.StepBidAuction, domain.OutcomeConfirmed),
			openHoldings: 2,
			want:         StateReselling,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Derive(domain.Auction{Status: tt.status}, tt.recs, tt.openHoldings)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDerive_UnknownStatusIsError(t *testing.T) {
	_, err := Derive(domain.Auction{Status: "garbage"}, nil, 0)
	assert.Error(t, err)
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	for _, s := range []State{
		StateDiscovered, StateInitiating, StateBidding,
		StateAwaitingResult, StateWon, StateLost, StateReselling,
	} {
		assert.False(t, s.Terminal(), "state %s", s)
	}
}
