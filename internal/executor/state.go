package executor

import (
	"fmt"

	"github.com/afplabs/liquidator/internal/domain"
)

// State is the agent-side lifecycle of one auction. The set is closed:
// every transition is handled explicitly and anything else is a bug.
type State string

const (
	// StateDiscovered: the account is liquidatable and no auction runs yet.
	StateDiscovered State = "discovered"
	// StateInitiating: a request-liquidation transaction is in flight or
	// unverified.
	StateInitiating State = "initiating"
	// StateBidding: the auction is open and no bid of ours is pending.
	StateBidding State = "bidding"
	// StateAwaitingResult: our bid (or someone's) is in; waiting for the
	// auction to resolve.
	StateAwaitingResult State = "awaiting_result"
	// StateWon: the auction resolved to our confirmed bid.
	StateWon State = "won"
	// StateLost: the auction resolved away from us or expired.
	StateLost State = "lost"
	// StateReselling: won positions are on our book, being unwound.
	StateReselling State = "reselling"
	// StateDone: nothing left to do for this auction.
	StateDone State = "done"
)

// Terminal reports whether the state admits no further work.
func (s State) Terminal() bool { return s == StateDone }

// Derive maps observed facts to the agent's state for one auction:
// the fresh chain status, our durable run records, and how many won
// holdings are still open. Pure, so every branch is testable.
func Derive(auction domain.Auction, recs map[domain.Step]domain.RunRecord, openHoldings int) (State, error) {
	reqRec, hasReq := recs[domain.StepRequestLiquidation]
	bidRec, hasBid := recs[domain.StepBidAuction]

	switch auction.Status {
	case domain.AuctionNotStarted:
		if hasReq && reqRec.Outcome.OnChainEffectPossible() {
			return StateInitiating, nil
		}
		return StateDiscovered, nil

	case domain.AuctionOpen:
		if hasBid && bidRec.Outcome.OnChainEffectPossible() {
			return StateAwaitingResult, nil
		}
		return StateBidding, nil

	case domain.AuctionBidAccepted:
		// A bid is locked in, ours or not. No further bids are legal.
		return StateAwaitingResult, nil

	case domain.AuctionResolved:
		if hasBid && bidRec.Outcome == domain.OutcomeConfirmed {
			if openHoldings > 0 {
				return StateReselling, nil
			}
			return StateWon, nil
		}
		if hasBid && bidRec.Outcome == domain.OutcomeAmbiguous {
			// The bid may have landed; verify before concluding.
			return StateAwaitingResult, nil
		}
		return StateLost, nil

	case domain.AuctionExpired:
		if hasBid && bidRec.Outcome == domain.OutcomeAmbiguous {
			return StateAwaitingResult, nil
		}
		if openHoldings > 0 {
			return StateReselling, nil
		}
		return StateLost, nil

	default:
		return StateDone, fmt.Errorf("executor: unhandled auction status %q", auction.Status)
	}
}
