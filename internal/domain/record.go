package domain

import "time"

// Step names a distinct on-chain (or exchange) effect the agent can
// produce for an entity. Idempotency is tracked per (entity, step).
type Step string

const (
	StepRequestLiquidation Step = "request_liquidation"
	StepBidAuction         Step = "bid_auction"
	StepClosePosition      Step = "close_position"
	StepResellOrder        Step = "resell_order"
	StepFinalSettlement    Step = "initiate_final_settlement"
	StepMutualizeLosses    Step = "mutualize_losses"
)

// RunOutcome is the recorded result of a submission attempt.
type RunOutcome string

const (
	OutcomeSubmitted RunOutcome = "submitted"
	OutcomeConfirmed RunOutcome = "confirmed"
	OutcomeReverted  RunOutcome = "reverted"
	OutcomeAmbiguous RunOutcome = "ambiguous"
	OutcomeFailed    RunOutcome = "failed" // broadcast itself failed; nothing on chain
)

// OnChainEffectPossible reports whether the outcome may have produced an
// on-chain effect. Such records suppress resubmission until the entity's
// state has been re-read.
func (o RunOutcome) OnChainEffectPossible() bool {
	return o == OutcomeSubmitted || o == OutcomeConfirmed || o == OutcomeAmbiguous
}

// RunRecord is the durable idempotency record for one (entity, step)
// pair. It survives restarts; the executor consults it before every
// submission and updates it after.
type RunRecord struct {
	EntityID       string
	Step           Step
	Outcome        RunOutcome
	TxHash         string
	LastSeenStatus string
	Attempts       int
	Detail         string
	UpdatedAt      time.Time
}
