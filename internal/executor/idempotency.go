package executor

import (
	"time"

	"github.com/afplabs/liquidator/internal/domain"
)

// submitDecision is the outcome of the pre-submission idempotency check.
type submitDecision int

const (
	// submitAllowed: no prior effect stands in the way.
	submitAllowed submitDecision = iota
	// submitSuppressed: a recent submission may already have had the
	// intended effect; do nothing this cycle.
	submitSuppressed
	// submitVerifyFirst: a prior submission's outcome is ambiguous; its
	// transaction must be re-verified before anything new is broadcast.
	submitVerifyFirst
	// submitExhausted: the bounded attempt budget for this step is spent.
	submitExhausted
)

// allowSubmission decides whether a new transaction for (entity, step)
// may be broadcast, given the durable record of the last attempt. The
// rules, in order:
//
//  1. No record: allowed.
//  2. Attempt budget spent: exhausted, regardless of outcome.
//  3. Ambiguous outcome: verify the recorded hash first, never resubmit
//     blindly.
//  4. A possible on-chain effect within the cooldown window: suppressed.
//  5. Otherwise (failed broadcast, reverted, or cooldown elapsed): allowed.
func allowSubmission(rec domain.RunRecord, found bool, now time.Time, cooldown time.Duration, maxAttempts int) submitDecision {
	if !found {
		return submitAllowed
	}
	if maxAttempts > 0 && rec.Attempts >= maxAttempts {
		return submitExhausted
	}
	if rec.Outcome == domain.OutcomeAmbiguous {
		return submitVerifyFirst
	}
	if rec.Outcome.OnChainEffectPossible() && now.Sub(rec.UpdatedAt) < cooldown {
		return submitSuppressed
	}
	return submitAllowed
}
