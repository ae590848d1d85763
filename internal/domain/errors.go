package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrStaleData          = errors.New("stale data")
	ErrAmbiguousOutcome   = errors.New("ambiguous transaction outcome")
	ErrReverted           = errors.New("transaction reverted")
	ErrInsufficientMargin = errors.New("insufficient margin for bid")
	ErrSigningFailed      = errors.New("signing failed")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrContextDone        = errors.New("context cancelled")
	ErrLockHeld           = errors.New("lock already held")
	ErrAttemptsExhausted  = errors.New("attempts exhausted")
)

// ErrorClass buckets a failure by how the agent should react to it.
type ErrorClass string

const (
	// ErrorTransient covers network and RPC hiccups. The entity is retried
	// on the next cycle, bounded by the run record attempt count.
	ErrorTransient ErrorClass = "transient"
	// ErrorReverted means the ledger rejected the transaction. The entity
	// is re-evaluated from fresh state; the same transaction is never
	// resubmitted blindly.
	ErrorReverted ErrorClass = "reverted"
	// ErrorAmbiguous means a transaction was broadcast but confirmation
	// never arrived. State must be re-read before any further action.
	ErrorAmbiguous ErrorClass = "ambiguous"
	// ErrorStale means a read returned data too old to act on. The entity
	// is skipped for this cycle only.
	ErrorStale ErrorClass = "stale"
	// ErrorFatal covers configuration and invariant failures that abort
	// the whole cycle.
	ErrorFatal ErrorClass = "fatal"
)

// Classify maps an error to the reaction class the cycle loop uses.
// Unknown errors are treated as transient so a flaky dependency cannot
// wedge an entity permanently.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrReverted):
		return ErrorReverted
	case errors.Is(err, ErrAmbiguousOutcome):
		return ErrorAmbiguous
	case errors.Is(err, ErrStaleData):
		return ErrorStale
	case errors.Is(err, ErrAttemptsExhausted), errors.Is(err, ErrSigningFailed):
		return ErrorFatal
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTransient
	default:
		return ErrorTransient
	}
}
