package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/afplabs/liquidator/internal/domain"
)

// Notifier delivers fire-and-forget event notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string)
}

// submitGuard wraps a one-shot on-chain submission with the durable run
// record so a retried cycle produces at most one effect per (entity, step).
type submitGuard struct {
	records          domain.RunRecordStore
	maxAttempts      int
	resubmitCooldown time.Duration
}

// run submits if and only if no prior attempt may still take effect.
// An ambiguous prior attempt is re-verified instead of resubmitted.
// Returns true when the step is confirmed on chain.
func (g *submitGuard) run(
	ctx context.Context,
	entityID string,
	step domain.Step,
	submit func(ctx context.Context) (string, error),
	await func(ctx context.Context, txHash string) error,
	log *slog.Logger,
) (bool, error) {
	rec, err := g.records.Get(ctx, entityID, step)
	found := true
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("service: load run record: %w", err)
		}
		found = false
	}

	now := time.Now().UTC()
	if found {
		if rec.Outcome == domain.OutcomeConfirmed {
			return true, nil
		}
		if g.maxAttempts > 0 && rec.Attempts >= g.maxAttempts {
			return false, fmt.Errorf("service: %s %s: %w", step, entityID, domain.ErrAttemptsExhausted)
		}
		if rec.Outcome == domain.OutcomeAmbiguous {
			if err := await(ctx, rec.TxHash); err != nil {
				if errors.Is(err, domain.ErrReverted) {
					g.save(ctx, entityID, step, domain.OutcomeReverted, rec.TxHash, 0, log)
				}
				return false, err
			}
			g.save(ctx, entityID, step, domain.OutcomeConfirmed, rec.TxHash, 0, log)
			return true, nil
		}
		if rec.Outcome.OnChainEffectPossible() && now.Sub(rec.UpdatedAt) < g.resubmitCooldown {
			log.DebugContext(ctx, "submission suppressed within cooldown",
				slog.String("step", string(step)),
			)
			return false, nil
		}
	}

	txHash, err := submit(ctx)
	if err != nil {
		g.save(ctx, entityID, step, domain.OutcomeFailed, "", 1, log)
		return false, err
	}
	g.save(ctx, entityID, step, domain.OutcomeSubmitted, txHash, 1, log)

	if err := await(ctx, txHash); err != nil {
		switch {
		case errors.Is(err, domain.ErrReverted):
			g.save(ctx, entityID, step, domain.OutcomeReverted, txHash, 0, log)
		default:
			g.save(ctx, entityID, step, domain.OutcomeAmbiguous, txHash, 0, log)
		}
		return false, err
	}
	g.save(ctx, entityID, step, domain.OutcomeConfirmed, txHash, 0, log)
	return true, nil
}

func (g *submitGuard) save(ctx context.Context, entityID string, step domain.Step, outcome domain.RunOutcome, txHash string, attemptDelta int, log *slog.Logger) {
	rec := domain.RunRecord{
		EntityID:  entityID,
		Step:      step,
		Outcome:   outcome,
		TxHash:    txHash,
		Attempts:  attemptDelta,
		UpdatedAt: time.Now().UTC(),
	}
	if err := g.records.Upsert(ctx, rec); err != nil {
		log.ErrorContext(ctx, "run record upsert failed",
			slog.String("entity", entityID),
			slog.String("step", string(step)),
			slog.String("error", err.Error()),
		)
	}
}
