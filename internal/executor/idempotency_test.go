package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/afplabs/liquidator/internal/domain"
)

func TestAllowSubmission(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cooldown := 5 * time.Minute

	tests := []struct {
		name  string
		rec   domain.RunRecord
		found bool
		want  submitDecision
	}{
		{
			name: "no record allows submission",
			want: submitAllowed,
		},
		{
			name:  "recent submitted record is suppressed",
			rec:   domain.RunRecord{Outcome: domain.OutcomeSubmitted, Attempts: 1, UpdatedAt: now.Add(-time.Minute)},
			found: true,
			want:  submitSuppressed,
		},
		{
			name:  "recent confirmed record is suppressed",
			rec:   domain.RunRecord{Outcome: domain.OutcomeConfirmed, Attempts: 1, UpdatedAt: now.Add(-time.Minute)},
			found: true,
			want:  submitSuppressed,
		},
		{
			name:  "ambiguous outcome must be verified first",
			rec:   domain.RunRecord{Outcome: domain.OutcomeAmbiguous, Attempts: 1, UpdatedAt: now.Add(-time.Hour)},
			found: true,
			want:  submitVerifyFirst,
		},
		{
			name:  "reverted attempt allows retry",
			rec:   domain.RunRecord{Outcome: domain.OutcomeReverted, Attempts: 1, UpdatedAt: now.Add(-time.Minute)},
			found: true,
			want:  submitAllowed,
		},
		{
			name:  "failed broadcast allows retry",
			rec:   domain.RunRecord{Outcome: domain.OutcomeFailed, Attempts: 1, UpdatedAt: now.Add(-time.Second)},
			found: true,
			want:  submitAllowed,
		},
		{
			name:  "cooldown elapsed allows resubmission",
			rec:   domain.RunRecord{Outcome: domain.OutcomeSubmitted, Attempts: 1, UpdatedAt: now.Add(-time.Hour)},
			found: true,
			want:  submitAllowed,
		},
		{
			name:  "attempt budget spent is exhausted",
			rec:   domain.RunRecord{Outcome: domain.OutcomeReverted, Attempts: 3, UpdatedAt: now.Add(-time.Hour)},
			found: true,
			want:  submitExhausted,
		},
		{
			name:  "budget check precedes ambiguity check",
			rec:   domain.RunRecord{Outcome: domain.OutcomeAmbiguous, Attempts: 3, UpdatedAt: now.Add(-time.Hour)},
			found: true,
			want:  submitExhausted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := allowSubmission(tt.rec, tt.found, now, cooldown, 3)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllowSubmission_ZeroMaxAttemptsNeverExhausts(t *testing.T) {
	now := time.Now().UTC()
	rec := domain.RunRecord{Outcome: domain.OutcomeReverted, Attempts: 99, UpdatedAt: now.Add(-time.Hour)}
	got := allowSubmission(rec, true, now, time.Minute, 0)
	assert.Equal(t, submitAllowed, got)
}
