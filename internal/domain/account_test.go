package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMarginAccount_Health(t *testing.T) {
	tests := []struct {
		name string
		acct MarginAccount
		want AccountHealth
	}{
		{
			name: "equity below margin is liquidatable",
			acct: MarginAccount{Equity: 90, MaintenanceMargin: 100},
			want: AccountLiquidatable,
		},
		{
			name: "equity above margin is healthy",
			acct: MarginAccount{Equity: 110, MaintenanceMargin: 100},
			want: AccountHealthy,
		},
		{
			name: "equity equal to margin is healthy",
			acct: MarginAccount{Equity: 100, MaintenanceMargin: 100},
			want: AccountHealthy,
		},
		{
			name: "negative equity with margin required is bankrupt",
			acct: MarginAccount{Equity: -5, MaintenanceMargin: 10},
			want: AccountBankrupt,
		},
		{
			name: "negative equity with no positions is not bankrupt",
			acct: MarginAccount{Equity: -5, MaintenanceMargin: 0},
			want: AccountLiquidatable,
		},
		{
			name: "in auction overrides margin numbers",
			acct: MarginAccount{Equity: 90, MaintenanceMargin: 100, InAuction: true},
			want: AccountInAuction,
		},
		{
			name: "flat account with zero margin is healthy",
			acct: MarginAccount{Equity: 0, MaintenanceMargin: 0},
			want: AccountHealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.acct.Health())
		})
	}
}

func TestMarginAccount_Stale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	acct := MarginAccount{FetchedAt: now.Add(-45 * time.Second)}

	assert.False(t, acct.Stale(now, time.Minute))
	assert.True(t, acct.Stale(now, 30*time.Second))
	// Zero max age disables the check.
	assert.False(t, acct.Stale(now, 0))
}
