package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest mark prices, keyed by
// product id.
type PriceCache interface {
	SetPrice(ctx context.Context, productID string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, productID string) (float64, time.Time, error)
	GetPrices(ctx context.Context, productIDs []string) (map[string]float64, error)
}

// LockManager provides distributed locking. The cycle loop holds a lock
// for the duration of a cycle so overlapping invocations cannot double-act.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
