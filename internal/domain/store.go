package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RunRecordStore persists idempotency records. One row per
// (entity, step); Upsert replaces the stored outcome and treats the
// passed record's Attempts as an increment (0 to update an outcome in
// place, 1 to count a fresh broadcast).
type RunRecordStore interface {
	Get(ctx context.Context, entityID string, step Step) (RunRecord, error)
	Upsert(ctx context.Context, rec RunRecord) error
	ListByEntity(ctx context.Context, entityID string) ([]RunRecord, error)
	ListTerminal(ctx context.Context, before time.Time, opts ListOpts) ([]RunRecord, error)
	DeleteTerminal(ctx context.Context, before time.Time) (int64, error)
}

// HoldingStore persists positions taken over through won auctions.
type HoldingStore interface {
	Create(ctx context.Context, h Holding) error
	Update(ctx context.Context, h Holding) error
	Close(ctx context.Context, id string, exitPrice float64) error
	GetByID(ctx context.Context, id string) (Holding, error)
	ListOpen(ctx context.Context) ([]Holding, error)
	ListByAuction(ctx context.Context, auctionID string) ([]Holding, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Holding, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of cycle activity.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
