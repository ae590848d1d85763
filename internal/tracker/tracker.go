// Package tracker maintains the agent's local shadow of every auction it
// cares about. The shadow is reconciled against fresh ledger reads each
// cycle; the chain is authoritative and the shadow only moves forward.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/afplabs/liquidator/internal/domain"
)

// AuctionReader reads authoritative auction state from the ledger.
type AuctionReader interface {
	AuctionData(ctx context.Context, accountID, collateral string) (domain.Auction, error)
}

// Tracker holds tracked auctions keyed by auction id. Safe for
// concurrent use.
type Tracker struct {
	ledger  AuctionReader
	workers int
	logger  *slog.Logger

	mu       sync.RWMutex
	auctions map[string]domain.Auction
}

// New creates a Tracker. workers bounds reconcile concurrency.
func New(ledger AuctionReader, workers int, logger *slog.Logger) *Tracker {
	if workers <= 0 {
		workers = 4
	}
	return &Tracker{
		ledger:   ledger,
		workers:  workers,
		logger:   logger.With(slog.String("component", "tracker")),
		auctions: make(map[string]domain.Auction),
	}
}

// Track adds or refreshes an auction in the shadow. Once an auction has
// been observed terminal it never regresses: later observations with a
// non-terminal status are ignored.
func (t *Tracker) Track(a domain.Auction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.auctions[a.ID()]
	if ok && prev.Status.Terminal() && !a.Status.Terminal() {
		return
	}
	t.auctions[a.ID()] = a
}

// Get returns the tracked auction, if any.
func (t *Tracker) Get(id string) (domain.Auction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.auctions[id]
	return a, ok
}

// Active returns non-terminal tracked auctions, sorted by id for
// deterministic iteration.
func (t *Tracker) Active() []domain.Auction {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.Auction, 0, len(t.auctions))
	for _, a := range t.auctions {
		if !a.Status.Terminal() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Remove drops an auction from the shadow, after its terminal state has
// been settled.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.auctions, id)
}

// Reconcile refreshes every tracked auction from the ledger with bounded
// concurrency and returns the auctions that reached a terminal status.
// An auction whose read fails keeps its previous shadow state and is not
// acted on this cycle.
func (t *Tracker) Reconcile(ctx context.Context) ([]domain.Auction, error) {
	t.mu.RLock()
	snapshot := make([]domain.Auction, 0, len(t.auctions))
	for _, a := range t.auctions {
		snapshot = append(snapshot, a)
	}
	t.mu.RUnlock()

	var mu sync.Mutex
	var terminal []domain.Auction

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)

	for _, prev := range snapshot {
		g.Go(func() error {
			fresh, err := t.ledger.AuctionData(gctx, prev.AccountID, prev.CollateralAsset)
			if err != nil {
				t.logger.WarnContext(gctx, "auction refresh failed; keeping previous state",
					slog.String("auction", prev.ID()),
					slog.String("error", err.Error()),
				)
				return nil
			}

			t.Track(fresh)

			if fresh.Status.Terminal() {
				mu.Lock()
				terminal = append(terminal, fresh)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("tracker: reconcile: %w", err)
	}

	sort.Slice(terminal, func(i, j int) bool { return terminal[i].ID() < terminal[j].ID() })
	return terminal, nil
}
