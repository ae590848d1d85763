package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afplabs/liquidator/internal/domain"
)

type fakeAuctionReader struct {
	mu       sync.Mutex
	auctions map[string]domain.Auction
	errs     map[string]error
}

func (f *fakeAuctionReader) AuctionData(ctx context.Context, accountID, collateral string) (domain.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[accountID]; ok {
		return domain.Auction{}, err
	}
	return f.auctions[accountID], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openAuction(id string) domain.Auction {
	return domain.Auction{AccountID: id, CollateralAsset: "usdc", Status: domain.AuctionOpen}
}

func TestTracker_TerminalStatusNeverRegresses(t *testing.T) {
	tr := New(&fakeAuctionReader{}, 1, testLogger())

	resolved := openAuction("0xa")
	resolved.Status = domain.AuctionResolved
	tr.Track(resolved)

	// A late, out-of-order non-terminal observation is ignored.
	tr.Track(openAuction("0xa"))

	got, ok := tr.Get("0xa")
	require.True(t, ok)
	assert.Equal(t, domain.AuctionResolved, got.Status)
}

func TestTracker_ActiveExcludesTerminal(t *testing.T) {
	tr := New(&fakeAuctionReader{}, 1, testLogger())
	tr.Track(openAuction("0xb"))
	tr.Track(openAuction("0xa"))

	expired := openAuction("0xc")
	expired.Status = domain.AuctionExpired
	tr.Track(expired)

	active := tr.Active()
	require.Len(t, active, 2)
	// Sorted by id for deterministic iteration.
	assert.Equal(t, "0xa", active[0].AccountID)
	assert.Equal(t, "0xb", active[1].AccountID)
}

func TestTracker_ReconcileReturnsTerminal(t *testing.T) {
	resolved := openAuction("0xa")
	resolved.Status = domain.AuctionResolved

	reader := &fakeAuctionReader{auctions: map[string]domain.Auction{
		"0xa": resolved,
		"0xb": openAuction("0xb"),
	}}

	tr := New(reader, 2, testLogger())
	tr.Track(openAuction("0xa"))
	tr.Track(openAuction("0xb"))

	terminal, err := tr.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	assert.Equal(t, "0xa", terminal[0].AccountID)

	got, ok := tr.Get("0xa")
	require.True(t, ok)
	assert.Equal(t, domain.AuctionResolved, got.Status)
}

func TestTracker_ReconcileKeepsStateOnReadFailure(t *testing.T) {
	reader := &fakeAuctionReader{
		auctions: map[string]domain.Auction{},
		errs:     map[string]error{"0xa": errors.New("rpc timeout")},
	}

	tr := New(reader, 1, testLogger())
	tr.Track(openAuction("0xa"))

	terminal, err := tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, terminal)

	got, ok := tr.Get("0xa")
	require.True(t, ok)
	assert.Equal(t, domain.AuctionOpen, got.Status)
}

func TestTracker_Remove(t *testing.T) {
	tr := New(&fakeAuctionReader{}, 1, testLogger())
	tr.Track(openAuction("0xa"))
	tr.Remove("0xa")

	_, ok := tr.Get("0xa")
	assert.False(t, ok)
}
