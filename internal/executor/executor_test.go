package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afplabs/liquidator/internal/domain"
)

type fakeLedger struct {
	liquidating bool
	reqCalls    int
	bidCalls    int
	confirmErrs []error // popped per AwaitConfirmation; empty means confirmed
	awaited     []string
	estEquity   float64
	estMargin   float64
}

func (f *fakeLedger) AuctionData(ctx context.Context, accountID, collateral string) (domain.Auction, error) {
	return domain.Auction{}, nil
}

func (f *fakeLedger) Positions(ctx context.Context, accountID string) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakeLedger) CollateralDecimals(ctx context.Context, asset string) (uint8, error) {
	return 6, nil
}

func (f *fakeLedger) EstimateAfterBid(ctx context.Context, levels []domain.BidLevel, decimals uint8) (float64, float64, error) {
	return f.estEquity, f.estMargin, nil
}

func (f *fakeLedger) IsLiquidating(ctx context.Context, accountID string) (bool, error) {
	return f.liquidating, nil
}

func (f *fakeLedger) RequestLiquidation(ctx context.Context, accountID string) (string, error) {
	f.reqCalls++
	return "0xreq", nil
}

func (f *fakeLedger) BidAuction(ctx context.Context, accountID string, levels []domain.BidLevel, decimals uint8) (string, error) {
	f.bidCalls++
	return "0xbid", nil
}

func (f *fakeLedger) AwaitConfirmation(ctx context.Context, txHash string) error {
	f.awaited = append(f.awaited, txHash)
	if len(f.confirmErrs) == 0 {
		return nil
	}
	err := f.confirmErrs[0]
	f.confirmErrs = f.confirmErrs[1:]
	return err
}

// memRecordStore mirrors the database upsert: attempts accumulate, an
// empty tx hash or detail never erases a recorded one, and the observed
// status always moves to the latest write.
type memRecordStore struct {
	recs map[string]domain.RunRecord
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{recs: make(map[string]domain.RunRecord)}
}

func (s *memRecordStore) Get(ctx context.Context, entityID string, step domain.Step) (domain.RunRecord, error) {
	rec, ok := s.recs[entityID+"/"+string(step)]
	if !ok {
		return domain.RunRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *memRecordStore) Upsert(ctx context.Context, rec domain.RunRecord) error {
	k := rec.EntityID + "/" + string(rec.Step)
	if prev, ok := s.recs[k]; ok {
		rec.Attempts += prev.Attempts
		if rec.TxHash == "" {
			rec.TxHash = prev.TxHash
		}
		if rec.Detail == "" {
			rec.Detail = prev.Detail
		}
	}
	s.recs[k] = rec
	return nil
}

func (s *memRecordStore) ListByEntity(ctx context.Context, entityID string) ([]domain.RunRecord, error) {
	var out []domain.RunRecord
	for _, rec := range s.recs {
		if rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memRecordStore) ListTerminal(ctx context.Context, before time.Time, opts domain.ListOpts) ([]domain.RunRecord, error) {
	return nil, nil
}

func (s *memRecordStore) DeleteTerminal(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type memHoldingStore struct {
	holdings map[string]domain.Holding
}

func newMemHoldingStore() *memHoldingStore {
	return &memHoldingStore{holdings: make(map[string]domain.Holding)}
}

func (s *memHoldingStore) Create(ctx context.Context, h domain.Holding) error {
	s.holdings[h.ID] = h
	return nil
}

func (s *memHoldingStore) Update(ctx context.Context, h domain.Holding) error {
	s.holdings[h.ID] = h
	return nil
}

func (s *memHoldingStore) Close(ctx context.Context, id string, exitPrice float64) error {
	h, ok := s.holdings[id]
	if !ok {
		return domain.ErrNotFound
	}
	h.Status = domain.HoldingClosed
	h.Quantity = 0
	s.holdings[id] = h
	return nil
}

func (s *memHoldingStore) GetByID(ctx context.Context, id string) (domain.Holding, error) {
	h, ok := s.holdings[id]
	if !ok {
		return domain.Holding{}, domain.ErrNotFound
	}
	return h, nil
}

func (s *memHoldingStore) ListOpen(ctx context.Context) ([]domain.Holding, error) {
	return nil, nil
}

func (s *memHoldingStore) ListByAuction(ctx context.Context, auctionID string) ([]domain.Holding, error) {
	var out []domain.Holding
	for _, h := range s.holdings {
		if h.AuctionID == auctionID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *memHoldingStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Holding, error) {
	return nil, nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, event, title, message string) {}

func testExecutor(ledger *fakeLedger, records *memRecordStore, holdings *memHoldingStore) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(ledger, records, holdings, nil, noopNotifier{}, Config{
		MaxAttempts:      3,
		ResubmitCooldown: 5 * time.Minute,
		SafetyBufferBps:  1000,
	}, logger)
}

func openAuction() domain.Auction {
	return domain.Auction{
		AccountID:       "0xdead",
		CollateralAsset: "0xusdc",
		Status:          domain.AuctionOpen,
		StartBlock:      0,
		DurationBlocks:  1000,
	}
}

func testIntent() domain.BidIntent {
	return domain.BidIntent{
		AuctionID:       "0xdead",
		CollateralAsset: "0xusdc",
		Levels: []domain.BidLevel{
			{ProductID: "p1", Side: domain.SideBid, Quantity: 10, Price: 95},
		},
	}
}

func TestBid_RetriedCycleBroadcastsOnce(t *testing.T) {
	ledger := &fakeLedger{estEquity: 300, estMargin: 100}
	records := newMemRecordStore()
	e := testExecutor(ledger, records, newMemHoldingStore())

	require.NoError(t, e.Bid(context.Background(), openAuction(), testIntent()))
	require.NoError(t, e.Bid(context.Background(), openAuction(), testIntent()))

	// The confirmed record suppresses the second cycle's submission.
	assert.Equal(t, 1, ledger.bidCalls)

	rec, err := records.Get(context.Background(), "0xdead", domain.StepBidAuction)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, rec.Outcome)
	assert.Equal(t, "0xbid", rec.TxHash)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, string(domain.AuctionOpen), rec.LastSeenStatus)
}

func TestBid_UnsafePostBidMarginIsRejected(t *testing.T) {
	// 105 sits below the 100 * 1.1 buffered requirement.
	ledger := &fakeLedger{estEquity: 105, estMargin: 100}
	records := newMemRecordStore()
	e := testExecutor(ledger, records, newMemHoldingStore())

	err := e.Bid(context.Background(), openAuction(), testIntent())

	require.ErrorIs(t, err, domain.ErrInsufficientMargin)
	assert.Equal(t, 0, ledger.bidCalls)
}

func TestSettle_AmbiguousBidVerifiedNotResubmitted(t *testing.T) {
	ledger := &fakeLedger{
		estEquity:   300,
		estMargin:   100,
		confirmErrs: []error{domain.ErrAmbiguousOutcome},
	}
	records := newMemRecordStore()
	holdings := newMemHoldingStore()
	e := testExecutor(ledger, records, holdings)

	err := e.Bid(context.Background(), openAuction(), testIntent())
	require.ErrorIs(t, err, domain.ErrAmbiguousOutcome)

	auction := openAuction()
	auction.Status = domain.AuctionResolved

	// First settle resolves the recorded hash instead of bidding again.
	state, err := e.Settle(context.Background(), auction)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingResult, state)
	assert.Equal(t, 1, ledger.bidCalls)
	require.Len(t, ledger.awaited, 2)
	assert.Equal(t, "0xbid", ledger.awaited[1])

	rec, err := records.Get(context.Background(), "0xdead", domain.StepBidAuction)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, rec.Outcome)
	assert.Equal(t, string(domain.AuctionResolved), rec.LastSeenStatus)

	// Now confirmed and resolved: the won bid's levels become holdings.
	state, err = e.Settle(context.Background(), auction)
	require.NoError(t, err)
	assert.Equal(t, StateReselling, state)

	hs, err := holdings.ListByAuction(context.Background(), "0xdead")
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, "p1", hs[0].ProductID)
	assert.Equal(t, 10.0, hs[0].Quantity)
	assert.Equal(t, 95.0, hs[0].AcquisitionPrice)
	assert.Equal(t, domain.HoldingOpen, hs[0].Status)
}

func TestSettle_WonWithExistingHoldings(t *testing.T) {
	ledger := &fakeLedger{estEquity: 300, estMargin: 100}
	records := newMemRecordStore()
	holdings := newMemHoldingStore()
	e := testExecutor(ledger, records, holdings)

	require.NoError(t, e.Bid(context.Background(), openAuction(), testIntent()))

	auction := openAuction()
	auction.Status = domain.AuctionResolved

	state, err := e.Settle(context.Background(), auction)
	require.NoError(t, err)
	assert.Equal(t, StateReselling, state)

	// A repeated settle never books the same levels twice.
	state, err = e.Settle(context.Background(), auction)
	require.NoError(t, err)
	assert.Equal(t, StateReselling, state)
	hs, err := holdings.ListByAuction(context.Background(), "0xdead")
	require.NoError(t, err)
	require.Len(t, hs, 1)

	// Once the reseller has flattened everything the auction is done.
	require.NoError(t, holdings.Close(context.Background(), hs[0].ID, 97))
	state, err = e.Settle(context.Background(), auction)
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
}

func TestSettle_LostAuctionIsDone(t *testing.T) {
	ledger := &fakeLedger{estEquity: 300, estMargin: 100}
	e := testExecutor(ledger, newMemRecordStore(), newMemHoldingStore())

	auction := openAuction()
	auction.Status = domain.AuctionResolved

	state, err := e.Settle(context.Background(), auction)
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
}

func TestInitiate_SkipsAlreadyRunningAuction(t *testing.T) {
	ledger := &fakeLedger{liquidating: true}
	records := newMemRecordStore()
	e := testExecutor(ledger, records, newMemHoldingStore())

	acct := domain.MarginAccount{AccountID: "0xdead", Equity: -10, MaintenanceMargin: 50}
	require.NoError(t, e.Initiate(context.Background(), acct))

	assert.Equal(t, 0, ledger.reqCalls)
	_, err := records.Get(context.Background(), "0xdead", domain.StepRequestLiquidation)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInitiate_RecordsRequest(t *testing.T) {
	ledger := &fakeLedger{}
	records := newMemRecordStore()
	e := testExecutor(ledger, records, newMemHoldingStore())

	acct := domain.MarginAccount{AccountID: "0xdead", Equity: -10, MaintenanceMargin: 50}
	require.NoError(t, e.Initiate(context.Background(), acct))
	require.NoError(t, e.Initiate(context.Background(), acct))

	assert.Equal(t, 1, ledger.reqCalls)
	rec, err := records.Get(context.Background(), "0xdead", domain.StepRequestLiquidation)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, rec.Outcome)
	assert.Equal(t, string(domain.AuctionNotStarted), rec.LastSeenStatus)
}
