package reseller

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
	marks      map[string]float64
	listed     map[string]bool
	closeCalls int
	closeErr   error
	awaitErr   error
	awaited    []string
}

func (f *fakeLedger) MarkPrice(ctx context.Context, productID string, decimals uint8) (float64, error) {
	return f.marks[productID], nil
}

func (f *fakeLedger) CollateralDecimals(ctx context.Context, asset string) (uint8, error) {
	return 6, nil
}

func (f *fakeLedger) ProductListed(ctx context.Context, productID string) (bool, error) {
	return f.listed[productID], nil
}

func (f *fakeLedger) ClosePosition(ctx context.Context, productID string, quantity, limitPrice float64, decimals uint8) (string, error) {
	f.closeCalls++
	if f.closeErr != nil {
		return "", f.closeErr
	}
	return "0xclose", nil
}

func (f *fakeLedger) AwaitConfirmation(ctx context.Context, txHash string) error {
	f.awaited = append(f.awaited, txHash)
	return f.awaitErr
}

type fakeExchange struct {
	orders []domain.ResaleOrder
	fill   domain.OrderFill
	err    error
}

func (f *fakeExchange) PlaceLimitOrder(ctx context.Context, ord domain.ResaleOrder) (domain.OrderFill, error) {
	f.orders = append(f.orders, ord)
	return f.fill, f.err
}

type memHoldingStore struct {
	holdings map[string]domain.Holding
}

func newMemHoldingStore(hs ...domain.Holding) *memHoldingStore {
	s := &memHoldingStore{holdings: make(map[string]domain.Holding)}
	for _, h := range hs {
		s.holdings[h.ID] = h
	}
	return s
}

func (s *memHoldingStore) Create(ctx context.Context, h domain.Holding) error {
	s.holdings[h.ID] = h
	return nil
}

func (s *memHoldingStore) Update(ctx context.Context, h domain.Holding) error {
	if _, ok := s.holdings[h.ID]; !ok {
		return domain.ErrNotFound
	}
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
	h.ExitPrice = &exitPrice
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
	var out []domain.Holding
	for _, h := range s.holdings {
		if h.Status == domain.HoldingOpen {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *memHoldingStore) ListByAuction(ctx context.Context, auctionID string) ([]domain.Holding, error) {
	return nil, nil
}

func (s *memHoldingStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Holding, error) {
	return nil, nil
}

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
	}
	s.recs[k] = rec
	return nil
}

func (s *memRecordStore) ListByEntity(ctx context.Context, entityID string) ([]domain.RunRecord, error) {
	return nil, nil
}

func (s *memRecordStore) ListTerminal(ctx context.Context, before time.Time, opts domain.ListOpts) ([]domain.RunRecord, error) {
	return nil, nil
}

func (s *memRecordStore) DeleteTerminal(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func holding(id string, qty float64) domain.Holding {
	return domain.Holding{
		ID:               id,
		AuctionID:        "0xdead",
		ProductID:        "p1",
		CollateralAsset:  "usdc",
		Quantity:         qty,
		AcquiredQuantity: qty,
		AcquisitionPrice: 95,
		AcquiredAt:       time.Now().UTC(),
		Status:           domain.HoldingOpen,
	}
}

func TestRunCycle_OffChainFullFillClosesHolding(t *testing.T) {
	ledger := &fakeLedger{marks: map[string]float64{"p1": 100}, listed: map[string]bool{"p1": true}}
	venue := &fakeExchange{fill: domain.OrderFill{OrderID: "o1", Filled: 10, AvgPrice: 100}}
	store := newMemHoldingStore(holding("h1", 10))

	r := New(ledger, venue, store, newMemRecordStore(), Config{TrancheFraction: 1}, testLogger())
	out, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Unwound{Offered: 1, Closed: 1}, out)

	require.Len(t, venue.orders, 1)
	assert.Equal(t, domain.SideAsk, venue.orders[0].Side)
	assert.Equal(t, 10.0, venue.orders[0].Quantity)
	assert.Equal(t, 100.0, venue.orders[0].Price)

	h, err := store.GetByID(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, domain.HoldingClosed, h.Status)
	assert.Equal(t, 0.0, h.Quantity)
}

func TestRunCycle_PartialFillKeepsHoldingOpen(t *testing.T) {
	ledger := &fakeLedger{marks: map[string]float64{"p1": 100}, listed: map[string]bool{"p1": true}}
	venue := &fakeExchange{fill: domain.OrderFill{OrderID: "o1", Filled: 4, AvgPrice: 100}}
	store := newMemHoldingStore(holding("h1", -10))

	r := New(ledger, venue, store, newMemRecordStore(), Config{TrancheFraction: 1}, testLogger())
	out, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Unwound{Offered: 1}, out)
	// A short holding is reduced toward zero from below.
	assert.Equal(t, domain.SideBid, venue.orders[0].Side)

	h, err := store.GetByID(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, domain.HoldingOpen, h.Status)
	assert.Equal(t, -6.0, h.Quantity)
}

func TestRunCycle_TrancheFraction(t *testing.T) {
	ledger := &fakeLedger{marks: map[string]float64{"p1": 100}, listed: map[string]bool{"p1": true}}
	venue := &fakeExchange{fill: domain.OrderFill{Filled: 0}}
	store := newMemHoldingStore(holding("h1", 10))

	r := New(ledger, venue, store, newMemRecordStore(), Config{TrancheFraction: 0.25}, testLogger())
	_, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	require.Len(t, venue.orders, 1)
	// ceil(10 * 0.25) = 3 contracts per cycle.
	assert.Equal(t, 3.0, venue.orders[0].Quantity)
}

func TestRunCycle_OverdueHoldingFlattensInFull(t *testing.T) {
	ledger := &fakeLedger{marks: map[string]float64{"p1": 100}, listed: map[string]bool{"p1": true}}
	venue := &fakeExchange{fill: domain.OrderFill{Filled: 10, AvgPrice: 100}}

	old := holding("h1", 10)
	old.AcquiredAt = time.Now().UTC().Add(-48 * time.Hour)
	store := newMemHoldingStore(old)

	r := New(ledger, venue, store, newMemRecordStore(), Config{
		TrancheFraction: 0.25,
		MaxHoldingAge:   24 * time.Hour,
	}, testLogger())
	out, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, out.Closed)
	assert.Equal(t, 10.0, venue.orders[0].Quantity)
}

func TestRunCycle_OnChainCloseConfirmed(t *testing.T) {
	ledger := &fakeLedger{marks: map[string]float64{"p1": 100}}
	store := newMemHoldingStore(holding("h1", 10))
	records := newMemRecordStore()

	r := New(ledger, nil, store, records, Config{TrancheFraction: 1, MaxAttempts: 3}, testLogger())
	out, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Unwound{Offered: 1, Closed: 1}, out)
	assert.Equal(t, 1, ledger.closeCalls)

	rec, err := records.Get(context.Background(), "h1", domain.StepResellOrder)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, rec.Outcome)
	assert.Equal(t, 1, rec.Attempts)
}

func TestRunCycle_UnlistedProductFallsBackOnChain(t *testing.T) {
	ledger := &fakeLedger{marks: map[string]float64{"p1": 100}, listed: map[string]bool{}}
	venue := &fakeExchange{fill: domain.OrderFill{Filled: 10, AvgPrice: 100}}
	store := newMemHoldingStore(holding("h1", 10))
	records := newMemRecordStore()

	r := New(ledger, venue, store, records, Config{TrancheFraction: 1, MaxAttempts: 3}, testLogger())
	out, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	// The venue never sees a product the registry does not list; the
	// holding is flattened against the ledger instead.
	assert.Empty(t, venue.orders)
	assert.Equal(t, 1, ledger.closeCalls)
	assert.Equal(t, Unwound{Offered: 1, Closed: 1}, out)

	rec, err := records.Get(context.Background(), "h1", domain.StepResellOrder)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, rec.Outcome)
}

func TestRunCycle_OnChainRetryWithinCooldownDoesNotResubmit(t *testing.T) {
	ledger := &fakeLedger{marks: map[string]float64{"p1": 100}}
	store := newMemHoldingStore(holding("h1", 10))
	records := newMemRecordStore()
	records.recs["h1/"+string(domain.StepResellOrder)] = domain.RunRecord{
		EntityID: "h1", Step: domain.StepResellOrder,
		Outcome: domain.OutcomeSubmitted, TxHash: "0xpending", Attempts: 1,
		UpdatedAt: time.Now().UTC(),
	}

	r := New(ledger, nil, store, records, Config{
		TrancheFraction:  1,
		MaxAttempts:      3,
		ResubmitCooldown: 5 * time.Minute,
	}, testLogger())
	out, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, ledger.closeCalls)
	assert.Equal(t, 0, out.Closed)

	h, err := store.GetByID(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, h.Quantity)
}

func TestRunCycle_OnChainAmbiguousVerifiesRecordedHash(t *testing.T) {
	ledger := &fakeLedger{marks: map[string]float64{"p1": 100}}
	store := newMemHoldingStore(holding("h1", 10))
	records := newMemRecordStore()
	records.recs["h1/"+string(domain.StepResellOrder)] = domain.RunRecord{
		EntityID: "h1", Step: domain.StepResellOrder,
		Outcome: domain.OutcomeAmbiguous, TxHash: "0xlost", Attempts: 1,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}

	r := New(ledger, nil, store, records, Config{TrancheFraction: 1, MaxAttempts: 3}, testLogger())
	out, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	// The recorded close confirmed, so the tranche counts as filled
	// without a new broadcast.
	assert.Equal(t, 0, ledger.closeCalls)
	assert.Equal(t, 1, out.Closed)
	require.Len(t, ledger.awaited, 1)
	assert.Equal(t, "0xlost", ledger.awaited[0])
}

func TestRunCycle_StaleMarkSkipsHolding(t *testing.T) {
	ledger := &fakeLedger{marks: map[string]float64{}}
	store := newMemHoldingStore(holding("h1", 10))

	r := New(ledger, nil, store, newMemRecordStore(), Config{TrancheFraction: 1}, testLogger())
	out, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Unwound{Skipped: 1}, out)
}
