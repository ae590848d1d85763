package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afplabs/liquidator/internal/domain"
)

// memRecordStore is an in-memory domain.RunRecordStore with the same
// Upsert semantics as the durable one: Attempts is an increment.
type memRecordStore struct {
	mu   sync.Mutex
	recs map[string]domain.RunRecord
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{recs: make(map[string]domain.RunRecord)}
}

func key(entityID string, step domain.Step) string {
	return entityID + "/" + string(step)
}

func (s *memRecordStore) Get(ctx context.Context, entityID string, step domain.Step) (domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key(entityID, step)]
	if !ok {
		return domain.RunRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *memRecordStore) Upsert(ctx context.Context, rec domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.EntityID, rec.Step)
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
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *memRecordStore) put(rec domain.RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[key(rec.EntityID, rec.Step)] = rec
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type submitSpy struct {
	calls  int
	hash   string
	err    error
	awaits []string
	await  error
}

func (s *submitSpy) submit(ctx context.Context) (string, error) {
	s.calls++
	return s.hash, s.err
}

func (s *submitSpy) awaitFn(ctx context.Context, txHash string) error {
	s.awaits = append(s.awaits, txHash)
	return s.await
}

func newGuard(store domain.RunRecordStore) submitGuard {
	return submitGuard{records: store, maxAttempts: 3, resubmitCooldown: 5 * time.Minute}
}

func TestSubmitGuard_FreshEntitySubmitsOnce(t *testing.T) {
	store := newMemRecordStore()
	g := newGuard(store)
	spy := &submitSpy{hash: "0xabc"}

	confirmed, err := g.run(context.Background(), "e1", domain.StepFinalSettlement, spy.submit, spy.awaitFn, testLogger())

	require.NoError(t, err)
	assert.True(t, confirmed)
	assert.Equal(t, 1, spy.calls)

	rec, err := store.Get(context.Background(), "e1", domain.StepFinalSettlement)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, rec.Outcome)
	assert.Equal(t, "0xabc", rec.TxHash)
	assert.Equal(t, 1, rec.Attempts)
}

func TestSubmitGuard_ConfirmedStepNeverResubmits(t *testing.T) {
	store := newMemRecordStore()
	store.put(domain.RunRecord{
		EntityID: "e1", Step: domain.StepFinalSettlement,
		Outcome: domain.OutcomeConfirmed, TxHash: "0xabc", Attempts: 1,
		UpdatedAt: time.Now().UTC(),
	})
	g := newGuard(store)
	spy := &submitSpy{hash: "0xdef"}

	confirmed, err := g.run(context.Background(), "e1", domain.StepFinalSettlement, spy.submit, spy.awaitFn, testLogger())

	require.NoError(t, err)
	assert.True(t, confirmed)
	assert.Equal(t, 0, spy.calls)
}

func TestSubmitGuard_AmbiguousVerifiesRecordedHash(t *testing.T) {
	store := newMemRecordStore()
	store.put(domain.RunRecord{
		EntityID: "e1", Step: domain.StepFinalSettlement,
		Outcome: domain.OutcomeAmbiguous, TxHash: "0xold", Attempts: 1,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	})
	g := newGuard(store)
	spy := &submitSpy{hash: "0xnew"}

	confirmed, err := g.run(context.Background(), "e1", domain.StepFinalSettlement, spy.submit, spy.awaitFn, testLogger())

	require.NoError(t, err)
	assert.True(t, confirmed)
	// Nothing new is broadcast; the recorded hash is re-verified.
	assert.Equal(t, 0, spy.calls)
	require.Len(t, spy.awaits, 1)
	assert.Equal(t, "0xold", spy.awaits[0])

	rec, err := store.Get(context.Background(), "e1", domain.StepFinalSettlement)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, rec.Outcome)
	// Verification is not a new attempt.
	assert.Equal(t, 1, rec.Attempts)
}

func TestSubmitGuard_AmbiguousThatRevertedIsRecorded(t *testing.T) {
	store := newMemRecordStore()
	store.put(domain.RunRecord{
		EntityID: "e1", Step: domain.StepFinalSettlement,
		Outcome: domain.OutcomeAmbiguous, TxHash: "0xold", Attempts: 1,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	})
	g := newGuard(store)
	spy := &submitSpy{await: domain.ErrReverted}

	confirmed, err := g.run(context.Background(), "e1", domain.StepFinalSettlement, spy.submit, spy.awaitFn, testLogger())

	require.ErrorIs(t, err, domain.ErrReverted)
	assert.False(t, confirmed)
	assert.Equal(t, 0, spy.calls)

	rec, getErr := store.Get(context.Background(), "e1", domain.StepFinalSettlement)
	require.NoError(t, getErr)
	assert.Equal(t, domain.OutcomeReverted, rec.Outcome)
}

func TestSubmitGuard_SuppressesWithinCooldown(t *testing.T) {
	store := newMemRecordStore()
	store.put(domain.RunRecord{
		EntityID: "e1", Step: domain.StepFinalSettlement,
		Outcome: domain.OutcomeSubmitted, TxHash: "0xabc", Attempts: 1,
		UpdatedAt: time.Now().UTC().Add(-time.Minute),
	})
	g := newGuard(store)
	spy := &submitSpy{hash: "0xdef"}

	confirmed, err := g.run(context.Background(), "e1", domain.StepFinalSettlement, spy.submit, spy.awaitFn, testLogger())

	require.NoError(t, err)
	assert.False(t, confirmed)
	assert.Equal(t, 0, spy.calls)
}

func TestSubmitGuard_ExhaustedBudget(t *testing.T) {
	store := newMemRecordStore()
	store.put(domain.RunRecord{
		EntityID: "e1", Step: domain.StepFinalSettlement,
		Outcome: domain.OutcomeReverted, Attempts: 3,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	})
	g := newGuard(store)
	spy := &submitSpy{hash: "0xdef"}

	_, err := g.run(context.Background(), "e1", domain.StepFinalSettlement, spy.submit, spy.awaitFn, testLogger())

	require.ErrorIs(t, err, domain.ErrAttemptsExhausted)
	assert.Equal(t, 0, spy.calls)
}

func TestSubmitGuard_BroadcastFailureCountsAttempt(t *testing.T) {
	store := newMemRecordStore()
	g := newGuard(store)
	spy := &submitSpy{err: errors.New("nonce too low")}

	confirmed, err := g.run(context.Background(), "e1", domain.StepFinalSettlement, spy.submit, spy.awaitFn, testLogger())

	require.Error(t, err)
	assert.False(t, confirmed)

	rec, getErr := store.Get(context.Background(), "e1", domain.StepFinalSettlement)
	require.NoError(t, getErr)
	assert.Equal(t, domain.OutcomeFailed, rec.Outcome)
	assert.Equal(t, 1, rec.Attempts)
}

func TestSubmitGuard_ConfirmationTimeoutLeavesAmbiguous(t *testing.T) {
	store := newMemRecordStore()
	g := newGuard(store)
	spy := &submitSpy{hash: "0xabc", await: domain.ErrAmbiguousOutcome}

	confirmed, err := g.run(context.Background(), "e1", domain.StepFinalSettlement, spy.submit, spy.awaitFn, testLogger())

	require.Error(t, err)
	assert.False(t, confirmed)
	assert.Equal(t, 1, spy.calls)

	rec, getErr := store.Get(context.Background(), "e1", domain.StepFinalSettlement)
	require.NoError(t, getErr)
	assert.Equal(t, domain.OutcomeAmbiguous, rec.Outcome)
	assert.Equal(t, "0xabc", rec.TxHash)
	assert.Equal(t, 1, rec.Attempts)

	// The next cycle re-verifies the recorded hash instead of
	// broadcasting again.
	spy.await = nil
	confirmed, err = g.run(context.Background(), "e1", domain.StepFinalSettlement, spy.submit, spy.awaitFn, testLogger())
	require.NoError(t, err)
	assert.True(t, confirmed)
	assert.Equal(t, 1, spy.calls)
	assert.Equal(t, "0xabc", spy.awaits[len(spy.awaits)-1])
}
