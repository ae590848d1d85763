package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/afplabs/liquidator/internal/domain"
)

// RunRecordStore implements domain.RunRecordStore using PostgreSQL.
type RunRecordStore struct {
	pool *pgxpool.Pool
}

// NewRunRecordStore creates a new RunRecordStore backed by the given connection pool.
func NewRunRecordStore(pool *pgxpool.Pool) *RunRecordStore {
	return &RunRecordStore{pool: pool}
}

const runRecordSelectCols = `entity_id, step, outcome, tx_hash, last_seen_status, attempts, detail, updated_at`

func scanRunRecordRow(row pgx.Row) (domain.RunRecord, error) {
	var r domain.RunRecord
	var step, outcome string
	var detailJSON []byte

	err := row.Scan(
		&r.EntityID, &step, &outcome, &r.TxHash,
		&r.LastSeenStatus, &r.Attempts, &detailJSON, &r.UpdatedAt,
	)
	if err != nil {
		return domain.RunRecord{}, err
	}
	r.Step = domain.Step(step)
	r.Outcome = domain.RunOutcome(outcome)
	if detailJSON != nil {
		r.Detail = string(detailJSON)
	}
	return r, nil
}

func scanRunRecordRows(rows pgx.Rows) ([]domain.RunRecord, error) {
	var recs []domain.RunRecord
	for rows.Next() {
		r, err := scanRunRecordRow(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Get returns the record for one (entity, step) pair.
func (s *RunRecordStore) Get(ctx context.Context, entityID string, step domain.Step) (domain.RunRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runRecordSelectCols+` FROM run_records
		 WHERE entity_id = $1 AND step = $2`, entityID, string(step))

	r, err := scanRunRecordRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RunRecord{}, domain.ErrNotFound
		}
		return domain.RunRecord{}, fmt.Errorf("postgres: get run record %s/%s: %w", entityID, step, err)
	}
	return r, nil
}

// Upsert inserts or replaces the record for (entity, step). The stored
// attempts counter grows by rec.Attempts, so callers pass 1 when they
// broadcast and 0 when they only refresh the outcome.
func (s *RunRecordStore) Upsert(ctx context.Context, rec domain.RunRecord) error {
	// Detail already carries marshaled JSON; empty means "keep what is
	// stored" via the COALESCE below.
	var detailJSON []byte
	if rec.Detail != "" {
		detailJSON = []byte(rec.Detail)
	}

	const query = `
		INSERT INTO run_records (
			entity_id, step, outcome, tx_hash, last_seen_status,
			attempts, detail, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_id, step) DO UPDATE SET
			outcome          = EXCLUDED.outcome,
			tx_hash          = CASE WHEN EXCLUDED.tx_hash = '' THEN run_records.tx_hash ELSE EXCLUDED.tx_hash END,
			last_seen_status = EXCLUDED.last_seen_status,
			attempts         = run_records.attempts + EXCLUDED.attempts,
			detail           = COALESCE(EXCLUDED.detail, run_records.detail),
			updated_at       = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		rec.EntityID, string(rec.Step), string(rec.Outcome),
		rec.TxHash, rec.LastSeenStatus,
		rec.Attempts, detailJSON, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert run record %s/%s: %w", rec.EntityID, rec.Step, err)
	}
	return nil
}

// ListByEntity returns all step records for one entity.
func (s *RunRecordStore) ListByEntity(ctx context.Context, entityID string) ([]domain.RunRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runRecordSelectCols+` FROM run_records
		 WHERE entity_id = $1 ORDER BY step`, entityID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list run records for %s: %w", entityID, err)
	}
	defer rows.Close()

	recs, err := scanRunRecordRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan run records for %s: %w", entityID, err)
	}
	return recs, nil
}

// ListTerminal returns records with settled outcomes last touched before
// the cutoff, oldest first.
func (s *RunRecordStore) ListTerminal(ctx context.Context, before time.Time, opts domain.ListOpts) ([]domain.RunRecord, error) {
	query := `SELECT ` + runRecordSelectCols + ` FROM run_records
		 WHERE outcome IN ('confirmed', 'reverted') AND updated_at < $1
		 ORDER BY updated_at ASC`
	args := []any{before}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal run records: %w", err)
	}
	defer rows.Close()

	recs, err := scanRunRecordRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal run records: %w", err)
	}
	return recs, nil
}

// DeleteTerminal removes settled records last touched before the cutoff
// and reports how many rows went away.
func (s *RunRecordStore) DeleteTerminal(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM run_records
		 WHERE outcome IN ('confirmed', 'reverted') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete terminal run records: %w", err)
	}
	return tag.RowsAffected(), nil
}
