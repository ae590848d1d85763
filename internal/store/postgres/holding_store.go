package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/afplabs/liquidator/internal/domain"
)

// HoldingStore implements domain.HoldingStore using PostgreSQL.
type HoldingStore struct {
	pool *pgxpool.Pool
}

// NewHoldingStore creates a new HoldingStore backed by the given connection pool.
func NewHoldingStore(pool *pgxpool.Pool) *HoldingStore {
	return &HoldingStore{pool: pool}
}

const holdingSelectCols = `id, auction_id, product_id, symbol, collateral_asset,
	quantity, acquired_quantity, acquisition_price, acquired_at,
	status, closed_at, exit_price`

func scanHoldingRow(row pgx.Row) (domain.Holding, error) {
	var h domain.Holding
	var status string

	err := row.Scan(
		&h.ID, &h.AuctionID, &h.ProductID, &h.Symbol, &h.CollateralAsset,
		&h.Quantity, &h.AcquiredQuantity, &h.AcquisitionPrice, &h.AcquiredAt,
		&status, &h.ClosedAt, &h.ExitPrice,
	)
	if err != nil {
		return domain.Holding{}, err
	}
	h.Status = domain.HoldingStatus(status)
	return h, nil
}

func scanHoldingRows(rows pgx.Rows) ([]domain.Holding, error) {
	var holdings []domain.Holding
	for rows.Next() {
		h, err := scanHoldingRow(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// Create inserts a new holding.
func (s *HoldingStore) Create(ctx context.Context, h domain.Holding) error {
	const query = `
		INSERT INTO holdings (
			id, auction_id, product_id, symbol, collateral_asset,
			quantity, acquired_quantity, acquisition_price, acquired_at,
			status, closed_at, exit_price, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		h.ID, h.AuctionID, h.ProductID, h.Symbol, h.CollateralAsset,
		h.Quantity, h.AcquiredQuantity, h.AcquisitionPrice, h.AcquiredAt,
		string(h.Status), h.ClosedAt, h.ExitPrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: create holding %s: %w", h.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a holding.
func (s *HoldingStore) Update(ctx context.Context, h domain.Holding) error {
	const query = `
		UPDATE holdings SET
			quantity   = $2,
			status     = $3,
			closed_at  = $4,
			exit_price = $5,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		h.ID, h.Quantity, string(h.Status), h.ClosedAt, h.ExitPrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: update holding %s: %w", h.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close marks a holding flat, recording the exit price.
func (s *HoldingStore) Close(ctx context.Context, id string, exitPrice float64) error {
	const query = `
		UPDATE holdings SET
			status     = 'closed',
			quantity   = 0,
			exit_price = $2,
			closed_at  = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, exitPrice)
	if err != nil {
		return fmt.Errorf("postgres: close holding %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single holding by its ID.
func (s *HoldingStore) GetByID(ctx context.Context, id string) (domain.Holding, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+holdingSelectCols+` FROM holdings WHERE id = $1`, id)

	h, err := scanHoldingRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Holding{}, domain.ErrNotFound
		}
		return domain.Holding{}, fmt.Errorf("postgres: get holding %s: %w", id, err)
	}
	return h, nil
}

// ListOpen returns all holdings still on the book, oldest first.
func (s *HoldingStore) ListOpen(ctx context.Context) ([]domain.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingSelectCols+` FROM holdings
		 WHERE status = 'open'
		 ORDER BY acquired_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open holdings: %w", err)
	}
	defer rows.Close()

	holdings, err := scanHoldingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open holdings: %w", err)
	}
	return holdings, nil
}

// ListByAuction returns all holdings booked from one auction.
func (s *HoldingStore) ListByAuction(ctx context.Context, auctionID string) ([]domain.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingSelectCols+` FROM holdings
		 WHERE auction_id = $1
		 ORDER BY acquired_at ASC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list holdings for auction %s: %w", auctionID, err)
	}
	defer rows.Close()

	holdings, err := scanHoldingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan holdings for auction %s: %w", auctionID, err)
	}
	return holdings, nil
}

// ListHistory returns holdings with pagination and optional time filtering.
func (s *HoldingStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Holding, error) {
	query := `SELECT ` + holdingSelectCols + ` FROM holdings WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND acquired_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND acquired_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY acquired_at DESC"

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
		return nil, fmt.Errorf("postgres: list holding history: %w", err)
	}
	defer rows.Close()

	holdings, err := scanHoldingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan holding history: %w", err)
	}
	return holdings, nil
}
