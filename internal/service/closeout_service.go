package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/afplabs/liquidator/internal/domain"
	"github.com/afplabs/liquidator/internal/indexer"
	"github.com/afplabs/liquidator/internal/ledger"
)

// CloseoutConfig holds final settlement parameters.
type CloseoutConfig struct {
	MaxAttempts      int
	ResubmitCooldown time.Duration
}

// CloseoutService initiates final settlement for products whose final
// settlement price has been finalized and whose tradeout interval has
// passed while open interest remains. Anyone may trigger this; doing it
// promptly keeps stale products from pinning margin.
type CloseoutService struct {
	ledger  ledger.Ledger
	indexer *indexer.Client
	guard   submitGuard
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewCloseoutService creates a CloseoutService.
func NewCloseoutService(
	lg ledger.Ledger,
	idx *indexer.Client,
	records domain.RunRecordStore,
	audit domain.AuditStore,
	cfg CloseoutConfig,
	logger *slog.Logger,
) *CloseoutService {
	return &CloseoutService{
		ledger:  lg,
		indexer: idx,
		guard: submitGuard{
			records:          records,
			maxAttempts:      cfg.MaxAttempts,
			resubmitCooldown: cfg.ResubmitCooldown,
		},
		audit:  audit,
		logger: logger.With(slog.String("component", "closeout_service")),
	}
}

// RunCycle settles every eligible product once. The indexer nominates
// candidates; eligibility is re-verified against the ledger before any
// transaction is broadcast.
func (s *CloseoutService) RunCycle(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	candidates, err := s.indexer.ProductsWithFSPPassed(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("closeout_service: list candidates: %w", err)
	}

	settled := 0
	for _, productID := range candidates {
		ok, err := s.settleProduct(ctx, productID, now)
		if err != nil {
			s.logger.WarnContext(ctx, "product skipped this cycle",
				slog.String("product", productID),
				slog.String("class", string(domain.Classify(err))),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			settled++
		}
	}

	if settled > 0 {
		s.logger.InfoContext(ctx, "closeout cycle complete",
			slog.Int("candidates", len(candidates)),
			slog.Int("settled", settled),
		)
	}
	return settled, nil
}

// settleProduct verifies eligibility on the ledger and submits the final
// settlement transaction, gated by the run record.
func (s *CloseoutService) settleProduct(ctx context.Context, productID string, now time.Time) (bool, error) {
	finalized, err := s.ledger.FSPFinalized(ctx, productID)
	if err != nil {
		return false, err
	}
	if !finalized {
		return false, nil
	}

	fspTime, err := s.ledger.EarliestFSPTime(ctx, productID)
	if err != nil {
		return false, err
	}
	tradeout, err := s.ledger.TradeoutInterval(ctx)
	if err != nil {
		return false, err
	}
	if now.Before(fspTime.Add(tradeout)) {
		return false, nil
	}

	oi, err := s.ledger.OpenInterest(ctx, productID)
	if err != nil {
		return false, err
	}
	if oi <= 0 {
		return false, nil
	}

	log := s.logger.With(slog.String("product", productID))
	confirmed, err := s.guard.run(ctx, productID, domain.StepFinalSettlement,
		func(ctx context.Context) (string, error) {
			return s.ledger.InitiateFinalSettlement(ctx, productID)
		},
		s.ledger.AwaitConfirmation,
		log,
	)
	if err != nil || !confirmed {
		return false, err
	}

	if err := s.audit.Log(ctx, "final_settlement", map[string]any{
		"product":       productID,
		"open_interest": oi,
	}); err != nil {
		log.ErrorContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
	return true, nil
}
