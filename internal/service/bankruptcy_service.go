package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/afplabs/liquidator/internal/domain"
	"github.com/afplabs/liquidator/internal/indexer"
	"github.com/afplabs/liquidator/internal/ledger"
	"github.com/afplabs/liquidator/internal/scanner"
)

// BankruptcyConfig holds loss mutualization parameters.
type BankruptcyConfig struct {
	// TradingWindowBlocks selects recently active accounts as absorbers.
	TradingWindowBlocks uint64
	// MaxAbsorbers caps the absorber set per mutualization call.
	MaxAbsorbers int
	// MaxAttempts and ResubmitCooldown bound mutualization retries.
	MaxAttempts      int
	ResubmitCooldown time.Duration
}

// BankruptcyService mutualizes the losses of bankrupt accounts (negative
// equity with margin still required) across loss-absorbing accounts:
// recently active traders plus the largest holders on the other side of
// each bankrupt position.
type BankruptcyService struct {
	scanner  *scanner.Scanner
	ledger   ledger.Ledger
	indexer  *indexer.Client
	guard    submitGuard
	audit    domain.AuditStore
	notifier Notifier
	cfg      BankruptcyConfig
	logger   *slog.Logger
}

// NewBankruptcyService creates a BankruptcyService.
func NewBankruptcyService(
	sc *scanner.Scanner,
	lg ledger.Ledger,
	idx *indexer.Client,
	records domain.RunRecordStore,
	audit domain.AuditStore,
	notifier Notifier,
	cfg BankruptcyConfig,
	logger *slog.Logger,
) *BankruptcyService {
	return &BankruptcyService{
		scanner: sc,
		ledger:  lg,
		indexer: idx,
		guard: submitGuard{
			records:          records,
			maxAttempts:      cfg.MaxAttempts,
			resubmitCooldown: cfg.ResubmitCooldown,
		},
		audit:    audit,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "bankruptcy_service")),
	}
}

// RunCycle scans for bankrupt accounts and mutualizes each one's losses.
func (s *BankruptcyService) RunCycle(ctx context.Context) (int, error) {
	res, err := s.scanner.Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("bankruptcy_service: scan: %w", err)
	}

	mutualized := 0
	for _, acct := range res.Bankrupt {
		ok, err := s.mutualize(ctx, acct, res.HeadBlock)
		if err != nil {
			s.logger.WarnContext(ctx, "account skipped this cycle",
				slog.String("account", acct.AccountID),
				slog.String("class", string(domain.Classify(err))),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			mutualized++
		}
	}

	if mutualized > 0 || len(res.Bankrupt) > 0 {
		s.logger.InfoContext(ctx, "bankruptcy cycle complete",
			slog.Int("bankrupt", len(res.Bankrupt)),
			slog.Int("mutualized", mutualized),
		)
	}
	return mutualized, nil
}

// mutualize assembles the absorber set for one bankrupt account and
// submits the mutualization transaction, gated by the run record.
func (s *BankruptcyService) mutualize(ctx context.Context, acct domain.MarginAccount, head uint64) (bool, error) {
	absorbers, err := s.absorbers(ctx, acct, head)
	if err != nil {
		return false, err
	}
	if len(absorbers) == 0 {
		s.logger.WarnContext(ctx, "no absorbers found",
			slog.String("account", acct.AccountID),
		)
		return false, nil
	}

	log := s.logger.With(slog.String("account", acct.AccountID))
	confirmed, err := s.guard.run(ctx, acct.AccountID, domain.StepMutualizeLosses,
		func(ctx context.Context) (string, error) {
			return s.ledger.MutualizeLosses(ctx, acct.AccountID, absorbers)
		},
		s.ledger.AwaitConfirmation,
		log,
	)
	if err != nil || !confirmed {
		return false, err
	}

	if err := s.audit.Log(ctx, "losses_mutualized", map[string]any{
		"account":   acct.AccountID,
		"equity":    acct.Equity,
		"margin":    acct.MaintenanceMargin,
		"absorbers": len(absorbers),
	}); err != nil {
		log.ErrorContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
	s.notifier.Notify(ctx, "error", "Losses mutualized",
		fmt.Sprintf("account %s equity %.2f across %d absorbers", acct.AccountID, acct.Equity, len(absorbers)))
	return true, nil
}

// absorbers selects loss-absorbing accounts: traders active within the
// recent window, then the largest holders opposite each bankrupt
// position, deduplicated and capped.
func (s *BankruptcyService) absorbers(ctx context.Context, acct domain.MarginAccount, head uint64) ([]string, error) {
	seen := map[string]bool{acct.AccountID: true}
	var out []string

	add := func(id string) {
		if !seen[id] && len(out) < s.cfg.MaxAbsorbers {
			seen[id] = true
			out = append(out, id)
		}
	}

	recent, err := s.indexer.AccountsInWindow(ctx, head, s.cfg.TradingWindowBlocks)
	if err != nil {
		return nil, err
	}
	for _, id := range recent {
		add(id)
	}

	if len(out) >= s.cfg.MaxAbsorbers {
		return out, nil
	}

	positions, err := s.ledger.Positions(ctx, acct.AccountID)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		holders, err := s.indexer.HoldersOf(ctx, p.ProductID, s.cfg.MaxAbsorbers)
		if err != nil {
			return nil, err
		}
		for _, h := range holders {
			// Only accounts positioned opposite the bankrupt one can
			// absorb its side.
			if p.Quantity > 0 == (h.Quantity > 0) {
				continue
			}
			add(h.AccountID)
		}
		if len(out) >= s.cfg.MaxAbsorbers {
			break
		}
	}

	return out, nil
}
