package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/afplabs/liquidator/internal/domain"
)

// SubmitterConfig holds transaction submission parameters.
type SubmitterConfig struct {
	ChainID        int64
	GasLimit       uint64
	GasPriceGwei   float64 // 0 means use the node's suggestion
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
}

// Submitter broadcasts signed transactions for a single signing account.
// All submissions are serialized behind a mutex so the locally managed
// nonce never races: one signer, one nonce sequence.
type Submitter struct {
	client *ethclient.Client
	key    *ecdsa.PrivateKey
	from   common.Address
	cfg    SubmitterConfig
	logger *slog.Logger

	mu        sync.Mutex
	nonce     uint64
	nonceInit bool
}

// NewSubmitter creates a Submitter for the given hex private key (without
// 0x prefix).
func NewSubmitter(client *ethclient.Client, privateKeyHex string, cfg SubmitterConfig, logger *slog.Logger) (*Submitter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid private key: %w", err)
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = 2 * time.Second
	}
	return &Submitter{
		client: client,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "submitter")),
	}, nil
}

// From returns the signing account address.
func (s *Submitter) From() common.Address { return s.from }

// Submit signs and broadcasts a transaction calling `to` with calldata.
// The returned hash identifies the broadcast transaction; the caller is
// responsible for confirmation (see AwaitConfirmation). The nonce lock is
// held only across broadcast, never across confirmation waits.
func (s *Submitter) Submit(ctx context.Context, to common.Address, calldata []byte) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.nonceInit {
		n, err := s.client.PendingNonceAt(ctx, s.from)
		if err != nil {
			return common.Hash{}, fmt.Errorf("ledger: pending nonce: %w", err)
		}
		s.nonce = n
		s.nonceInit = true
	}

	gasPrice, err := s.gasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: gas price: %w", err)
	}

	tx := types.NewTransaction(s.nonce, to, big.NewInt(0), s.cfg.GasLimit, gasPrice, calldata)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(s.cfg.ChainID)), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: sign tx: %w", domain.ErrSigningFailed)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		// A rejected broadcast may mean the local nonce diverged from the
		// chain (e.g. a prior ambiguous submission landed). Re-sync on the
		// next call.
		s.nonceInit = false
		return common.Hash{}, fmt.Errorf("ledger: send tx: %w", err)
	}
	s.nonce++

	s.logger.InfoContext(ctx, "transaction broadcast",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", s.nonce-1),
	)
	return signed.Hash(), nil
}

// AwaitConfirmation polls for the receipt of a broadcast transaction.
// If the configured confirmation window elapses without a receipt the
// outcome is ambiguous: the transaction may still land later, so the
// caller must re-read chain state before acting again. A receipt with a
// failed status maps to ErrReverted.
func (s *Submitter) AwaitConfirmation(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ConfirmPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ledger: tx %s unconfirmed after %s: %w",
				txHash.Hex(), s.cfg.ConfirmTimeout, domain.ErrAmbiguousOutcome)
		case <-ticker.C:
			receipt, err := s.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("ledger: tx %s: %w", txHash.Hex(), domain.ErrReverted)
			}
			return nil
		}
	}
}

// gasPrice returns the configured gas price, or the node's suggestion
// with a 10% buffer when none is configured. Must be called with the
// submit lock held (shares the RPC client but keeps ordering simple).
func (s *Submitter) gasPrice(ctx context.Context) (*big.Int, error) {
	if s.cfg.GasPriceGwei > 0 {
		wei := new(big.Float).Mul(big.NewFloat(s.cfg.GasPriceGwei), big.NewFloat(1e9))
		out, _ := wei.Int(nil)
		return out, nil
	}
	price, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	buffered := new(big.Int).Mul(price, big.NewInt(11))
	return buffered.Div(buffered, big.NewInt(10)), nil
}
