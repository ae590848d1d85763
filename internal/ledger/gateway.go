package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/afplabs/liquidator/internal/domain"
)

// Backend is the read surface of the RPC client the gateway calls
// through. *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// AuctionParams are the protocol-wide auction settings.
type AuctionParams struct {
	DurationBlocks       uint64
	RestorationBufferBps float64
}

// Ledger is the chain access surface the agent's components depend on.
// Reads are point-in-time eth_calls; writes broadcast through a single
// serialized signer and return the transaction hash.
type Ledger interface {
	HeadBlock(ctx context.Context) (uint64, error)
	CollateralDecimals(ctx context.Context, asset string) (uint8, error)
	CollateralSymbol(ctx context.Context, asset string) (string, error)
	MarginDataBatch(ctx context.Context, collateral string, accountIDs []string) ([]domain.MarginAccount, error)
	Positions(ctx context.Context, accountID string) ([]domain.Position, error)
	AuctionData(ctx context.Context, accountID, collateral string) (domain.Auction, error)
	AuctionConfig(ctx context.Context) (AuctionParams, error)
	IsLiquidating(ctx context.Context, accountID string) (bool, error)
	MarkPrice(ctx context.Context, productID string, decimals uint8) (float64, error)
	EstimateAfterBid(ctx context.Context, levels []domain.BidLevel, decimals uint8) (equity, margin float64, err error)
	ProductListed(ctx context.Context, productID string) (bool, error)
	OpenInterest(ctx context.Context, productID string) (float64, error)
	FSPFinalized(ctx context.Context, productID string) (bool, error)
	EarliestFSPTime(ctx context.Context, productID string) (time.Time, error)
	TradeoutInterval(ctx context.Context) (time.Duration, error)

	RequestLiquidation(ctx context.Context, accountID string) (string, error)
	BidAuction(ctx context.Context, accountID string, levels []domain.BidLevel, decimals uint8) (string, error)
	ClosePosition(ctx context.Context, productID string, quantity, limitPrice float64, decimals uint8) (string, error)
	InitiateFinalSettlement(ctx context.Context, productID string) (string, error)
	MutualizeLosses(ctx context.Context, accountID string, absorberIDs []string) (string, error)
	AwaitConfirmation(ctx context.Context, txHash string) error
}

// Gateway implements Ledger against the deployed clearing contracts.
type Gateway struct {
	client      Backend
	sub         *Submitter
	clearing    common.Address
	viewer      common.Address
	registry    common.Address
	callTimeout time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	decimals map[string]uint8
	symbols  map[string]string
	specs    map[string]productSpec
	params   *AuctionParams
}

// productSpec is the per-product contract geometry from the registry.
type productSpec struct {
	TickSize   float64
	PointValue float64
}

var _ Ledger = (*Gateway)(nil)

// GatewayConfig holds the contract addresses and read timeout.
type GatewayConfig struct {
	ClearingAddr    string
	SystemViewer    string
	ProductRegistry string
	CallTimeout     time.Duration
}

// NewGateway creates a Gateway. The submitter may be nil for read-only
// modes; write methods then fail.
func NewGateway(client Backend, sub *Submitter, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Gateway{
		client:      client,
		sub:         sub,
		clearing:    common.HexToAddress(cfg.ClearingAddr),
		viewer:      common.HexToAddress(cfg.SystemViewer),
		registry:    common.HexToAddress(cfg.ProductRegistry),
		callTimeout: cfg.CallTimeout,
		logger:      logger.With(slog.String("component", "ledger")),
		decimals:    make(map[string]uint8),
		symbols:     make(map[string]string),
		specs:       make(map[string]productSpec),
	}
}

// call packs, executes, and unpacks one eth_call under the per-call timeout.
func (g *Gateway) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	calldata, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: calldata}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	vals, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return vals, nil
}

// HeadBlock returns the current chain head block number.
func (g *Gateway) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	n, err := g.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: head block: %w", err)
	}
	return n, nil
}

// CollateralDecimals returns the ERC20 decimals of a collateral asset,
// cached after the first read.
func (g *Gateway) CollateralDecimals(ctx context.Context, asset string) (uint8, error) {
	g.mu.RLock()
	d, ok := g.decimals[asset]
	g.mu.RUnlock()
	if ok {
		return d, nil
	}

	vals, err := g.call(ctx, common.HexToAddress(asset), erc20ABI, "decimals")
	if err != nil {
		return 0, err
	}
	d = vals[0].(uint8)

	g.mu.Lock()
	g.decimals[asset] = d
	g.mu.Unlock()
	return d, nil
}

// CollateralSymbol returns the ERC20 symbol of a collateral asset,
// cached after the first read.
func (g *Gateway) CollateralSymbol(ctx context.Context, asset string) (string, error) {
	g.mu.RLock()
	s, ok := g.symbols[asset]
	g.mu.RUnlock()
	if ok {
		return s, nil
	}

	vals, err := g.call(ctx, common.HexToAddress(asset), erc20ABI, "symbol")
	if err != nil {
		return "", err
	}
	s = vals[0].(string)

	g.mu.Lock()
	g.symbols[asset] = s
	g.mu.Unlock()
	return s, nil
}

// MarginDataBatch reads equity and maintenance margin for a batch of
// accounts sharing one collateral asset, through the system viewer.
func (g *Gateway) MarginDataBatch(ctx context.Context, collateral string, accountIDs []string) ([]domain.MarginAccount, error) {
	dec, err := g.CollateralDecimals(ctx, collateral)
	if err != nil {
		return nil, err
	}
	sym, err := g.CollateralSymbol(ctx, collateral)
	if err != nil {
		return nil, err
	}

	addrs := make([]common.Address, len(accountIDs))
	for i, id := range accountIDs {
		addrs[i] = common.HexToAddress(id)
	}

	vals, err := g.call(ctx, g.viewer, viewerABI, "userMarginData", common.HexToAddress(collateral), addrs)
	if err != nil {
		return nil, err
	}
	maes := vals[0].([]*big.Int)
	mmus := vals[1].([]*big.Int)
	liq := vals[2].([]bool)
	if len(maes) != len(accountIDs) || len(mmus) != len(accountIDs) || len(liq) != len(accountIDs) {
		return nil, fmt.Errorf("ledger: userMarginData returned %d/%d/%d rows for %d accounts",
			len(maes), len(mmus), len(liq), len(accountIDs))
	}

	now := time.Now().UTC()
	out := make([]domain.MarginAccount, len(accountIDs))
	for i, id := range accountIDs {
		out[i] = domain.MarginAccount{
			AccountID:         id,
			VaultAddress:      id,
			CollateralAsset:   collateral,
			CollateralSymbol:  sym,
			Decimals:          dec,
			Equity:            fromUnits(maes[i], dec),
			MaintenanceMargin: fromUnits(mmus[i], dec),
			InAuction:         liq[i],
			FetchedAt:         now,
		}
	}
	return out, nil
}

// Positions reads the product legs of a margin account, carrying each
// product's tick size and point value so pricing downstream can round
// and weight correctly.
func (g *Gateway) Positions(ctx context.Context, accountID string) ([]domain.Position, error) {
	vals, err := g.call(ctx, g.viewer, viewerABI, "positions", common.HexToAddress(accountID))
	if err != nil {
		return nil, err
	}
	products := vals[0].([][32]byte)
	quantities := vals[1].([]*big.Int)
	avgPrices := vals[2].([]*big.Int)

	out := make([]domain.Position, 0, len(products))
	for i, p := range products {
		q := quantities[i].Int64()
		if q == 0 {
			continue
		}
		id := common.Hash(p).Hex()
		spec, err := g.productSpec(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Position{
			ProductID:  id,
			Quantity:   float64(q),
			AvgPrice:   fromUnits(avgPrices[i], priceDecimalsHint),
			TickSize:   spec.TickSize,
			PointValue: spec.PointValue,
		})
	}
	return out, nil
}

// productSpec reads a product's tick size and point value from the
// registry, cached after the first read (they are immutable per listing).
func (g *Gateway) productSpec(ctx context.Context, productID string) (productSpec, error) {
	g.mu.RLock()
	s, ok := g.specs[productID]
	g.mu.RUnlock()
	if ok {
		return s, nil
	}

	vals, err := g.call(ctx, g.registry, registryABI, "tickSize", common.HexToHash(productID))
	if err != nil {
		return productSpec{}, err
	}
	s.TickSize = fromUnits(vals[0].(*big.Int), priceDecimalsHint)

	vals, err = g.call(ctx, g.registry, registryABI, "pointValue", common.HexToHash(productID))
	if err != nil {
		return productSpec{}, err
	}
	s.PointValue = fromUnits(vals[0].(*big.Int), priceDecimalsHint)

	g.mu.Lock()
	g.specs[productID] = s
	g.mu.Unlock()
	return s, nil
}

// priceDecimalsHint scales raw product prices where no collateral context
// is available. Callers that know the collateral use its decimals instead.
const priceDecimalsHint = 18

// AuctionData reads the live auction state for an account and derives the
// local status from the raw fields plus the current head block.
func (g *Gateway) AuctionData(ctx context.Context, accountID, collateral string) (domain.Auction, error) {
	dec, err := g.CollateralDecimals(ctx, collateral)
	if err != nil {
		return domain.Auction{}, err
	}

	vals, err := g.call(ctx, g.clearing, clearingABI, "auctionData", common.HexToAddress(accountID))
	if err != nil {
		return domain.Auction{}, err
	}
	startBlock := vals[0].(*big.Int).Uint64()
	maeStart := vals[1].(*big.Int)
	mmuStart := vals[2].(*big.Int)
	mae := vals[3].(*big.Int)
	mmu := vals[4].(*big.Int)
	bestBid := vals[5].(*big.Int)
	resolved := vals[6].(bool)

	params, err := g.AuctionConfig(ctx)
	if err != nil {
		return domain.Auction{}, err
	}
	head, err := g.HeadBlock(ctx)
	if err != nil {
		return domain.Auction{}, err
	}

	status := domain.AuctionNotStarted
	switch {
	case resolved:
		status = domain.AuctionResolved
	case startBlock == 0:
		status = domain.AuctionNotStarted
	case head > startBlock+params.DurationBlocks:
		status = domain.AuctionExpired
	case bestBid.Sign() > 0:
		status = domain.AuctionBidAccepted
	default:
		status = domain.AuctionOpen
	}

	return domain.Auction{
		AccountID:       accountID,
		VaultAddress:    accountID,
		CollateralAsset: collateral,
		Status:          status,
		StartBlock:      startBlock,
		DurationBlocks:  params.DurationBlocks,
		EquityAtStart:   fromUnits(maeStart, dec),
		MarginAtStart:   fromUnits(mmuStart, dec),
		Equity:          fromUnits(mae, dec),
		Margin:          fromUnits(mmu, dec),
		ObservedBlock:   head,
		ObservedAt:      time.Now().UTC(),
	}, nil
}

// AuctionConfig reads the protocol auction parameters, cached after the
// first read (they change only by governance).
func (g *Gateway) AuctionConfig(ctx context.Context) (AuctionParams, error) {
	g.mu.RLock()
	p := g.params
	g.mu.RUnlock()
	if p != nil {
		return *p, nil
	}

	vals, err := g.call(ctx, g.clearing, clearingABI, "auctionConfig")
	if err != nil {
		return AuctionParams{}, err
	}
	params := AuctionParams{
		DurationBlocks:       vals[0].(*big.Int).Uint64(),
		RestorationBufferBps: float64(vals[1].(*big.Int).Uint64()),
	}

	g.mu.Lock()
	g.params = &params
	g.mu.Unlock()
	return params, nil
}

// IsLiquidating reports whether an auction is currently running for the
// account.
func (g *Gateway) IsLiquidating(ctx context.Context, accountID string) (bool, error) {
	vals, err := g.call(ctx, g.clearing, clearingABI, "isLiquidating", common.HexToAddress(accountID))
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// MarkPrice reads the clearing system's current valuation of a product.
func (g *Gateway) MarkPrice(ctx context.Context, productID string, decimals uint8) (float64, error) {
	vals, err := g.call(ctx, g.clearing, clearingABI, "valuation", common.HexToHash(productID))
	if err != nil {
		return 0, err
	}
	return fromUnits(vals[0].(*big.Int), decimals), nil
}

// EstimateAfterBid asks the ledger what the signer's equity and margin
// would be if every level of the bid filled. This is the authoritative
// pre-bid safety input.
func (g *Gateway) EstimateAfterBid(ctx context.Context, levels []domain.BidLevel, decimals uint8) (float64, float64, error) {
	if g.sub == nil {
		return 0, 0, fmt.Errorf("ledger: estimate after bid: no signing account configured")
	}
	products, quantities, prices := packLevels(levels, decimals)
	vals, err := g.call(ctx, g.clearing, clearingABI, "maeAndMmuAfterBatchTrade",
		g.sub.From(), products, quantities, prices)
	if err != nil {
		return 0, 0, err
	}
	return fromUnits(vals[0].(*big.Int), decimals), fromUnits(vals[1].(*big.Int), decimals), nil
}

// ProductListed reports whether the product is known to the registry.
func (g *Gateway) ProductListed(ctx context.Context, productID string) (bool, error) {
	vals, err := g.call(ctx, g.registry, registryABI, "listed", common.HexToHash(productID))
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// OpenInterest returns the product's open interest in contracts.
func (g *Gateway) OpenInterest(ctx context.Context, productID string) (float64, error) {
	vals, err := g.call(ctx, g.clearing, clearingABI, "openInterest", common.HexToHash(productID))
	if err != nil {
		return 0, err
	}
	return float64(vals[0].(*big.Int).Uint64()), nil
}

// FSPFinalized reports whether the product's final settlement price has
// been finalized.
func (g *Gateway) FSPFinalized(ctx context.Context, productID string) (bool, error) {
	vals, err := g.call(ctx, g.registry, registryABI, "fspFinalized", common.HexToHash(productID))
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// EarliestFSPTime returns the earliest final-settlement-price submission
// time for the product.
func (g *Gateway) EarliestFSPTime(ctx context.Context, productID string) (time.Time, error) {
	vals, err := g.call(ctx, g.registry, registryABI, "earliestFspSubmissionTime", common.HexToHash(productID))
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(vals[0].(*big.Int).Uint64()), 0).UTC(), nil
}

// TradeoutInterval returns the protocol's post-FSP tradeout window.
func (g *Gateway) TradeoutInterval(ctx context.Context) (time.Duration, error) {
	vals, err := g.call(ctx, g.registry, registryABI, "tradeoutInterval")
	if err != nil {
		return 0, err
	}
	return time.Duration(vals[0].(*big.Int).Uint64()) * time.Second, nil
}

// ---------------------------------------------------------------------------
// Writes. Each packs calldata and hands it to the serialized submitter.
// ---------------------------------------------------------------------------

func (g *Gateway) submit(ctx context.Context, method string, args ...any) (string, error) {
	if g.sub == nil {
		return "", fmt.Errorf("ledger: %s: no signing account configured", method)
	}
	calldata, err := clearingABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	hash, err := g.sub.Submit(ctx, g.clearing, calldata)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// RequestLiquidation starts an auction for an underwater account.
func (g *Gateway) RequestLiquidation(ctx context.Context, accountID string) (string, error) {
	return g.submit(ctx, "requestLiquidation", common.HexToAddress(accountID))
}

// BidAuction submits a bid covering the given levels.
func (g *Gateway) BidAuction(ctx context.Context, accountID string, levels []domain.BidLevel, decimals uint8) (string, error) {
	products, quantities, prices := packLevels(levels, decimals)
	return g.submit(ctx, "bidAuction", common.HexToAddress(accountID), products, quantities, prices)
}

// ClosePosition reduces one of the signer's own positions at a limit price.
func (g *Gateway) ClosePosition(ctx context.Context, productID string, quantity, limitPrice float64, decimals uint8) (string, error) {
	return g.submit(ctx, "closePosition",
		common.HexToHash(productID), big.NewInt(int64(quantity)), toUnits(limitPrice, decimals))
}

// InitiateFinalSettlement closes out an expired product.
func (g *Gateway) InitiateFinalSettlement(ctx context.Context, productID string) (string, error) {
	return g.submit(ctx, "initiateFinalSettlement", common.HexToHash(productID))
}

// MutualizeLosses socializes a bankrupt account's losses across absorbers.
func (g *Gateway) MutualizeLosses(ctx context.Context, accountID string, absorberIDs []string) (string, error) {
	absorbers := make([]common.Address, len(absorberIDs))
	for i, id := range absorberIDs {
		absorbers[i] = common.HexToAddress(id)
	}
	return g.submit(ctx, "mutualizeLosses", common.HexToAddress(accountID), absorbers)
}

// AwaitConfirmation blocks until the transaction is mined or the
// confirmation window elapses.
func (g *Gateway) AwaitConfirmation(ctx context.Context, txHash string) error {
	if g.sub == nil {
		return fmt.Errorf("ledger: await confirmation: no signing account configured")
	}
	return g.sub.AwaitConfirmation(ctx, common.HexToHash(txHash))
}

// ---------------------------------------------------------------------------
// Fixed-point conversion helpers.
// ---------------------------------------------------------------------------

func packLevels(levels []domain.BidLevel, decimals uint8) ([][32]byte, []*big.Int, []*big.Int) {
	products := make([][32]byte, len(levels))
	quantities := make([]*big.Int, len(levels))
	prices := make([]*big.Int, len(levels))
	for i, l := range levels {
		products[i] = common.HexToHash(l.ProductID)
		quantities[i] = big.NewInt(int64(l.Quantity))
		prices[i] = toUnits(l.Price, decimals)
	}
	return products, quantities, prices
}

// fromUnits converts a fixed-point chain value to a float in asset units.
func fromUnits(x *big.Int, decimals uint8) float64 {
	if x == nil {
		return 0
	}
	f := new(big.Float).SetInt(x)
	f.Quo(f, big.NewFloat(math.Pow10(int(decimals))))
	out, _ := f.Float64()
	return out
}

// toUnits converts a float in asset units to a fixed-point chain value.
// Never negative; callers pass prices and absolute amounts.
func toUnits(v float64, decimals uint8) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(v), big.NewFloat(math.Pow10(int(decimals))))
	out, _ := f.Int(nil)
	return out
}
