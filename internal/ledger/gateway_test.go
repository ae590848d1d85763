package ledger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend answers eth_calls from canned ABI-encoded outputs, keyed
// by method selector, and counts registry reads per product.
type fakeBackend struct {
	positions  [][32]byte
	quantities []*big.Int
	avgPrices  []*big.Int
	tickCalls  map[string]int
	pointCalls map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tickCalls:  make(map[string]int),
		pointCalls: make(map[string]int),
	}
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return 123, nil }

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	selector := msg.Data[:4]
	switch {
	case bytes.Equal(selector, viewerABI.Methods["positions"].ID):
		return viewerABI.Methods["positions"].Outputs.Pack(f.positions, f.quantities, f.avgPrices)
	case bytes.Equal(selector, registryABI.Methods["tickSize"].ID):
		product := common.BytesToHash(msg.Data[4:36]).Hex()
		f.tickCalls[product]++
		// 0.5 at the 18-decimal price scale.
		return registryABI.Methods["tickSize"].Outputs.Pack(big.NewInt(500_000_000_000_000_000))
	case bytes.Equal(selector, registryABI.Methods["pointValue"].ID):
		product := common.BytesToHash(msg.Data[4:36]).Hex()
		f.pointCalls[product]++
		return registryABI.Methods["pointValue"].Outputs.Pack(big.NewInt(2_000_000_000_000_000_000))
	}
	return nil, nil
}

func testGateway(backend Backend) *Gateway {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGateway(backend, nil, GatewayConfig{
		ClearingAddr:    "0x0000000000000000000000000000000000000001",
		SystemViewer:    "0x0000000000000000000000000000000000000002",
		ProductRegistry: "0x0000000000000000000000000000000000000003",
	}, logger)
}

func scaled(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000_000_000_000_000))
}

func TestPositions_CarriesProductSpecs(t *testing.T) {
	pA := common.HexToHash("0x01")
	pB := common.HexToHash("0x02")
	pEmpty := common.HexToHash("0x03")

	fb := newFakeBackend()
	fb.positions = [][32]byte{pA, pB, pEmpty}
	fb.quantities = []*big.Int{big.NewInt(10), big.NewInt(-4), big.NewInt(0)}
	fb.avgPrices = []*big.Int{scaled(100), scaled(95), scaled(0)}

	g := testGateway(fb)
	out, err := g.Positions(context.Background(), "0xacc")
	require.NoError(t, err)

	// The flat leg is dropped; the rest carry registry geometry.
	require.Len(t, out, 2)
	assert.Equal(t, pA.Hex(), out[0].ProductID)
	assert.InDelta(t, 10.0, out[0].Quantity, 1e-12)
	assert.InDelta(t, 100.0, out[0].AvgPrice, 1e-9)
	assert.InDelta(t, 0.5, out[0].TickSize, 1e-12)
	assert.InDelta(t, 2.0, out[0].PointValue, 1e-12)

	assert.Equal(t, pB.Hex(), out[1].ProductID)
	assert.InDelta(t, -4.0, out[1].Quantity, 1e-12)
	assert.InDelta(t, 0.5, out[1].TickSize, 1e-12)
	assert.InDelta(t, 2.0, out[1].PointValue, 1e-12)
}

func TestPositions_CachesProductSpecs(t *testing.T) {
	pA := common.HexToHash("0x01")

	fb := newFakeBackend()
	fb.positions = [][32]byte{pA}
	fb.quantities = []*big.Int{big.NewInt(3)}
	fb.avgPrices = []*big.Int{scaled(50)}

	g := testGateway(fb)
	_, err := g.Positions(context.Background(), "0xacc")
	require.NoError(t, err)
	_, err = g.Positions(context.Background(), "0xacc")
	require.NoError(t, err)

	// One registry round-trip per product, ever.
	assert.Equal(t, 1, fb.tickCalls[pA.Hex()])
	assert.Equal(t, 1, fb.pointCalls[pA.Hex()])
}
