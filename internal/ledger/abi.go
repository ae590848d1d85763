// Package ledger talks to the clearing protocol's on-chain contracts. All
// reads go through eth_call; all writes go through the serialized Submitter
// so a single signing account never races its own nonce.
package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs. Only the entry points the agent uses are declared.
var (
	clearingABI abi.ABI
	viewerABI   abi.ABI
	registryABI abi.ABI
	erc20ABI    abi.ABI
)

func init() {
	var err error

	clearingABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "requestLiquidation",
			"type": "function",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": []
		},
		{
			"name": "bidAuction",
			"type": "function",
			"inputs": [
				{"name": "account", "type": "address"},
				{"name": "products", "type": "bytes32[]"},
				{"name": "quantities", "type": "int256[]"},
				{"name": "prices", "type": "uint256[]"}
			],
			"outputs": []
		},
		{
			"name": "auctionData",
			"type": "function",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [
				{"name": "startBlock", "type": "uint256"},
				{"name": "maeAtInitiation", "type": "int256"},
				{"name": "mmuAtInitiation", "type": "uint256"},
				{"name": "mae", "type": "int256"},
				{"name": "mmu", "type": "uint256"},
				{"name": "bestBid", "type": "uint256"},
				{"name": "resolved", "type": "bool"}
			]
		},
		{
			"name": "auctionConfig",
			"type": "function",
			"inputs": [],
			"outputs": [
				{"name": "liquidationDuration", "type": "uint256"},
				{"name": "restorationBuffer", "type": "uint256"}
			]
		},
		{
			"name": "isLiquidating",
			"type": "function",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "valuation",
			"type": "function",
			"inputs": [{"name": "product", "type": "bytes32"}],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "maeAndMmuAfterBatchTrade",
			"type": "function",
			"inputs": [
				{"name": "account", "type": "address"},
				{"name": "products", "type": "bytes32[]"},
				{"name": "quantities", "type": "int256[]"},
				{"name": "prices", "type": "uint256[]"}
			],
			"outputs": [
				{"name": "mae", "type": "int256"},
				{"name": "mmu", "type": "uint256"}
			]
		},
		{
			"name": "closePosition",
			"type": "function",
			"inputs": [
				{"name": "product", "type": "bytes32"},
				{"name": "quantity", "type": "int256"},
				{"name": "limitPrice", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "initiateFinalSettlement",
			"type": "function",
			"inputs": [{"name": "product", "type": "bytes32"}],
			"outputs": []
		},
		{
			"name": "mutualizeLosses",
			"type": "function",
			"inputs": [
				{"name": "account", "type": "address"},
				{"name": "absorbers", "type": "address[]"}
			],
			"outputs": []
		},
		{
			"name": "openInterest",
			"type": "function",
			"inputs": [{"name": "product", "type": "bytes32"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("clearing abi parse: " + err.Error())
	}

	viewerABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "userMarginData",
			"type": "function",
			"inputs": [
				{"name": "collateral", "type": "address"},
				{"name": "accounts", "type": "address[]"}
			],
			"outputs": [
				{"name": "maes", "type": "int256[]"},
				{"name": "mmus", "type": "uint256[]"},
				{"name": "liquidating", "type": "bool[]"}
			]
		},
		{
			"name": "positions",
			"type": "function",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [
				{"name": "products", "type": "bytes32[]"},
				{"name": "quantities", "type": "int256[]"},
				{"name": "avgPrices", "type": "uint256[]"}
			]
		}
	]`))
	if err != nil {
		panic("viewer abi parse: " + err.Error())
	}

	registryABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "tickSize",
			"type": "function",
			"inputs": [{"name": "product", "type": "bytes32"}],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "pointValue",
			"type": "function",
			"inputs": [{"name": "product", "type": "bytes32"}],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "fspFinalized",
			"type": "function",
			"inputs": [{"name": "product", "type": "bytes32"}],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "earliestFspSubmissionTime",
			"type": "function",
			"inputs": [{"name": "product", "type": "bytes32"}],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "tradeoutInterval",
			"type": "function",
			"inputs": [],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "listed",
			"type": "function",
			"inputs": [{"name": "product", "type": "bytes32"}],
			"outputs": [{"name": "", "type": "bool"}]
		}
	]`))
	if err != nil {
		panic("registry abi parse: " + err.Error())
	}

	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "decimals",
			"type": "function",
			"inputs": [],
			"outputs": [{"name": "", "type": "uint8"}]
		},
		{
			"name": "symbol",
			"type": "function",
			"inputs": [],
			"outputs": [{"name": "", "type": "string"}]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}
