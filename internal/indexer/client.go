// Package indexer queries the clearing protocol's chain indexer over
// GraphQL. The indexer is eventually consistent: its answers are used for
// discovery only, and every actionable fact is re-verified against the
// ledger before the agent acts on it.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ActiveAccount is one margin account the indexer believes holds open
// positions.
type ActiveAccount struct {
	AccountID       string
	VaultAddress    string
	CollateralAsset string
}

// Holder is one account's position size in a product, used to pick
// loss absorbers.
type Holder struct {
	AccountID string
	Quantity  float64
}

// Client is a GraphQL client for the chain indexer.
type Client struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an indexer client. timeout bounds each HTTP request.
func NewClient(graphqlURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// ActiveAccounts returns every margin account with at least one non-zero
// product holding, grouped however the caller likes. Absence of an
// account here is not proof it has no positions; the indexer may lag.
func (c *Client) ActiveAccounts(ctx context.Context, first int) ([]ActiveAccount, error) {
	query := `
		query ActiveAccounts($first: Int!) {
			productHoldings(
				first: $first
				filter: { quantity: { notEqualTo: "0" } }
				distinct: MARGIN_ACCOUNT
			) {
				nodes {
					accountId
					marginAccount
					collateralAsset
				}
			}
		}
	`

	respData, err := c.doQuery(ctx, query, map[string]any{"first": first})
	if err != nil {
		return nil, fmt.Errorf("indexer: fetch active accounts: %w", err)
	}

	var result struct {
		ProductHoldings struct {
			Nodes []struct {
				AccountID       string `json:"accountId"`
				MarginAccount   string `json:"marginAccount"`
				CollateralAsset string `json:"collateralAsset"`
			} `json:"nodes"`
		} `json:"productHoldings"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("indexer: decode active accounts: %w", err)
	}

	out := make([]ActiveAccount, 0, len(result.ProductHoldings.Nodes))
	seen := make(map[string]struct{}, len(result.ProductHoldings.Nodes))
	for _, n := range result.ProductHoldings.Nodes {
		if _, ok := seen[n.MarginAccount]; ok {
			continue
		}
		seen[n.MarginAccount] = struct{}{}
		out = append(out, ActiveAccount{
			AccountID:       n.AccountID,
			VaultAddress:    n.MarginAccount,
			CollateralAsset: n.CollateralAsset,
		})
	}
	return out, nil
}

// HoldersOf returns accounts holding the product, sorted by quantity
// descending, optionally filtered to one side by sign.
func (c *Client) HoldersOf(ctx context.Context, productID string, first int) ([]Holder, error) {
	query := `
		query HoldersOf($product: String!, $first: Int!) {
			productHoldings(
				first: $first
				filter: { productId: { equalTo: $product }, quantity: { notEqualTo: "0" } }
				orderBy: QUANTITY_DESC
			) {
				nodes {
					accountId
					quantity
				}
			}
		}
	`

	respData, err := c.doQuery(ctx, query, map[string]any{"product": productID, "first": first})
	if err != nil {
		return nil, fmt.Errorf("indexer: fetch holders of %s: %w", productID, err)
	}

	var result struct {
		ProductHoldings struct {
			Nodes []struct {
				AccountID string `json:"accountId"`
				Quantity  string `json:"quantity"`
			} `json:"nodes"`
		} `json:"productHoldings"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("indexer: decode holders: %w", err)
	}

	out := make([]Holder, 0, len(result.ProductHoldings.Nodes))
	for _, n := range result.ProductHoldings.Nodes {
		var q float64
		fmt.Sscanf(n.Quantity, "%f", &q)
		out = append(out, Holder{AccountID: n.AccountID, Quantity: q})
	}
	return out, nil
}

// AccountsInWindow returns accounts that traded within the last
// windowBlocks blocks before head. Used to select loss absorbers that
// are demonstrably active.
func (c *Client) AccountsInWindow(ctx context.Context, head, windowBlocks uint64) ([]string, error) {
	var from uint64
	if head > windowBlocks {
		from = head - windowBlocks
	}

	query := `
		query AccountsInWindow($from: BigFloat!) {
			trades(filter: { blockNumber: { greaterThanOrEqualTo: $from } }) {
				nodes {
					accountId
				}
			}
		}
	`

	respData, err := c.doQuery(ctx, query, map[string]any{"from": fmt.Sprintf("%d", from)})
	if err != nil {
		return nil, fmt.Errorf("indexer: fetch accounts in window: %w", err)
	}

	var result struct {
		Trades struct {
			Nodes []struct {
				AccountID string `json:"accountId"`
			} `json:"nodes"`
		} `json:"trades"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("indexer: decode accounts in window: %w", err)
	}

	seen := make(map[string]struct{}, len(result.Trades.Nodes))
	out := make([]string, 0, len(result.Trades.Nodes))
	for _, n := range result.Trades.Nodes {
		if _, ok := seen[n.AccountID]; ok {
			continue
		}
		seen[n.AccountID] = struct{}{}
		out = append(out, n.AccountID)
	}
	return out, nil
}

// ProductsWithFSPPassed returns products whose earliest final settlement
// price submission time is in the past, i.e. closeout candidates.
func (c *Client) ProductsWithFSPPassed(ctx context.Context, asOf time.Time) ([]string, error) {
	query := `
		query ProductsWithFSPPassed($asOf: Datetime!) {
			products(filter: { earliestFspSubmissionTime: { lessThan: $asOf } }) {
				nodes {
					productId
				}
			}
		}
	`

	respData, err := c.doQuery(ctx, query, map[string]any{"asOf": asOf.UTC().Format(time.RFC3339)})
	if err != nil {
		return nil, fmt.Errorf("indexer: fetch products with fsp passed: %w", err)
	}

	var result struct {
		Products struct {
			Nodes []struct {
				ProductID string `json:"productId"`
			} `json:"nodes"`
		} `json:"products"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("indexer: decode products: %w", err)
	}

	out := make([]string, 0, len(result.Products.Nodes))
	for _, n := range result.Products.Nodes {
		out = append(out, n.ProductID)
	}
	return out, nil
}

// LatestBlock returns the last block number the indexer has processed,
// used to detect indexing lag before trusting discovery output.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	query := `
		query LatestBlock {
			_metadata {
				lastProcessedHeight
			}
		}
	`

	respData, err := c.doQuery(ctx, query, nil)
	if err != nil {
		return 0, fmt.Errorf("indexer: fetch latest block: %w", err)
	}

	var result struct {
		Metadata struct {
			LastProcessedHeight uint64 `json:"lastProcessedHeight"`
		} `json:"_metadata"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return 0, fmt.Errorf("indexer: decode latest block: %w", err)
	}
	return result.Metadata.LastProcessedHeight, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doQuery executes a GraphQL query and returns the raw "data" field.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	reqBody := graphqlRequest{
		Query:     query,
		Variables: variables,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}

	return gqlResp.Data, nil
}
