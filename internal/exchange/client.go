// Package exchange is the REST client for the resale venue, used to
// unwind taken-over positions off-chain instead of trading against the
// ledger's mark.
package exchange

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/afplabs/liquidator/internal/crypto"
	"github.com/afplabs/liquidator/internal/domain"
)

// priceScale converts float prices to the venue's fixed-point wire format.
const priceScale = 1e18

// pollInterval is how often a resting order's status is re-read.
const pollInterval = 2 * time.Second

// Client is the REST client for the resale venue. It signs orders with
// EIP-712 and authenticates requests with HMAC headers.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
}

// NewClient creates a venue client.
//
// baseURL is the API root, e.g. "https://api.afx.example.com".
func NewClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:   signer,
		hmacAuth: hmac,
	}
}

// Order is the venue's order resource.
type Order struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"` // resting, partial, filled, cancelled, expired
	Filled    string `json:"filled_quantity"`
	AvgPrice  string `json:"avg_price"`
	ErrorMsg  string `json:"error_msg,omitempty"`
	Succeeded bool   `json:"success"`
}

// PlaceLimitOrder signs and posts a limit order, lets it rest for
// ord.GoodFor while polling its status, cancels any remainder, and
// returns what filled.
func (c *Client) PlaceLimitOrder(ctx context.Context, ord domain.ResaleOrder) (domain.OrderFill, error) {
	expiry := time.Now().Add(ord.GoodFor)

	payload := crypto.OrderPayload{
		Salt:       randomSalt(),
		Trader:     c.signer.Address().Hex(),
		ProductID:  ord.ProductID,
		Side:       sideCode(ord.Side),
		Quantity:   strconv.FormatInt(int64(math.Round(ord.Quantity)), 10),
		Price:      fixedPoint(ord.Price),
		Expiration: strconv.FormatInt(expiry.Unix(), 10),
		Nonce:      strconv.FormatInt(time.Now().UnixNano(), 10),
	}

	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return domain.OrderFill{}, fmt.Errorf("exchange: sign order: %w", domain.ErrSigningFailed)
	}

	body := map[string]any{
		"order":     payload,
		"signature": sig,
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/orders", body)
	if err != nil {
		return domain.OrderFill{}, fmt.Errorf("exchange: post order: %w", err)
	}

	var posted Order
	if err := json.Unmarshal(respBody, &posted); err != nil {
		return domain.OrderFill{}, fmt.Errorf("exchange: decode order result: %w", err)
	}
	if !posted.Succeeded {
		return domain.OrderFill{}, fmt.Errorf("exchange: order rejected: %s", posted.ErrorMsg)
	}

	fill, err := c.awaitFill(ctx, posted.OrderID, expiry)
	if err != nil {
		return domain.OrderFill{}, err
	}
	return fill, nil
}

// GetOrder retrieves a single order by its ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/orders/"+orderID, nil)
	if err != nil {
		return Order{}, fmt.Errorf("exchange: get order %s: %w", orderID, err)
	}

	var ord Order
	if err := json.Unmarshal(respBody, &ord); err != nil {
		return Order{}, fmt.Errorf("exchange: decode order: %w", err)
	}
	return ord, nil
}

// CancelOrder cancels a single order by its ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/orders/"+orderID, nil)
	if err != nil {
		return fmt.Errorf("exchange: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"error_msg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("exchange: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("exchange: cancel failed: %s", result.ErrorMsg)
	}
	return nil
}

// awaitFill polls the order until it settles or the good-until time
// passes, cancelling any remainder, and reports what filled.
func (c *Client) awaitFill(ctx context.Context, orderID string, expiry time.Time) (domain.OrderFill, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ord, err := c.GetOrder(ctx, orderID)
		if err != nil {
			return domain.OrderFill{}, err
		}

		switch ord.Status {
		case "filled", "cancelled", "expired":
			return toFill(ord)
		}

		if time.Now().After(expiry) {
			// Cancel the remainder; a race with a fill is fine, the final
			// read below settles it.
			if err := c.CancelOrder(ctx, orderID); err != nil {
				return domain.OrderFill{}, err
			}
			final, err := c.GetOrder(ctx, orderID)
			if err != nil {
				return domain.OrderFill{}, err
			}
			return toFill(final)
		}

		select {
		case <-ctx.Done():
			return domain.OrderFill{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func toFill(ord Order) (domain.OrderFill, error) {
	filled, err := strconv.ParseFloat(ord.Filled, 64)
	if err != nil {
		return domain.OrderFill{}, fmt.Errorf("exchange: parse filled %q: %w", ord.Filled, err)
	}
	var avg float64
	if filled > 0 {
		avg, err = strconv.ParseFloat(ord.AvgPrice, 64)
		if err != nil {
			return domain.OrderFill{}, fmt.Errorf("exchange: parse avg price %q: %w", ord.AvgPrice, err)
		}
	}
	return domain.OrderFill{OrderID: ord.OrderID, Filled: filled, AvgPrice: avg}, nil
}

func sideCode(s domain.Side) int {
	if s == domain.SideAsk {
		return 1
	}
	return 0
}

// fixedPoint renders a float price as an integer decimal string at the
// venue's 18-decimal scale.
func fixedPoint(price float64) string {
	scaled, _ := new(big.Float).Mul(
		big.NewFloat(price),
		big.NewFloat(priceScale),
	).Int(nil)
	return scaled.String()
}

func randomSalt() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return new(big.Int).SetBytes(buf[:]).String()
}

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the venue API. It returns the raw response body.
func (c *Client) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.hmacAuth != nil {
		address := c.signer.Address().Hex()
		headers := c.hmacAuth.Headers(address, method, path, bodyStr)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
