// Package venue is the REST client for the exchange API. It is a thin
// collaborator: the core components depend on the small method set below,
// not on wire details.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultBalanceTTL bounds how stale a cached balance may be. The decision
// cycle always force-refreshes; the TTL only serves ancillary readers.
const DefaultBalanceTTL = 2 * time.Second

type Client struct {
	host       string
	httpClient *http.Client

	mu          sync.RWMutex
	balances    map[string]Balances
	balancesAt  map[string]time.Time
	balanceTTL  time.Duration
	marketsByID map[string]Market
}

func NewClient(host string, markets []Market) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.HasPrefix(host, "http") {
		return nil, fmt.Errorf("venue host must be http(s), got %q", host)
	}
	byID := make(map[string]Market, len(markets))
	for _, m := range markets {
		byID[m.ID] = m
	}
	return &Client{
		host:        host,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		balances:    make(map[string]Balances),
		balancesAt:  make(map[string]time.Time),
		balanceTTL:  DefaultBalanceTTL,
		marketsByID: byID,
	}, nil
}

// Market returns the immutable descriptor for a market id.
func (c *Client) Market(id string) (Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.marketsByID[id]
	return m, ok
}

func (c *Client) Markets() []Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Market, 0, len(c.marketsByID))
	for _, m := range c.marketsByID {
		out = append(out, m)
	}
	return out
}

// GetTicker returns nil (no error) when the venue has no ticker for the
// market yet; callers treat that as "no pricing basis".
func (c *Client) GetTicker(ctx context.Context, marketID string) (*Ticker, error) {
	params := url.Values{"market": []string{marketID}}
	var t Ticker
	if err := c.doJSON(ctx, http.MethodGet, "/api/ticker", params, &t); err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if t.LastPrice.IsZero() && t.Bid.IsZero() && t.Ask.IsZero() {
		return nil, nil
	}
	return &t, nil
}

func (c *Client) GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error) {
	params := url.Values{"market": []string{marketID}}
	var book OrderBook
	if err := c.doJSON(ctx, http.MethodGet, "/api/orderbook", params, &book); err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &book, nil
}

// GetBalances serves from a short-TTL cache unless forceRefresh is set.
// The decision cycle always forces a refresh: a stale balance risks
// over-committing a placement.
func (c *Client) GetBalances(ctx context.Context, marketID string, forceRefresh bool) (Balances, error) {
	if !forceRefresh {
		c.mu.RLock()
		bal, ok := c.balances[marketID]
		at := c.balancesAt[marketID]
		c.mu.RUnlock()
		if ok && time.Since(at) < c.balanceTTL {
			return bal, nil
		}
	}

	params := url.Values{"market": []string{marketID}}
	var bal Balances
	if err := c.doJSON(ctx, http.MethodGet, "/api/balances", params, &bal); err != nil {
		return Balances{}, err
	}

	c.mu.Lock()
	c.balances[marketID] = bal
	c.balancesAt[marketID] = time.Now()
	c.mu.Unlock()
	return bal, nil
}

// InvalidateBalances drops the cached balances for a market, typically after
// a push balance-update event.
func (c *Client) InvalidateBalances(marketID string) {
	c.mu.Lock()
	delete(c.balances, marketID)
	delete(c.balancesAt, marketID)
	c.mu.Unlock()
}

func (c *Client) GetOpenOrders(ctx context.Context, marketID string) ([]Order, error) {
	params := url.Values{"market": []string{marketID}, "status": []string{"open"}}
	var orders []Order
	if err := c.doJSON(ctx, http.MethodGet, "/api/orders", params, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetRecentOrders returns the market's recent orders regardless of status,
// used to seed fill tracking after a restart.
func (c *Client) GetRecentOrders(ctx context.Context, marketID string, limit int) ([]Order, error) {
	params := url.Values{"market": []string{marketID}}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	var orders []Order
	if err := c.doJSON(ctx, http.MethodGet, "/api/orders/recent", params, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

type accountNonceResp struct {
	Nonce uint64 `json:"nonce"`
}

// GetAccountNonce queries the venue's authoritative nonce for an account.
func (c *Client) GetAccountNonce(ctx context.Context, accountID string) (uint64, error) {
	params := url.Values{"account": []string{accountID}}
	var resp accountNonceResp
	if err := c.doJSON(ctx, http.MethodGet, "/api/account/nonce", params, &resp); err != nil {
		return 0, err
	}
	return resp.Nonce, nil
}

// SubmitTransaction posts a signed action payload. On a non-2xx response the
// returned error is an *APIError whose Body carries the venue's error text,
// including any nonce hints.
func (c *Client) SubmitTransaction(ctx context.Context, payload []byte) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.doJSONBody(ctx, http.MethodPost, "/api/transactions", nil, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateSession posts an owner-signed session authorization.
func (c *Client) CreateSession(ctx context.Context, payload []byte) error {
	return c.doJSONBody(ctx, http.MethodPost, "/api/sessions", nil, payload, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, params url.Values, out any) error {
	u := c.host + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Method: method, Path: path, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s response: %w (body=%s)", path, err, strings.TrimSpace(string(b)))
	}
	return nil
}

func (c *Client) doJSONBody(ctx context.Context, method, path string, params url.Values, body []byte, out any) error {
	u := c.host + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Method: method, Path: path, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s response: %w (body=%s)", path, err, strings.TrimSpace(string(b)))
	}
	return nil
}
