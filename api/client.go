package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the Polymarket Data API (read-only activity and positions).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Data API client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://data-api.polymarket.com"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ActivityRecord is one raw record from /activity. The feed is ordered by
// timestamp descending and may return overlapping windows across calls.
type ActivityRecord struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Timestamp       int64   `json:"timestamp"` // unix seconds
	ConditionID     string  `json:"conditionId"`
	Type            string  `json:"type"` // TRADE, REDEEM, SPLIT, MERGE, ...
	Asset           string  `json:"asset"`
	Side            string  `json:"side"`
	Size            float64 `json:"size"`
	UsdcSize        float64 `json:"usdcSize"`
	Price           float64 `json:"price"`
	Outcome         string  `json:"outcome"`
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	TransactionHash string  `json:"transactionHash"`
}

// EventID builds a stable identifier for a record. A single transaction can
// carry fills for several outcome tokens, so the asset is part of the key.
func (r ActivityRecord) EventID() string {
	return r.TransactionHash + ":" + r.Asset + ":" + strings.ToUpper(r.Side)
}

// GetActivity fetches one page of the target's activity feed.
func (c *Client) GetActivity(ctx context.Context, user string, limit, offset int) ([]ActivityRecord, error) {
	values := url.Values{}
	values.Set("user", strings.ToLower(user))
	values.Set("limit", strconv.Itoa(limit))
	values.Set("offset", strconv.Itoa(offset))
	values.Set("sortBy", "TIMESTAMP")
	values.Set("sortDirection", "DESC")

	var records []ActivityRecord
	if err := c.getJSON(ctx, "/activity?"+values.Encode(), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// UserPosition is one live position reported by the Data API.
type UserPosition struct {
	ProxyWallet string  `json:"proxyWallet"`
	Asset       string  `json:"asset"`
	ConditionID string  `json:"conditionId"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avgPrice"`
	Outcome     string  `json:"outcome"`
	Title       string  `json:"title"`
}

// GetPositions fetches the live positions of a wallet. Used to re-check
// authoritative exchange state when the local ledger looks stale.
func (c *Client) GetPositions(ctx context.Context, user string) ([]UserPosition, error) {
	values := url.Values{}
	values.Set("user", strings.ToLower(user))

	var positions []UserPosition
	if err := c.getJSON(ctx, "/positions?"+values.Encode(), &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("data api %s failed: %d %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("data api %s: decode: %w", path, err)
	}
	return nil
}
