package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client wraps the public Binance spot market-data endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Testnet    bool
	Weight     *WeightTracker // optional
}

// NewClient builds a REST client; use testnet to switch base URLs.
func NewClient(testnet bool) *Client {
	base := "https://api.binance.com"
	if testnet {
		base = "https://testnet.binance.vision"
	}
	return &Client{
		BaseURL:    base,
		Testnet:    testnet,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKlines fetches the most recent klines for symbol, oldest first. The
// last element may still be forming; callers filter with Kline.Closed.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var raw [][]any
	if err := c.get(ctx, "/api/v3/klines", params, &raw); err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, item := range raw {
		if len(item) < 9 {
			continue
		}
		klines = append(klines, Kline{
			Symbol:         symbol,
			OpenTime:       toInt64(item[0]),
			Open:           toFloat(item[1]),
			High:           toFloat(item[2]),
			Low:            toFloat(item[3]),
			Close:          toFloat(item[4]),
			Volume:         toFloat(item[5]),
			CloseTime:      toInt64(item[6]),
			QuoteVolume:    toFloat(item[7]),
			NumberOfTrades: int(toInt64(item[8])),
		})
	}
	return klines, nil
}

// GetServerTime fetches Binance server time in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.get(ctx, "/api/v3/time", nil, &resp); err != nil {
		return 0, fmt.Errorf("server time: %w", err)
	}
	return resp.ServerTime, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.Weight != nil {
		if err := c.Weight.Wait(ctx); err != nil {
			return err
		}
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if c.Weight != nil {
		c.Weight.Update(res.Header.Get(UsedWeightHeader))
	}

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("binance status %d", res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}
