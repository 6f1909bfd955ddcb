package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tkachev-artem/cryptocraze-market/internal/config"
	"github.com/tkachev-artem/cryptocraze-market/internal/metrics"
	"github.com/tkachev-artem/cryptocraze-market/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Client is a rate-limited client for the exchange REST endpoints.
// All calls share one limiter so bursts across symbols stay within the
// exchange weight budget.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// tickerPriceResponse represents /api/v3/ticker/price
type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// ticker24hResponse represents /api/v3/ticker/24hr
type ticker24hResponse struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	Volume             string `json:"volume"`
	PriceChangePercent string `json:"priceChangePercent"`
}

// NewClient creates a new exchange REST client
func NewClient(cfg *config.RestConfig, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		logger:  logger,
	}
}

// GetPrice fetches the current price for a symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var resp tickerPriceResponse
	if err := c.get(ctx, "ticker_price", "/api/v3/ticker/price", url.Values{"symbol": {symbol}}, &resp); err != nil {
		return 0, err
	}

	price, err := parsePositiveFloat(resp.Price)
	if err != nil {
		return 0, fmt.Errorf("invalid price for %s: %w", symbol, err)
	}
	return price, nil
}

// Get24hStats fetches 24h ticker statistics for a symbol.
func (c *Client) Get24hStats(ctx context.Context, symbol string) (*models.Stats24h, error) {
	var resp ticker24hResponse
	if err := c.get(ctx, "ticker_24hr", "/api/v3/ticker/24hr", url.Values{"symbol": {symbol}}, &resp); err != nil {
		return nil, err
	}

	lastPrice, err := parsePositiveFloat(resp.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid last price for %s: %w", symbol, err)
	}

	stats := &models.Stats24h{
		Symbol:    symbol,
		LastPrice: lastPrice,
	}
	if v, err := decimal.NewFromString(resp.Volume); err == nil {
		stats.Volume24h = v.InexactFloat64()
	}
	if p, err := decimal.NewFromString(resp.PriceChangePercent); err == nil {
		stats.PriceChange24hPercent = p.InexactFloat64()
	}
	return stats, nil
}

// GetKlines fetches historical candles for a symbol and interval.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}

	var rows [][]json.RawMessage
	if err := c.get(ctx, "klines", "/api/v3/klines", params, &rows); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		// Kline row layout: openTime, open, high, low, close, volume, ...
		if len(row) < 6 {
			continue
		}

		var candle models.Candle
		if err := json.Unmarshal(row[0], &candle.OpenTime); err != nil {
			continue
		}

		ok := true
		for i, dst := range []*float64{&candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume} {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				ok = false
				break
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				ok = false
				break
			}
			*dst = d.InexactFloat64()
		}
		if !ok {
			continue
		}

		candles = append(candles, candle)
	}

	return candles, nil
}

// get performs a rate-limited GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RestRequests.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RestRequests.WithLabelValues(endpoint, "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.RestRequests.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}

	metrics.RestRequests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

func parsePositiveFloat(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	f := d.InexactFloat64()
	if f <= 0 {
		return 0, fmt.Errorf("non-positive value %q", s)
	}
	return f, nil
}
