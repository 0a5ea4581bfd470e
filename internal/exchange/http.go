package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitguard/marginguard/pkg/models"
)

// httpClient is the production Client: a signed JSON REST client against
// the exchange's private API.
type httpClient struct {
	baseURL string
	creds   models.Credentials
	http    *http.Client
}

// NewHTTPFactory returns a Factory producing REST clients bound to
// baseURL. Each client signs requests with its own credential triple.
func NewHTTPFactory(baseURL string, timeout time.Duration) Factory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(creds models.Credentials) (Client, error) {
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, fmt.Errorf("incomplete credential triple")
		}
		return &httpClient{
			baseURL: baseURL,
			creds:   creds,
			http:    &http.Client{Timeout: timeout},
		}, nil
	}
}

// sign produces the request signature the exchange expects:
// HMAC-SHA256(secret, timestamp + method + path + body).
func (c *httpClient) sign(timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *httpClient) do(ctx context.Context, method, path string, payload, dest interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.creds.APIKey)
	req.Header.Set("X-API-Timestamp", timestamp)
	req.Header.Set("X-API-Signature", c.sign(timestamp, method, path, body))
	if c.creds.Passphrase != "" {
		req.Header.Set("X-API-Passphrase", c.creds.Passphrase)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("exchange returned %d: %s", resp.StatusCode, string(msg))
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *httpClient) GetRunningPositions(ctx context.Context) ([]models.Position, error) {
	var out struct {
		Positions []models.Position `json:"positions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/positions?status=open", nil, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

func (c *httpClient) GetIndexPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out struct {
		Price decimal.Decimal `json:"index_price"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/index-price/"+symbol, nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Price, nil
}

func (c *httpClient) ClosePosition(ctx context.Context, tradeID string) error {
	return c.do(ctx, http.MethodPost, "/v1/positions/"+tradeID+"/close", nil, nil)
}

func (c *httpClient) ReducePosition(ctx context.Context, symbol string, side models.PositionSide, amount decimal.Decimal) error {
	payload := map[string]interface{}{
		"symbol": symbol,
		"side":   side,
		"amount": amount,
	}
	return c.do(ctx, http.MethodPost, "/v1/positions/reduce", payload, nil)
}

func (c *httpClient) AddMargin(ctx context.Context, tradeID string, amount decimal.Decimal) error {
	payload := map[string]interface{}{"amount": amount}
	return c.do(ctx, http.MethodPost, "/v1/positions/"+tradeID+"/margin", payload, nil)
}

func (c *httpClient) CreateTrade(ctx context.Context, spec TradeSpec) (string, error) {
	var out struct {
		TradeID string `json:"trade_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/trades", spec, &out); err != nil {
		return "", err
	}
	return out.TradeID, nil
}

func (c *httpClient) UpdateTakeProfit(ctx context.Context, tradeID string, price decimal.Decimal) error {
	payload := map[string]interface{}{"take_profit": price}
	return c.do(ctx, http.MethodPost, "/v1/trades/"+tradeID+"/take-profit", payload, nil)
}

func (c *httpClient) UpdateStopLoss(ctx context.Context, tradeID string, price decimal.Decimal) error {
	payload := map[string]interface{}{"stop_loss": price}
	return c.do(ctx, http.MethodPost, "/v1/trades/"+tradeID+"/stop-loss", payload, nil)
}
