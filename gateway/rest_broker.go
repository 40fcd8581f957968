package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"tradeguard/infrastructure/monitor"
)

// APIError 券商返回的非 2xx 响应
type APIError struct {
	Action     string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Action, e.StatusCode, e.Body)
}

// Retryable 5xx 与 429 视为暂时性错误
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// RESTBroker 签名 JSON REST 券商适配器；HTTPClient 可注入 httptest。
type RESTBroker struct {
	Name       string
	BaseURL    string
	APIKey     string
	Secret     string
	HTTPClient *http.Client
	Limiter    RateLimiter
	Metrics    *monitor.Monitor
}

// GetAccount GET /v1/account
func (c *RESTBroker) GetAccount(ctx context.Context) (Account, error) {
	var acct Account
	err := c.do(ctx, "get_account", http.MethodGet, "/v1/account", nil, nil, &acct)
	return acct, err
}

// GetPositions GET /v1/positions
func (c *RESTBroker) GetPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	err := c.do(ctx, "get_positions", http.MethodGet, "/v1/positions", nil, nil, &positions)
	return positions, err
}

// SubmitOrder POST /v1/orders
func (c *RESTBroker) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}
	var order Order
	if err := c.do(ctx, "submit_order", http.MethodPost, "/v1/orders", nil, req, &order); err != nil {
		return Order{}, err
	}
	if order.ID == "" {
		return Order{}, fmt.Errorf("submit_order: empty order id")
	}
	return order, nil
}

// GetQuote GET /v1/quotes?symbol=
func (c *RESTBroker) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	var q Quote
	err := c.do(ctx, "get_quote", http.MethodGet, "/v1/quotes", map[string]string{"symbol": symbol}, nil, &q)
	if err == nil && q.Symbol == "" {
		q.Symbol = symbol
	}
	return q, err
}

func (c *RESTBroker) do(ctx context.Context, action, method, path string, params map[string]string, body, out interface{}) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", action, err)
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", action, err)
		}
		payload = raw
		params["body_sha256"] = bodyDigest(raw)
	}
	query, sig := SignParams(params, c.Secret)
	endpoint := c.BaseURL + path + "?" + query + "&signature=" + url.QueryEscape(sig)

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", action, err)
	}
	req.Header.Set("X-API-KEY", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.Metrics.RecordRESTRequest(action)
	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	c.Metrics.RecordRESTLatency(action, time.Since(start).Seconds())
	if err != nil {
		c.Metrics.RecordRESTError(action)
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.Metrics.RecordRESTError(action)
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Action: action, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.Metrics.RecordRESTError(action)
		return fmt.Errorf("%s: decode response: %w", action, err)
	}
	return nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
