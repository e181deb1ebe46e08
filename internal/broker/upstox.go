package broker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/schema"
	"github.com/deepterminal/deepterminal/internal/telemetry"
)

const (
	defaultBaseURL     = "https://api.upstox.com/v2"
	defaultMaxAttempts = 3
	maxErrorBodyBytes  = 4 << 10
)

// UpstoxClient talks to the Upstox v2 REST API.
type UpstoxClient struct {
	baseURL     string
	token       string
	client      *http.Client
	metrics     *telemetry.EngineMetrics
	maxAttempts int
}

// UpstoxOption configures the client.
type UpstoxOption func(*UpstoxClient)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) UpstoxOption {
	return func(c *UpstoxClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(base string) UpstoxOption {
	return func(c *UpstoxClient) {
		if trimmed := strings.TrimRight(strings.TrimSpace(base), "/"); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithMetrics attaches engine metrics for retry accounting.
func WithMetrics(metrics *telemetry.EngineMetrics) UpstoxOption {
	return func(c *UpstoxClient) {
		c.metrics = metrics
	}
}

// WithMaxAttempts bounds retries for transient failures.
func WithMaxAttempts(n int) UpstoxOption {
	return func(c *UpstoxClient) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewUpstoxClient constructs a client authenticating with the access token.
func NewUpstoxClient(token string, opts ...UpstoxOption) (*UpstoxClient, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errs.New("broker/upstox", errs.CodeInvalid, errs.WithMessage("access token required"))
	}
	c := &UpstoxClient{
		baseURL:     defaultBaseURL,
		token:       token,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type apiEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Errors []apiError      `json:"errors"`
}

type apiError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

type placeOrderPayload struct {
	TransactionType   string  `json:"transaction_type"`
	Exchange          string  `json:"exchange"`
	Symbol            string  `json:"symbol"`
	Quantity          int64   `json:"quantity"`
	Product           string  `json:"product"`
	OrderType         string  `json:"order_type"`
	Price             float64 `json:"price"`
	TriggerPrice      float64 `json:"trigger_price"`
	DisclosedQuantity int64   `json:"disclosed_quantity"`
	Validity          string  `json:"validity"`
	Tag               string  `json:"tag,omitempty"`
}

type placeOrderData struct {
	OrderID string `json:"order_id"`
}

// PlaceOrder implements Broker. Transient failures are retried with
// exponential backoff up to the configured attempt limit; rejections from
// the venue are returned immediately.
func (c *UpstoxClient) PlaceOrder(ctx context.Context, order schema.Order) (string, error) {
	payload := placeOrderPayload{
		TransactionType: string(order.Side),
		Exchange:        order.Instrument.Exchange,
		Symbol:          order.Instrument.Symbol,
		Quantity:        order.Quantity,
		Product:         "I",
		OrderType:       string(order.Type),
		Validity:        "DAY",
		Tag:             order.ID,
	}
	if order.LimitPrice != nil {
		payload.Price = order.LimitPrice.InexactFloat64()
	}
	if order.TriggerPrice != nil {
		payload.TriggerPrice = order.TriggerPrice.InexactFloat64()
	}

	body, err := c.doWithRetry(ctx, http.MethodPost, "/order/place", payload, nil)
	if err != nil {
		return "", err
	}

	var data placeOrderData
	if err := json.Unmarshal(body, &data); err != nil {
		return "", errs.New("broker/upstox", errs.CodeExternal,
			errs.WithMessage("decode place order response"), errs.WithCause(err))
	}
	if strings.TrimSpace(data.OrderID) == "" {
		return "", errs.New("broker/upstox", errs.CodeExternal,
			errs.WithMessage("place order response missing order_id"))
	}
	return data.OrderID, nil
}

// CancelOrder implements Broker.
func (c *UpstoxClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if strings.TrimSpace(brokerOrderID) == "" {
		return errs.New("broker/upstox", errs.CodeInvalid, errs.WithMessage("broker order id required"))
	}
	query := url.Values{"order_id": {brokerOrderID}}
	_, err := c.doWithRetry(ctx, http.MethodDelete, "/order/cancel", nil, query)
	return err
}

func (c *UpstoxClient) doWithRetry(ctx context.Context, method, path string, payload any, query url.Values) ([]byte, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 100 * time.Millisecond
	backoffCfg.MaxInterval = 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.BrokerRetry(ctx, path)
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				break
			}
			select {
			case <-ctx.Done():
				return nil, contextError(ctx, path)
			case <-time.After(sleep):
			}
		}

		body, err := c.do(ctx, method, path, payload, query)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *UpstoxClient) do(ctx context.Context, method, path string, payload any, query url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, errs.New("broker/upstox", errs.CodeInvalid,
				errs.WithMessage("encode request"), errs.WithCause(err))
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, errs.New("broker/upstox", errs.CodeInvalid,
			errs.WithMessage("create request"), errs.WithCause(err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError(ctx, path)
		}
		return nil, errs.New("broker/upstox", errs.CodeExternal,
			errs.WithMessage(method+" "+path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.New("broker/upstox", errs.CodeExternal,
			errs.WithMessage("read response"), errs.WithCause(err))
	}

	var envelope apiEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil && resp.StatusCode < 300 {
			return nil, errs.New("broker/upstox", errs.CodeExternal,
				errs.WithMessage("decode response"), errs.WithCause(err),
				errs.WithHTTP(resp.StatusCode))
		}
	}

	if resp.StatusCode >= 300 || strings.EqualFold(envelope.Status, "error") {
		return nil, apiFailure(resp.StatusCode, envelope, raw)
	}
	return envelope.Data, nil
}

func apiFailure(status int, envelope apiEnvelope, raw []byte) error {
	code := errs.CodeExternal
	switch {
	case status == http.StatusRequestTimeout:
		code = errs.CodeTimeout
	case status == http.StatusNotFound:
		code = errs.CodeNotFound
	case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		code = errs.CodeInvalid
	}

	opts := []errs.Option{errs.WithHTTP(status)}
	if len(envelope.Errors) > 0 {
		opts = append(opts,
			errs.WithRawCode(envelope.Errors[0].ErrorCode),
			errs.WithRawMessage(envelope.Errors[0].Message))
	} else if len(raw) > 0 {
		trimmed := strings.TrimSpace(string(raw))
		if len(trimmed) > maxErrorBodyBytes {
			trimmed = trimmed[:maxErrorBodyBytes]
		}
		opts = append(opts, errs.WithRawMessage(trimmed))
	}
	return errs.New("broker/upstox", code, opts...)
}

func contextError(ctx context.Context, path string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.New("broker/upstox", errs.CodeTimeout, errs.WithMessage(path), errs.WithCause(ctx.Err()))
	}
	return errs.New("broker/upstox", errs.CodeUnavailable, errs.WithMessage(path), errs.WithCause(ctx.Err()))
}

// retryable reports whether the failure is worth another attempt: network
// errors, 5xx responses and rate limiting. Venue rejections are permanent.
func retryable(err error) bool {
	var envelope *errs.E
	if !errors.As(err, &envelope) {
		return false
	}
	switch envelope.Code {
	case errs.CodeInvalid, errs.CodeNotFound, errs.CodeTimeout, errs.CodeUnavailable:
		return false
	}
	if envelope.HTTP == 0 {
		return envelope.Code == errs.CodeExternal
	}
	return envelope.HTTP >= 500 || envelope.HTTP == http.StatusTooManyRequests
}
