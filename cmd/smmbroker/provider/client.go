// Package provider is a client for SMM panels speaking the common "API v2"
// protocol: form POSTs of key and action, JSON responses, {"error": "..."} on
// rejection.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

// ErrUnavailable covers transport, HTTP and decoding failures.
var ErrUnavailable = errors.New("provider unavailable")

// Error is a request the provider understood and refused.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "provider rejected request: " + e.Reason
}

type Client struct {
	endpoint string
	key      string
	http     *http.Client
	logger   *zap.Logger

	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	breakerDelay time.Duration

	reads  failsafe.Executor[[]byte]
	writes failsafe.Executor[[]byte]
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRetryPolicy sets how read actions are retried. Order submission is never retried.
func WithRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(cl *Client) {
		cl.maxRetries = maxRetries
		cl.baseDelay = baseDelay
		cl.maxDelay = maxDelay
	}
}

// WithBreakerDelay sets how long the circuit stays open before probing again.
func WithBreakerDelay(d time.Duration) Option {
	return func(cl *Client) { cl.breakerDelay = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func New(endpoint, key string, opts ...Option) *Client {
	c := &Client{
		endpoint:     endpoint,
		key:          key,
		http:         &http.Client{Timeout: 30 * time.Second},
		logger:       zap.NewNop(),
		maxRetries:   2,
		baseDelay:    200 * time.Millisecond,
		maxDelay:     2 * time.Second,
		breakerDelay: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	breaker := circuitbreaker.NewBuilder[[]byte]().
		HandleIf(transient).
		WithFailureThresholdRatio(5, 10).
		WithDelay(c.breakerDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			c.logger.Warn("provider circuit breaker state change",
				zap.String("from", stateName(e.OldState)),
				zap.String("to", stateName(e.NewState)))
		}).
		Build()
	retry := retrypolicy.NewBuilder[[]byte]().
		HandleIf(transient).
		WithMaxRetries(c.maxRetries).
		WithBackoff(c.baseDelay, c.maxDelay).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()

	c.reads = failsafe.With[[]byte](retry, breaker)
	c.writes = failsafe.With[[]byte](breaker)
	return c
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

// transient reports whether a failure is worth retrying and counts against the breaker.
func transient(_ []byte, err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	return !errors.As(err, &perr)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.code)
}

func (c *Client) call(ctx context.Context, exec failsafe.Executor[[]byte], action string, params url.Values) ([]byte, error) {
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("key", c.key)
	form.Set("action", action)

	body, err := exec.WithContext(ctx).Get(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if perr := rejection(b); perr != nil {
			return nil, perr
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &statusError{code: resp.StatusCode}
		}
		return b, nil
	})
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			return nil, perr
		}
		c.logger.Error("provider call failed", zap.String("action", action), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, action, err)
	}
	return body, nil
}

func rejection(b []byte) *Error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) != nil || e.Error == "" {
		return nil
	}
	return &Error{Reason: e.Error}
}

func decode(action string, b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, action, err)
	}
	return nil
}

// flexInt accepts both 10 and "10"; panels disagree on number encoding.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type service struct {
	Service  flexInt         `json:"service"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Rate     decimal.Decimal `json:"rate"`
	Min      flexInt         `json:"min"`
	Max      flexInt         `json:"max"`
}

func (c *Client) ListOfferings(ctx context.Context) ([]models.Offering, error) {
	b, err := c.call(ctx, c.reads, "services", nil)
	if err != nil {
		return nil, err
	}
	var services []service
	if err := decode("services", b, &services); err != nil {
		return nil, err
	}
	offerings := make([]models.Offering, 0, len(services))
	for _, s := range services {
		offerings = append(offerings, models.Offering{
			ID:       int64(s.Service),
			Category: s.Category,
			Name:     s.Name,
			Rate:     s.Rate,
			Min:      int64(s.Min),
			Max:      int64(s.Max),
		})
	}
	return offerings, nil
}

// SubmitOrder places an order and returns the provider's order id.
func (c *Client) SubmitOrder(ctx context.Context, serviceID int64, link string, quantity int64) (int64, error) {
	params := url.Values{}
	params.Set("service", strconv.FormatInt(serviceID, 10))
	params.Set("link", link)
	params.Set("quantity", strconv.FormatInt(quantity, 10))
	b, err := c.call(ctx, c.writes, "add", params)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Order flexInt `json:"order"`
	}
	if err := decode("add", b, &resp); err != nil {
		return 0, err
	}
	if resp.Order == 0 {
		return 0, fmt.Errorf("%w: add: no order id in response", ErrUnavailable)
	}
	return int64(resp.Order), nil
}

func (c *Client) GetStatus(ctx context.Context, orderID int64) (models.OrderStatus, error) {
	params := url.Values{}
	params.Set("order", strconv.FormatInt(orderID, 10))
	b, err := c.call(ctx, c.reads, "status", params)
	if err != nil {
		return models.OrderStatus{}, err
	}
	var resp struct {
		Status     string          `json:"status"`
		Charge     decimal.Decimal `json:"charge"`
		StartCount flexInt         `json:"start_count"`
		Remains    flexInt         `json:"remains"`
		Currency   string          `json:"currency"`
	}
	if err := decode("status", b, &resp); err != nil {
		return models.OrderStatus{}, err
	}
	return models.OrderStatus{
		Status:     resp.Status,
		Charge:     resp.Charge,
		StartCount: int64(resp.StartCount),
		Remains:    int64(resp.Remains),
		Currency:   resp.Currency,
	}, nil
}

// Balance returns the reseller account balance at the panel.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, string, error) {
	b, err := c.call(ctx, c.reads, "balance", nil)
	if err != nil {
		return decimal.Zero, "", err
	}
	var resp struct {
		Balance  decimal.Decimal `json:"balance"`
		Currency string          `json:"currency"`
	}
	if err := decode("balance", b, &resp); err != nil {
		return decimal.Zero, "", err
	}
	return resp.Balance, resp.Currency, nil
}
