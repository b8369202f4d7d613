package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/MachinePay/totem-payments/internal/resilience"
)

// ErrNotFound is returned when the gateway reports a missing resource.
var ErrNotFound = errors.New("gateway: not found")

// Client is a thin RPC boundary to the external payment gateway. All calls go
// through the resilient HTTP wrapper so transient 5xx responses are retried
// before an error is surfaced.
type Client struct {
	BaseURL     string
	AccessToken string
	HTTP        *resilience.HTTPClient
	Logger      zerolog.Logger
}

type createIntentReq struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

type intentList struct {
	Intents []Intent `json:"intents"`
}

type paymentSearchResult struct {
	Results []Payment `json:"results"`
}

// CreateIntent registers a payment intent for the given amount on a terminal device.
func (c *Client) CreateIntent(ctx context.Context, deviceID string, amountCents int64, description string) (Intent, error) {
	var intent Intent
	path := fmt.Sprintf("/v1/devices/%s/payment-intents", url.PathEscape(deviceID))
	err := c.call(ctx, http.MethodPost, path, createIntentReq{Amount: amountCents, Description: description}, &intent)
	return intent, err
}

// GetIntent fetches the current intent detail, including any embedded payment reference.
func (c *Client) GetIntent(ctx context.Context, intentID string) (Intent, error) {
	var intent Intent
	err := c.call(ctx, http.MethodGet, "/v1/payment-intents/"+url.PathEscape(intentID), nil, &intent)
	return intent, err
}

// DeleteIntent removes an intent from the terminal queue. A 404 from the
// gateway means the intent is already gone and is reported as success.
func (c *Client) DeleteIntent(ctx context.Context, intentID string) error {
	err := c.call(ctx, http.MethodDelete, "/v1/payment-intents/"+url.PathEscape(intentID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ListIntents returns every intent currently queued on the device.
func (c *Client) ListIntents(ctx context.Context, deviceID string) ([]Intent, error) {
	var list intentList
	path := fmt.Sprintf("/v1/devices/%s/payment-intents", url.PathEscape(deviceID))
	if err := c.call(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Intents, nil
}

// SearchPayments returns payments created within the trailing window matching
// any of the provided statuses.
func (c *Client) SearchPayments(ctx context.Context, window time.Duration, statuses ...string) ([]Payment, error) {
	now := time.Now().UTC()
	q := url.Values{}
	q.Set("begin_date", now.Add(-window).Format(time.RFC3339))
	q.Set("end_date", now.Format(time.RFC3339))
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	var result paymentSearchResult
	if err := c.call(ctx, http.MethodGet, "/v1/payments/search?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// GetPayment fetches payment detail by gateway payment id.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	var payment Payment
	err := c.call(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &payment)
	return payment, err
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if c == nil || c.HTTP == nil {
		return errors.New("gateway: client not configured")
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("gateway: %s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.Logger.Debug().
			Int("status", resp.StatusCode).
			Str("path", path).
			Bytes("body", payload).
			Msg("gateway error response")
		return fmt.Errorf("gateway: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}
