package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"fotopipe/internal/apperr"
)

// Client fetches single orders from the upstream e-commerce API, retried with
// the same exponential-backoff shape as internal/event.Dispatcher — any
// transport error or 5xx retries, any 4xx is permanent.
type Client struct {
	BaseURL    string
	AccessToken string
	HTTPClient *http.Client
}

func NewClient(baseURL, accessToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		AccessToken: accessToken,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

// GetOrder fetches one order by its upstream numeric id.
func (c *Client) GetOrder(ctx context.Context, upstreamOrderID int64) (*OrderPayload, error) {
	url := fmt.Sprintf("%s/orders/%d.json", c.BaseURL, upstreamOrderID)

	op := func() (*OrderPayload, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("X-Access-Token", c.AccessToken)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, err // transport error: retryable
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("upstream: order fetch returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, backoff.Permanent(&apperr.UpstreamUnavailable{
				Cause: fmt.Errorf("order fetch returned %d", resp.StatusCode),
			})
		}

		var envelope struct {
			Order OrderPayload `json:"order"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("upstream: decode order payload: %w", err))
		}
		return &envelope.Order, nil
	}

	payload, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		return nil, fmt.Errorf("upstream: get order %d: %w", upstreamOrderID, err)
	}
	return payload, nil
}

// ListRecentOrders fetches the most recent limit orders, newest first — the
// Go rendition of list_recent_orders, backing FetchFromShopify's batch sync.
func (c *Client) ListRecentOrders(ctx context.Context, limit int) ([]OrderSummary, error) {
	url := fmt.Sprintf("%s/orders.json?limit=%d&order=created_at+desc", c.BaseURL, limit)

	op := func() ([]OrderSummary, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("X-Access-Token", c.AccessToken)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("upstream: list orders returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, backoff.Permanent(&apperr.UpstreamUnavailable{
				Cause: fmt.Errorf("list orders returned %d", resp.StatusCode),
			})
		}

		var envelope struct {
			Orders []OrderSummary `json:"orders"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("upstream: decode order list: %w", err))
		}
		return envelope.Orders, nil
	}

	orders, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		return nil, fmt.Errorf("upstream: list recent orders: %w", err)
	}
	return orders, nil
}
