package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"

	"fotopipe/internal/bgtasks"
)

// Dispatcher publishes events to the Mercure hub. Grounded on
// original_source/services/external/mercure.py: a fresh HS256 publisher token
// per publish, form-encoded POST, logged-and-swallowed failures after retry —
// publication must never back-propagate into a transaction that has already
// committed (spec.md §4.3). The actual HTTP round trip runs on group, a C10
// bgtasks.Group, so Publish itself never blocks the caller (session.Commit
// included) on the hub's latency.
type Dispatcher struct {
	HubURL       string
	PublisherKey string
	HTTPClient   *http.Client
	Logger       *slog.Logger

	group *bgtasks.Group
}

func NewDispatcher(hubURL, publisherKey string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		HubURL:       hubURL,
		PublisherKey: publisherKey,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
		Logger:       logger,
		group:        bgtasks.New(logger),
	}
}

// Publish hands the actual publish to group.Run and returns immediately. The
// request context is not propagated to the background goroutine: by the time
// it runs, a request handler's ctx may already be cancelled by the response
// having been written, and the publish must complete regardless.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	d.group.Run(fmt.Sprintf("event-publish:%s:%s", ev.Kind(), ev.IdentityKey()), func(ctx context.Context) error {
		return d.publish(ctx, ev)
	})
}

// Shutdown waits up to timeout for any publishes still in flight, called by
// cmd/server and cmd/worker during graceful shutdown so a process exit never
// silently drops an event that was queued moments before.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	d.group.Wait(timeout)
}

// publish signs a publisher token scoped to "*" (matching the source's
// all-topics publisher claim) and POSTs topic+data to the hub, retried 3 times
// with 0.5-2s exponential backoff on transport/5xx errors (spec.md §4.3).
func (d *Dispatcher) publish(ctx context.Context, ev Event) error {
	token, err := d.sign()
	if err != nil {
		return fmt.Errorf("sign publisher token: %w", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	form := url.Values{}
	for _, topic := range ev.Topics() {
		form.Add("topic", topic)
	}
	form.Set("data", string(payload))

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.HubURL, strings.NewReader(form.Encode()))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := d.HTTPClient.Do(req)
		if err != nil {
			return struct{}{}, err // transport error: retryable
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return struct{}{}, fmt.Errorf("mercure: hub returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return struct{}{}, backoff.Permanent(fmt.Errorf("mercure: hub returned %d", resp.StatusCode))
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	return err
}

func (d *Dispatcher) sign() (string, error) {
	claims := jwt.MapClaims{
		"mercure": map[string]any{"publish": []string{"*"}},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(d.PublisherKey))
}
