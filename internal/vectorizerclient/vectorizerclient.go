// Package vectorizerclient talks to the raster-to-vector conversion service
// that turns a completed coloring rendition into an SVG. No original_source
// file retrieval pack entry covers this service (spec.md §4.5.4 is silent on
// vendor); unlike internal/runpodclient there is no submit/poll split — one
// synchronous POST returns the SVG — but it keeps the permanent-vs-transient
// distinction (spec.md §7: a vectorizer 400 goes straight into the
// non-retryable `throws` set).
package vectorizerclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"fotopipe/internal/apperr"
)

type Client struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func New(baseURL, apiKey, apiSecret string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		APISecret:  apiSecret,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

// VectorizeParams configures one conversion request.
type VectorizeParams struct {
	ShapeStacking *string
	GroupBy       *string
}

// Vectorize submits imageData and returns the resulting SVG bytes. Retried up
// to 3 times with 2-10s exponential backoff on transport/5xx errors; any 400
// is returned as *apperr.BadRequestPermanent so the task runtime never
// retries it (spec.md §4.5.4, §7).
func (c *Client) Vectorize(ctx context.Context, imageData []byte, params VectorizeParams) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "image.png")
	if err != nil {
		return nil, fmt.Errorf("vectorizerclient: build request body: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("vectorizerclient: write image part: %w", err)
	}
	if params.ShapeStacking != nil {
		mw.WriteField("shape_stacking", *params.ShapeStacking)
	}
	if params.GroupBy != nil {
		mw.WriteField("group_by", *params.GroupBy)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("vectorizerclient: finalize request body: %w", err)
	}
	bodyBytes := buf.Bytes()
	contentType := mw.FormDataContentType()

	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/vectorize", bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-API-Key", c.APIKey)
		req.Header.Set("X-API-Secret", c.APISecret)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, err // transport error: retryable
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusBadRequest {
			detail, _ := io.ReadAll(resp.Body)
			return nil, backoff.Permanent(&apperr.BadRequestPermanent{Service: "vectorizer", Detail: string(detail)})
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("vectorizer returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			detail, _ := io.ReadAll(resp.Body)
			return nil, backoff.Permanent(fmt.Errorf("vectorizer returned %d: %s", resp.StatusCode, detail))
		}

		svg, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("read svg response: %w", err))
		}
		return svg, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 10 * time.Second
	svg, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(b),
	)
	if err != nil {
		return nil, fmt.Errorf("vectorizerclient: vectorize: %w", err)
	}
	return svg, nil
}
