// Package runpodclient talks to the RunPod serverless diffusion endpoint that
// generates coloring-book renditions. Grounded on
// original_source/services/external/runpod.py's RunPodService in full —
// reworked from asyncio polling with a callback into a context-bound
// PollJob that the caller drives from its own goroutine, and from PIL's
// LANCZOS resize into govips' libvips binding (already an indirect teacher
// dependency, promoted here for its Lanczos3 kernel).
package runpodclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/davidbyttow/govips/v2/vips"

	"fotopipe/internal/apperr"
)

// Client wraps one RunPod serverless endpoint.
type Client struct {
	APIURL       string
	EndpointID   string
	APIKey       string
	HTTPClient   *http.Client
	MinImageSize int
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
}

func New(apiURL, endpointID, apiKey string, minImageSize int, logger *slog.Logger) *Client {
	return &Client{
		APIURL:       apiURL,
		EndpointID:   endpointID,
		APIKey:       apiKey,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		MinImageSize: minImageSize,
		PollInterval: 2 * time.Second,
		Timeout:      5 * time.Minute,
		Logger:       logger,
	}
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("%s/%s", c.APIURL, c.EndpointID)
}

// SubmitParams are RunPod's per-job diffusion parameters.
type SubmitParams struct {
	Megapixels *float64
	Steps      *int
}

// SubmitJob uploads imageData (upscaled to MinImageSize if needed) and
// returns the RunPod job id to poll.
func (c *Client) SubmitJob(ctx context.Context, imageData []byte, params SubmitParams) (string, error) {
	processed, err := c.ensureMinResolution(imageData)
	if err != nil {
		return "", fmt.Errorf("runpodclient: upscale before submit: %w", err)
	}

	input := map[string]any{"image": base64.StdEncoding.EncodeToString(processed)}
	if params.Megapixels != nil {
		input["megapixels"] = *params.Megapixels
	}
	if params.Steps != nil {
		input["steps"] = *params.Steps
	}

	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return "", fmt.Errorf("runpodclient: marshal submit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/run", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("runpodclient: build submit request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("runpodclient: submit request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &apperr.BadRequestPermanent{Service: "runpod", Detail: fmt.Sprintf("submit returned %d", resp.StatusCode)}
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("runpodclient: decode submit response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("runpodclient: no job id in submit response")
	}

	c.Logger.Info("runpodclient: submitted job", "job_id", result.ID)
	return result.ID, nil
}

// StatusChange is invoked each time PollJob observes a new RunPod status —
// the Go rendition of the source's on_status_change callback, used to drive
// ColoringVersion.Status transitions (runpod_queued, runpod_processing).
type StatusChange func(status string)

// PollJob polls job's status until it completes, fails, or Timeout elapses.
func (c *Client) PollJob(ctx context.Context, jobID string, onStatusChange StatusChange) ([]byte, error) {
	deadline := time.Now().Add(c.Timeout)
	var lastStatus string

	for {
		if time.Now().After(deadline) {
			return nil, &apperr.Timeout{Operation: fmt.Sprintf("runpod job %s", jobID), Budget: c.Timeout.String()}
		}

		status, output, err := c.fetchStatus(ctx, jobID)
		if err != nil {
			c.Logger.Warn("runpodclient: poll request failed, retrying", "job_id", jobID, "error", err)
			if !sleep(ctx, c.PollInterval) {
				return nil, ctx.Err()
			}
			continue
		}

		if status != lastStatus {
			lastStatus = status
			if onStatusChange != nil && (status == "IN_QUEUE" || status == "IN_PROGRESS") {
				onStatusChange(status)
			}
		}

		switch status {
		case "COMPLETED":
			imageB64, ok := output["image"].(string)
			if !ok || imageB64 == "" {
				if nested, ok := output["output"].(map[string]any); ok {
					imageB64, _ = nested["image"].(string)
				}
			}
			if imageB64 == "" {
				return nil, fmt.Errorf("runpodclient: no image in completed output for job %s", jobID)
			}
			c.Logger.Info("runpodclient: job completed", "job_id", jobID)
			return base64.StdEncoding.DecodeString(imageB64)
		case "FAILED":
			errMsg, _ := output["error"].(string)
			return nil, &apperr.BadRequestPermanent{Service: "runpod", Detail: fmt.Sprintf("job %s failed: %s", jobID, errMsg)}
		default:
			if !sleep(ctx, c.PollInterval) {
				return nil, ctx.Err()
			}
		}
	}
}

func (c *Client) fetchStatus(ctx context.Context, jobID string) (string, map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/status/"+jobID, nil)
	if err != nil {
		return "", nil, err
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var result struct {
		Status string         `json:"status"`
		Output map[string]any `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", nil, err
	}
	output := result.Output
	if nested, ok := output["output"].(map[string]any); ok {
		output = nested
	}
	return result.Status, output, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

// ensureMinResolution upscales imageData with libvips' Lanczos3 kernel if its
// longest edge is below MinImageSize, re-encoding as PNG to avoid compression
// artifacts — the Go rendition of the source's PIL LANCZOS resize.
func (c *Client) ensureMinResolution(imageData []byte) ([]byte, error) {
	img, err := vips.NewImageFromBuffer(imageData)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()

	width, height := img.Width(), img.Height()
	maxDim := width
	if height > maxDim {
		maxDim = height
	}
	if maxDim >= c.MinImageSize {
		return imageData, nil
	}

	scale := float64(c.MinImageSize) / float64(maxDim)
	if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
		return nil, fmt.Errorf("resize image: %w", err)
	}

	out, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("export upscaled png: %w", err)
	}

	c.Logger.Info("runpodclient: upscaled image for processing",
		"original_size", fmt.Sprintf("%dx%d", width, height),
		"new_size", fmt.Sprintf("%dx%d", img.Width(), img.Height()))

	return out, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
