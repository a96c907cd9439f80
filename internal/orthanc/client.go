// Package orthanc is a thin REST client for the pipeline's DICOM nodes. The
// raw node fronts the hospital archives (query, C-MOVE, project stamping);
// the anonymisation node holds studies between de-identification and
// delivery. Both speak the same API, so one client serves either role.
package orthanc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Config locates one DICOM node.
type Config struct {
	URL      string
	Username string
	Password string

	// HTTPTimeout bounds control-plane calls. Queries and retrieves get
	// their own deadlines from the caller's context.
	HTTPTimeout time.Duration
}

// Client talks to a single node.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
	log  *zap.Logger
}

// New constructs a Client.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = cfg.HTTPTimeout
	rc.Logger = nil
	return &Client{cfg: cfg, http: rc, log: log}
}

// do performs one JSON round-trip. body and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	raw, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// doRaw performs one round-trip and returns the response body.
func (c *Client) doRaw(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode request: %w", method, path, err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.cfg.URL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("%s %s: build request: %w", method, path, err)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, truncate(raw))
	}
	return raw, nil
}

// upload posts an opaque body (a DICOM instance) without JSON framing.
func (c *Client) upload(ctx context.Context, path string, data []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("POST %s: build request: %w", path, err)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	req.Header.Set("Content-Type", "application/dicom")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s: %s: %s", path, resp.Status, truncate(raw))
	}
	return nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
