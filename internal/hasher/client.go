// Package hasher talks to the keyed-hashing sidecar. The signing key never
// enters this process; callers hand over the plaintext and get back a
// deterministic per-project digest.
package hasher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// MinLength and MaxLength bound the digest length the sidecar accepts.
	MinLength = 2
	MaxLength = 64
)

// Client is the keyed-hashing API surface used by the anonymisation stage.
type Client interface {
	// Hash returns a keyed digest of message under the project's key,
	// truncated to length characters. Equal inputs always produce equal
	// outputs for the lifetime of the project key.
	Hash(ctx context.Context, project, message string, length int) (string, error)
}

type client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New returns a hashing client for the sidecar at baseURL.
func New(baseURL string) Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil
	return &client{baseURL: baseURL, http: rc}
}

func (c *client) Hash(ctx context.Context, project, message string, length int) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", fmt.Errorf("hash length %d outside [%d,%d]", length, MinLength, MaxLength)
	}
	if message == "" {
		return "", fmt.Errorf("hash of empty message")
	}

	q := url.Values{}
	q.Set("project_slug", project)
	q.Set("message", message)
	q.Set("length", strconv.Itoa(length))

	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/hash?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build hash request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("read hash response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("hash request failed: %s: %s", resp.Status, body)
	}
	digest := string(body)
	if digest == "" {
		return "", fmt.Errorf("hash response was empty")
	}
	return digest, nil
}
