// Package media talks to the external store that holds the images jobs
// refer to.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors for media store failures.
var (
	ErrMediaNotFound    = errors.New("media not found")
	ErrMediaUnreachable = errors.New("media store unreachable")
	ErrMediaTimeout     = errors.New("media store timeout")
	ErrMediaRejected    = errors.New("media store rejected request")
)

// maxImageBytes bounds a single fetched image.
const maxImageBytes = 64 << 20

// Image is a fetched media item.
type Image struct {
	Ref         string
	ContentType string
	Data        []byte
}

// Client is the interface for the media store.
type Client interface {
	Fetch(ctx context.Context, ref string) (*Image, error)
	PostResults(ctx context.Context, ref string, payload any) error
}

// HTTPClient implements Client over the media store's HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new media store client. token, if set, is sent as
// a bearer credential.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, ref string) (*Image, error) {
	u := fmt.Sprintf("%s/entity/%s/file", c.baseURL, url.PathEscape(ref))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrMediaNotFound, ref)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrMediaRejected, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, classifyError(err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("%w: image %s exceeds %d bytes", ErrMediaRejected, ref, maxImageBytes)
	}

	return &Image{Ref: ref, ContentType: resp.Header.Get("Content-Type"), Data: data}, nil
}

func (c *HTTPClient) PostResults(ctx context.Context, ref string, payload any) error {
	u := fmt.Sprintf("%s/inference/results/%s", c.baseURL, url.PathEscape(ref))

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrMediaRejected, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrMediaTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrMediaTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrMediaUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrMediaUnreachable, err)
}

var _ Client = (*HTTPClient)(nil)
