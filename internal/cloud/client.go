package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/offene-werkstatt/maco-core/internal/fault"
)

// Authority API paths.
const (
	pathStartSession      = "/api/v1/terminal/startSession"
	pathAuthenticatePart2 = "/api/v1/terminal/authenticatePart2"
	pathUploadUsage       = "/api/v1/terminal/uploadUsage"
	pathDiversifyKeys     = "/api/v1/terminal/diversifyKeys"

	// maxResponseBytes bounds authority response bodies.
	maxResponseBytes = 1 << 20
)

// Logger is the minimal logging interface the client needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Client submits asynchronous requests to the authority.
//
// Every call returns immediately with a Response handle; the HTTP round
// trip runs on its own goroutine. Failures resolve the handle with an
// error wrapping a fault sentinel: fault.ErrTimeout for deadline
// expiry, fault.ErrCloudError for transport failures, fault.ErrServerError
// for 5xx answers, and fault.ErrMalformedResponse for undecodable bodies.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     Logger
}

// NewClient creates an authority client.
//
// Parameters:
//   - baseURL: Authority base URL, e.g. "http://authority.local:8443"
//   - timeout: Per-request timeout
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for client operations.
func (c *Client) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// StartSession submits a start-session request.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) *Response[StartSessionResponse] {
	return post[StartSessionRequest, StartSessionResponse](c, ctx, pathStartSession, req)
}

// AuthenticatePart2 submits the tag's phase-2 response for verification.
func (c *Client) AuthenticatePart2(ctx context.Context, req AuthenticatePart2Request) *Response[StartSessionResponse] {
	return post[AuthenticatePart2Request, StartSessionResponse](c, ctx, pathAuthenticatePart2, req)
}

// UploadUsage submits closed usage records.
func (c *Client) UploadUsage(ctx context.Context, req UploadUsageRequest) *Response[UploadUsageResponse] {
	return post[UploadUsageRequest, UploadUsageResponse](c, ctx, pathUploadUsage, req)
}

// DiversifyKeys requests a tag's per-tag key set for personalization.
func (c *Client) DiversifyKeys(ctx context.Context, req KeyDiversificationRequest) *Response[KeyDiversificationResponse] {
	return post[KeyDiversificationRequest, KeyDiversificationResponse](c, ctx, pathDiversifyKeys, req)
}

// post runs one JSON request/response exchange asynchronously.
func post[Req any, Resp any](c *Client, ctx context.Context, path string, req Req) *Response[Resp] {
	var zero Resp

	body, err := json.Marshal(req)
	if err != nil {
		return resolved(zero, fmt.Errorf("encoding request: %w", err))
	}

	handle := &Response[Resp]{}
	go func() {
		value, err := c.exchange(ctx, path, body)
		var resp Resp
		if err == nil {
			if decodeErr := json.Unmarshal(value, &resp); decodeErr != nil {
				err = fmt.Errorf("decoding %s response: %w", path, fault.ErrMalformedResponse)
			}
		}
		if err != nil {
			c.logger.Warn("authority request failed", "path", path, "error", err)
		}
		handle.resolve(resp, err)
	}()
	return handle
}

// exchange performs the HTTP round trip and classifies failures.
func (c *Client) exchange(ctx context.Context, path string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("requesting %s: %w", path, fault.ErrTimeout)
		}
		var urlErr interface{ Timeout() bool }
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, fmt.Errorf("requesting %s: %w", path, fault.ErrTimeout)
		}
		return nil, fmt.Errorf("requesting %s: %w", path, fault.ErrCloudError)
	}
	defer resp.Body.Close() //nolint:errcheck // Best effort close

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, fault.ErrCloudError)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s returned %d: %w", path, resp.StatusCode, fault.ErrServerError)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s returned %d: %w", path, resp.StatusCode, fault.ErrMalformedResponse)
	}
	return data, nil
}
