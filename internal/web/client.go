package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/keepawake/keepawake/internal/models"
	"github.com/keepawake/keepawake/internal/tracker"
)

// Client talks to a running daemon's API
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx answer from the daemon
type APIError struct {
	StatusCode int
	Message    string
	Lock       *tracker.Status
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon answered %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the daemon listening on host:port
func NewClient(host string, port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Status(ctx context.Context) (*tracker.Status, error) {
	var body struct {
		Lock tracker.Status `json:"lock"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &body); err != nil {
		return nil, err
	}
	return &body.Lock, nil
}

func (c *Client) Request(ctx context.Context, kind string) (*tracker.Status, error) {
	var status tracker.Status
	err := c.do(ctx, http.MethodPost, "/api/lock", LockRequest{Kind: kind}, &status)
	return &status, err
}

func (c *Client) Release(ctx context.Context) (*tracker.Status, error) {
	var status tracker.Status
	err := c.do(ctx, http.MethodPost, "/api/lock/release", nil, &status)
	return &status, err
}

func (c *Client) Destroy(ctx context.Context) (*tracker.Status, error) {
	var status tracker.Status
	err := c.do(ctx, http.MethodDelete, "/api/lock", nil, &status)
	return &status, err
}

func (c *Client) Events(ctx context.Context, period string, limit int) ([]*models.LockEvent, error) {
	query := url.Values{}
	if period != "" {
		query.Set("period", period)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/events"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var events []*models.LockEvent
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, data, out)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeAPIError keeps the lock state some error answers carry, filling out
// when the body is a bare status
func decodeAPIError(code int, data []byte, out any) error {
	apiErr := &APIError{StatusCode: code, Message: http.StatusText(code)}

	var body struct {
		Error string          `json:"error"`
		Lock  *tracker.Status `json:"lock"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Lock = body.Lock
		return apiErr
	}

	var status tracker.Status
	if json.Unmarshal(data, &status) == nil {
		apiErr.Lock = &status
		if status.LastError != "" {
			apiErr.Message = status.LastError
		}
		if s, ok := out.(*tracker.Status); ok {
			*s = status
		}
	}
	return apiErr
}
