// Package client is a Go client for the charge controller HTTP API.
package client

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

	"github.com/cenkalti/backoff/v4"

	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
)

// HeaderIdempotencyKey deduplicates submissions on the server.
const HeaderIdempotencyKey = "Idempotency-Key"

// APIError is a non-2xx answer of the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxElapsed time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry bounds how long idempotent requests are retried on transport
// errors and 5xx answers. Zero disables retries.
func WithRetry(maxElapsed time.Duration) Option {
	return func(c *Client) { c.maxElapsed = maxElapsed }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxElapsed: 10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SubmitCommand enqueues cmd. A non-empty idempotencyKey makes the call safe
// to repeat.
func (c *Client) SubmitCommand(ctx context.Context, cmd v1.ControlCommand, idempotencyKey string) (string, error) {
	var res v1.SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/commands", idempotencyKey, cmd, &res)
	return res.InvocationID, err
}

func (c *Client) SubmitPowerEvent(ctx context.Context, event v1.PowerEvent, idempotencyKey string) (string, error) {
	var res v1.SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/power-events", idempotencyKey, event, &res)
	return res.InvocationID, err
}

func (c *Client) Validate(ctx context.Context, deviceID string, event v1.ValidationEvent) (v1.ResolveResult, error) {
	var res v1.ResolveResult
	err := c.do(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(deviceID)+"/validate", "", event, &res)
	return res, err
}

func (c *Client) Cancel(ctx context.Context, deviceID string) (v1.ResolveResult, error) {
	var res v1.ResolveResult
	err := c.do(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(deviceID)+"/cancel", "", nil, &res)
	return res, err
}

func (c *Client) DeviceState(ctx context.Context, deviceID string) (v1.DeviceState, error) {
	var res v1.DeviceState
	err := c.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(deviceID)+"/state", "", nil, &res)
	return res, err
}

// ResolveToken completes the awakeable token directly, either with a
// validation event or with a rejection reason.
func (c *Client) ResolveToken(ctx context.Context, token string, req v1.ResolveRequest) (v1.ResolveResult, error) {
	var res v1.ResolveResult
	err := c.do(ctx, http.MethodPost, "/v1/tokens/"+url.PathEscape(token)+"/resolve", "", req, &res)
	return res, err
}

func (c *Client) Registry(ctx context.Context, key string) ([]v1.DeviceItem, error) {
	var res []v1.DeviceItem
	err := c.do(ctx, http.MethodGet, "/v1/registry/"+url.PathEscape(key), "", nil, &res)
	return res, err
}

func (c *Client) Invocation(ctx context.Context, id string) (v1.InvocationStatus, error) {
	var res v1.InvocationStatus
	err := c.do(ctx, http.MethodGet, "/v1/invocations/"+url.PathEscape(id), "", nil, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	attempt := func() error {
		err := c.send(ctx, method, path, idempotencyKey, body, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}

	// Only requests the server deduplicates are retried.
	if c.maxElapsed <= 0 || (method != http.MethodGet && idempotencyKey == "") {
		return c.send(ctx, method, path, idempotencyKey, body, out)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.maxElapsed
	return backoff.Retry(attempt, backoff.WithContext(b, ctx))
}

func (c *Client) send(ctx context.Context, method, path, idempotencyKey string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e v1.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
