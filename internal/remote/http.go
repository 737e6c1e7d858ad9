// Package remote holds the request/response clients the collaboration core
// talks to: CRDT state, block metadata, milestones and, through DoJSON, the
// execution service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound    = errors.New("remote resource not found")
	ErrRateLimited = errors.New("remote rate limit exceeded")
)

// HTTPError is a non-2xx response from the notebook API, decoded from its
// {code, message, correlationId} error body.
type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
	// RetryAfter is the server's requested wait, zero when absent.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("http %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	msg += ": " + e.Message
	if e.CorrelationID != "" {
		msg += " (correlation " + e.CorrelationID + ")"
	}
	return msg
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Temporary reports whether the request may succeed if sent again.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode <= 599)
}

func decodeHTTPError(resp *http.Response, body []byte, correlationID string) *HTTPError {
	var envelope struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	}
	_ = json.Unmarshal(body, &envelope)
	if envelope.Message == "" {
		envelope.Message = strings.TrimSpace(http.StatusText(resp.StatusCode))
	}
	if envelope.CorrelationID == "" {
		envelope.CorrelationID = correlationID
	}
	return &HTTPError{
		StatusCode:    resp.StatusCode,
		Code:          envelope.Code,
		Message:       envelope.Message,
		CorrelationID: envelope.CorrelationID,
		RetryAfter:    parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu    sync.RWMutex
	token string
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetToken swaps the bearer token, e.g. after a credential reload.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// SetRetryPolicy overrides the retry count and backoff bounds.
func (c *HTTPClient) SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) {
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
	c.maxDelay = maxDelay
}

func (c *HTTPClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// DoJSON sends body as JSON and decodes a 2xx response into out. Failures
// come back as *HTTPError; temporary ones and transport errors are retried
// with backoff first. Every attempt carries its own correlation id.
func (c *HTTPClient) DoJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, requestPath, err)
		}
	}
	for attempt := 1; ; attempt++ {
		respBody, err := c.send(ctx, method, requestPath, payload)
		var retryAfter time.Duration
		var httpErr *HTTPError
		switch {
		case err == nil:
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		case errors.As(err, &httpErr):
			if !httpErr.Temporary() {
				return err
			}
			retryAfter = httpErr.RetryAfter
		case ctx.Err() != nil:
			return err
		}
		if attempt > c.maxRetries {
			return err
		}
		if waitErr := sleepCtx(ctx, c.backoff(attempt, retryAfter)); waitErr != nil {
			return waitErr
		}
	}
}

// send performs one attempt. A non-2xx status is returned as *HTTPError.
func (c *HTTPClient) send(ctx context.Context, method, requestPath string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reader)
	if err != nil {
		return nil, err
	}
	id := correlationID()
	req.Header.Set("Authorization", "Bearer "+c.currentToken())
	req.Header.Set("X-Correlation-Id", id)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, requestPath, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeHTTPError(resp, respBody, id)
	}
	return respBody, nil
}

func correlationID() string {
	return fmt.Sprintf("note_%d", time.Now().UnixNano())
}

// backoff is the wait before retry number attempt: the server's Retry-After
// when given, otherwise the base delay doubled per attempt. Both are capped
// at the maximum delay.
func (c *HTTPClient) backoff(attempt int, retryAfter time.Duration) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
