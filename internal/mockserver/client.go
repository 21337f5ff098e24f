// Package mockserver is the bounded-concurrency HTTP client for the external
// record-and-replay mock server's admin API. Connection and 5xx
// failures retry with exponential backoff; 4xx responses are deterministic
// rejections and surface immediately. A circuit breaker stops hammering a
// persistently unreachable server.
package mockserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspects/meshmock/internal/errkind"
	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/tracing"
)

// ErrCircuitOpen is returned without a network call while the circuit breaker
// is open.
var ErrCircuitOpen = errors.New("mockserver: circuit open")

// Client talks to the mock server's /__admin API.
type Client struct {
	baseURL string
	http    *http.Client
	retry   RetryConfig
	breaker *CircuitBreaker
	sem     chan struct{}
	log     zerolog.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL               string
	Timeout               time.Duration
	Retry                 RetryConfig
	MaxConcurrentRequests int
	Breaker               *CircuitBreaker // nil disables circuit breaking
	Logger                zerolog.Logger
}

// New creates a Client with pooled connections and a hard per-call timeout.
func New(opts Options) *Client {
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        opts.MaxConcurrentRequests * 2,
		MaxIdleConnsPerHost: opts.MaxConcurrentRequests,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: opts.BaseURL,
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		retry:   opts.Retry,
		breaker: opts.Breaker,
		sem:     make(chan struct{}, opts.MaxConcurrentRequests),
		log:     opts.Logger,
	}
}

// Breaker returns the client's circuit breaker, or nil when disabled.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Validate checks a stub before any network call: method, at least a URL
// path, and a status in [100,599].
func Validate(s model.Stub) error {
	if s.Request.Method == "" {
		return errkind.Wrap(errkind.ApplyPermanent, errors.New("stub missing request method"))
	}
	if s.Request.URLPath == "" {
		return errkind.Wrap(errkind.ApplyPermanent, errors.New("stub missing url path"))
	}
	if s.Response.Status < 100 || s.Response.Status > 599 {
		return errkind.Wrap(errkind.ApplyPermanent,
			fmt.Errorf("stub response status %d out of range", s.Response.Status))
	}
	return nil
}

// Health probes GET /__admin/health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/__admin/health", nil)
	return err
}

// CreateStub validates and registers a stub via POST /__admin/mappings. The
// mock server stores stubs idempotently by id, so re-registering an existing
// id is safe.
func (c *Client) CreateStub(ctx context.Context, s model.Stub) error {
	if err := Validate(s); err != nil {
		return err
	}
	body, err := json.Marshal(s)
	if err != nil {
		return errkind.Wrap(errkind.ApplyPermanent, fmt.Errorf("marshalling stub: %w", err))
	}
	_, err = c.do(ctx, http.MethodPost, "/__admin/mappings", body)
	return err
}

// UpdateStub replaces an existing stub via PUT /__admin/mappings/{id}.
func (c *Client) UpdateStub(ctx context.Context, id string, s model.Stub) error {
	if err := Validate(s); err != nil {
		return err
	}
	body, err := json.Marshal(s)
	if err != nil {
		return errkind.Wrap(errkind.ApplyPermanent, fmt.Errorf("marshalling stub: %w", err))
	}
	_, err = c.do(ctx, http.MethodPut, "/__admin/mappings/"+id, body)
	return err
}

// DeleteStub removes a stub via DELETE /__admin/mappings/{id}.
func (c *Client) DeleteStub(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/__admin/mappings/"+id, nil)
	return err
}

// GetStub fetches a stub via GET /__admin/mappings/{id}.
func (c *Client) GetStub(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/__admin/mappings/"+id, nil)
}

// ListStubs fetches mappings via GET /__admin/mappings with paging.
func (c *Client) ListStubs(ctx context.Context, limit, offset int) (json.RawMessage, error) {
	path := "/__admin/mappings"
	if limit > 0 || offset > 0 {
		path += "?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	}
	return c.do(ctx, http.MethodGet, path, nil)
}

// ResetAll deletes every mapping via DELETE /__admin/mappings.
func (c *Client) ResetAll(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, "/__admin/mappings", nil)
	return err
}

// ListRecentRequests fetches GET /__admin/requests.
func (c *Client) ListRecentRequests(ctx context.Context, limit int) (json.RawMessage, error) {
	path := "/__admin/requests"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return c.do(ctx, http.MethodGet, path, nil)
}

// ListUnmatchedRequests fetches GET /__admin/requests/unmatched.
func (c *Client) ListUnmatchedRequests(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/__admin/requests/unmatched", nil)
}

// BatchResult reports per-stub outcomes of a batched apply.
type BatchResult struct {
	SuccessCount int
	ErrorCount   int
	Errors       map[string]error // stub id → failure
}

// ApplyBatch dispatches stubs concurrently under the semaphore and gathers
// per-stub outcomes. The batch never fails collectively.
func (c *Client) ApplyBatch(ctx context.Context, stubs []model.Stub) BatchResult {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = BatchResult{Errors: make(map[string]error)}
	)
	for _, s := range stubs {
		wg.Add(1)
		go func(s model.Stub) {
			defer wg.Done()
			err := c.CreateStub(ctx, s)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.ErrorCount++
				result.Errors[s.ID] = err
				return
			}
			result.SuccessCount++
		}(s)
	}
	wg.Wait()
	return result
}

// do executes one admin call under the concurrency semaphore, retrying
// transient failures per the retry config, and classifies the final error.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.ApplyTransient, ctx.Err())
	}

	if c.breaker != nil && !c.breaker.Allow() {
		return nil, errkind.Wrap(errkind.ApplyTransient, ErrCircuitOpen)
	}

	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.retry.BaseDelay, c.retry.MaxDelay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, errkind.Wrap(errkind.ApplyTransient, err)
			}
		}

		data, retryable, err := c.attempt(ctx, method, path, body)
		if err == nil {
			if c.breaker != nil {
				c.breaker.RecordSuccess()
			}
			return data, nil
		}
		lastErr = err
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		if !retryable {
			return nil, err
		}
		c.log.Warn().Err(err).Str("method", method).Str("path", path).
			Int("attempt", attempt+1).Msg("mock server call failed; retrying")
	}
	return nil, lastErr
}

// attempt performs one HTTP round-trip and reports whether the failure is
// retryable.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte) (json.RawMessage, bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, false, errkind.Wrap(errkind.ApplyPermanent, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	ctx, span := tracing.StartUpstreamSpan(ctx, c.baseURL+path, method)
	defer span.End()
	tracing.InjectHeaders(ctx, req)

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, true, errkind.Wrap(errkind.ApplyTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, errkind.Wrap(errkind.ApplyTransient, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, false, nil
	case isRetryableStatus(resp.StatusCode):
		err := fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(data, 200))
		if ra := retryAfterDuration(resp); ra > 0 {
			_ = sleepWithContext(ctx, ra)
		}
		return nil, true, errkind.Wrap(errkind.ApplyTransient, err)
	default:
		err := fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(data, 200))
		return nil, false, errkind.Wrap(errkind.ApplyPermanent, err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
