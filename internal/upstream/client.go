// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package upstream talks to the Meetup open-events stream and the
// event-detail API.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ManuGH/snipey/internal/resilience"
	"github.com/ManuGH/snipey/internal/telemetry"
)

const (
	opStream = "stream"
	opEvent  = "event"

	maxErrorBody = 512
)

// Client interacts with the Meetup APIs.
type Client struct {
	streamURL  string
	baseURL    string
	apiKey     string
	userAgent  string
	http       *http.Client
	streamHTTP *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.CircuitBreaker
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	rnd        *rand.Rand
	mu         sync.Mutex
}

// Options configures the client behavior.
type Options struct {
	StreamURL string
	BaseURL   string
	APIKey    string
	UserAgent string

	// Timeout bounds a whole event-detail request. The stream request has
	// no overall deadline; only ResponseHeaderTimeout applies to it.
	Timeout               time.Duration
	ResponseHeaderTimeout time.Duration

	// MaxRetries is the number of extra attempts on transport errors and
	// 5xx responses. Zero selects the default, negative disables retries.
	MaxRetries     int
	Backoff        time.Duration
	MaxBackoff     time.Duration
	RateLimit      rate.Limit
	RateLimitBurst int

	// Breaker guards FetchEvent when set.
	Breaker *resilience.CircuitBreaker

	// Transport overrides the base round tripper (tests).
	Transport http.RoundTripper
}

const (
	defaultTimeout        = 10 * time.Second
	defaultRetries        = 2
	defaultBackoff        = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultRateLimit      = 5
	defaultRateLimitBurst = 10
)

// NewClient creates a Meetup client.
func NewClient(opts Options) *Client {
	nopts := normalizeOptions(opts)

	base := nopts.Transport
	if base == nil {
		base = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: nopts.ResponseHeaderTimeout,
			TLSHandshakeTimeout:   5 * time.Second,
		}
	}
	transport := otelhttp.NewTransport(base)

	return &Client{
		streamURL:  nopts.StreamURL,
		baseURL:    nopts.BaseURL,
		apiKey:     nopts.APIKey,
		userAgent:  nopts.UserAgent,
		http:       &http.Client{Timeout: nopts.Timeout, Transport: transport},
		streamHTTP: &http.Client{Transport: transport},
		limiter:    rate.NewLimiter(nopts.RateLimit, nopts.RateLimitBurst),
		breaker:    nopts.Breaker,
		maxRetries: nopts.MaxRetries,
		backoff:    nopts.Backoff,
		maxBackoff: nopts.MaxBackoff,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

func normalizeOptions(opts Options) Options {
	opts.StreamURL = strings.TrimSpace(opts.StreamURL)
	opts.BaseURL = strings.TrimSpace(opts.BaseURL)
	if opts.BaseURL != "" && !strings.HasSuffix(opts.BaseURL, "/") {
		opts.BaseURL += "/"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = defaultTimeout
	}
	switch {
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	case opts.MaxRetries == 0:
		opts.MaxRetries = defaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "snipey"
	}
	return opts
}

// doGet issues a GET with bounded retries on transport errors and 5xx
// responses. A non-200 final response is returned as *APIError.
func (c *Client) doGet(ctx context.Context, operation, rawURL string) (*http.Response, error) {
	tracer := telemetry.Tracer("snipey.upstream")
	ctx, span := tracer.Start(ctx, "snipey.upstream.request", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String(telemetry.UpstreamOperationKey, operation),
		attribute.String(telemetry.HTTPMethodKey, http.MethodGet),
	)
	defer span.End()

	maxAttempts := c.maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		c.applyHeaders(req)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		start := time.Now()
		resp, err := c.http.Do(req)
		duration := time.Since(start)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		retry := attempt < maxAttempts && shouldRetry(resp, err) && ctx.Err() == nil
		recordAttempt(operation, status, duration, err, retry)
		span.SetAttributes(attribute.Int(telemetry.UpstreamAttemptKey, attempt))

		if err == nil && status == http.StatusOK {
			span.SetAttributes(attribute.Int(telemetry.HTTPStatusCodeKey, status))
			span.SetStatus(codes.Ok, "")
			return resp, nil
		}

		lastErr = c.failure(operation, resp, err)
		if resp != nil {
			_ = resp.Body.Close()
		}
		if !retry {
			break
		}
		if err := sleepWithContext(ctx, c.backoffFor(attempt-1)); err != nil {
			lastErr = err
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

// failure converts a transport error or non-200 response to *APIError.
// The response body is drained up to maxErrorBody bytes.
func (c *Client) failure(operation string, resp *http.Response, err error) error {
	if err != nil {
		sentinel := ErrUpstreamUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			sentinel = ErrTimeout
		}
		return &APIError{Sentinel: sentinel, Operation: operation, Err: err}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return &APIError{
		Sentinel:  sentinelForStatus(resp.StatusCode),
		Operation: operation,
		Status:    resp.StatusCode,
		Body:      strings.TrimSpace(string(body)),
	}
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	return resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
}

func (c *Client) backoffFor(attempt int) time.Duration {
	wait := c.backoff * time.Duration(1<<attempt)
	if wait > c.maxBackoff {
		wait = c.maxBackoff
	}
	jitter := time.Duration(c.randInt63n(int64(wait/5 + 1)))
	return wait + jitter
}

func (c *Client) randInt63n(n int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Int63n(n)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withQuery appends params to raw, keeping any query already present.
func withQuery(raw string, params url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid upstream URL %q: %w", raw, err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
