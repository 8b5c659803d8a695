// Copyright 2025 DeliveryOps LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpx is the shared outbound HTTP primitive. Every integration
// adapter goes through Client.Do, which owns the retry, backoff and
// rate-limit-header policy so that adapters stay thin.
package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultTimeout applies per attempt.
	DefaultTimeout = 30 * time.Second

	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
)

// Request describes one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   url.Values
	Body    []byte

	// Zero values fall back to the package defaults.
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Response is a fully-read response. The body is always drained so the
// underlying connection can be reused.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client retries network errors, 5xx and 429 with exponential backoff and
// throttles when the vendor's X-RateLimit-Remaining header runs low.
// It never stores credentials: auth headers live in the Request only.
type Client struct {
	base   *http.Client
	logger log.Logger

	// sleep is swappable in tests.
	sleep func(context.Context, time.Duration) error

	retries prometheus.Counter
}

// Option configures a Client.
type Option func(*Client)

// WithRetryCounter counts every retried attempt.
func WithRetryCounter(c prometheus.Counter) Option {
	return func(cl *Client) { cl.retries = c }
}

// WithSleep overrides the sleep function (tests).
func WithSleep(f func(context.Context, time.Duration) error) Option {
	return func(cl *Client) { cl.sleep = f }
}

// New returns a Client on a clean pooled transport.
func New(logger log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Client{
		base:   cleanhttp.DefaultPooledClient(),
		logger: logger,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Request) defaults() {
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = DefaultInitialBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = DefaultMaxBackoff
	}
}

// Do executes the request under the retry policy:
//
//	network error / 5xx  retry with exponential backoff
//	429                  honor numeric Retry-After, else backoff; retry
//	other 4xx            return immediately
//	2xx/3xx              return immediately
//
// Backoff for attempt n is min(initial * 2^n, max). The caller timeout
// applies per attempt.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	req.defaults()

	u := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if bytes.ContainsRune([]byte(u), '?') {
			sep = "&"
		}
		u += sep + req.Query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < req.MaxRetries; attempt++ {
		backoff := req.InitialBackoff << attempt
		if backoff > req.MaxBackoff {
			backoff = req.MaxBackoff
		}

		resp, err := c.attempt(ctx, req, u)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < req.MaxRetries-1 {
				c.countRetry()
				//nolint:errcheck
				level.Debug(c.logger).Log("msg", "request failed, backing off", "url", req.URL, "attempt", attempt, "err", err)
				if err := c.sleep(ctx, backoff); err != nil {
					return nil, err
				}
			}
			continue
		}

		// Low remaining quota: slow down before handing the response back.
		if rem, ok := rateLimitRemaining(resp.Header); ok {
			switch {
			case rem < 5:
				if err := c.sleep(ctx, time.Second); err != nil {
					return nil, err
				}
			case rem < 10:
				if err := c.sleep(ctx, 500*time.Millisecond); err != nil {
					return nil, err
				}
			}
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%s %s: rate limited (429)", req.Method, req.URL)
			if attempt == req.MaxRetries-1 {
				return resp, nil
			}
			c.countRetry()
			wait := backoff
			if ra, ok := retryAfter(resp.Header); ok {
				wait = ra
			}
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%s %s: server error (%d)", req.Method, req.URL, resp.StatusCode)
			if attempt == req.MaxRetries-1 {
				return resp, nil
			}
			c.countRetry()
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		default:
			return resp, nil
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, req Request, u string) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(actx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	hresp, err := c.base.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()
	b, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return &Response{StatusCode: hresp.StatusCode, Header: hresp.Header, Body: b}, nil
}

func (c *Client) countRetry() {
	if c.retries != nil {
		c.retries.Inc()
	}
}

func rateLimitRemaining(h http.Header) (int, bool) {
	v := h.Get("X-RateLimit-Remaining")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func retryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
