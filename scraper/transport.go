package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"megler-scraper/utils"
)

const maxRetryAfter = 30 * time.Second

// retryStatuses are the HTTP codes worth another attempt.
var retryStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// TransportError is returned once a request has exhausted its attempts or
// hit a non-retryable failure.
type TransportError struct {
	Method     string
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s %s: status %d after %d attempt(s): %v",
			e.Method, e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("transport: %s %s after %d attempt(s): %v", e.Method, e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// statusError is one failed attempt with an HTTP response.
type statusError struct {
	code       int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (e *statusError) RetryAfter() time.Duration { return e.retryAfter }

// ClientConfig configures a Client.
type ClientConfig struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	// RateLimit caps requests per second across every connector sharing
	// the client. Zero disables the limit.
	RateLimit float64
}

// Client performs JSON requests with bounded retries and exponential
// backoff. It is shared by every connector.
type Client struct {
	http      *http.Client
	userAgent string
	retry     *utils.RetryConfig
	limiter   *rate.Limiter
}

// NewClient creates a Client. MaxRetries counts retries, so a request is
// attempted at most MaxRetries+1 times.
func NewClient(cfg ClientConfig, logger *utils.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout, Transport: http.DefaultTransport.(*http.Transport).Clone()},
		userAgent: cfg.UserAgent,
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries + 1,
			BaseDelay:   cfg.Backoff,
			MaxDelay:    maxRetryAfter,
			Logger:      logger,
			Retryable:   isRetryable,
		},
		limiter: limiter,
	}
}

// PostJSON sends payload as JSON to url and decodes the response body into
// out. Numbers in the response are decoded as json.Number.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode payload: %w", err)
	}

	attempts := 0
	var lastStatus int
	var respBody []byte
	err = c.retry.Do(ctx, "POST "+url, func(ctx context.Context) error {
		attempts++
		data, status, err := c.do(ctx, http.MethodPost, url, headers, body)
		lastStatus = status
		if err != nil {
			return err
		}
		respBody = data
		return nil
	})
	if err != nil {
		return &TransportError{
			Method:     http.MethodPost,
			URL:        url,
			Attempts:   attempts,
			StatusCode: lastStatus,
			Err:        err,
		}
	}

	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("transport: decode response from %s: %w", url, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &statusError{
			code:       resp.StatusCode,
			body:       truncate(string(data), 200),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return data, resp.StatusCode, nil
}

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		_, ok := retryStatuses[se.code]
		return ok
	}
	// Network-level failure. Do stops by itself once the run context is done.
	return true
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
