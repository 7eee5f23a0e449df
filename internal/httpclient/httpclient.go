package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gustycube/chainlens/internal/circuitbreaker"
	"github.com/gustycube/chainlens/internal/metrics"
)

const maxBodyBytes = 32 << 20

func Default(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}
}

// Options tunes a ResilientClient. Zero values pick the defaults.
type Options struct {
	Timeout    time.Duration
	MaxRetries uint64
	RetryWait  time.Duration
	Breaker    circuitbreaker.Config
}

// Document is a decoded upstream reply. Data is nil unless the status was
// 200 and the body held valid JSON.
type Document struct {
	Status int
	Data   any
}

// ResilientClient wraps http.Client with per-host circuit breaking and
// bounded retries of idempotent GETs.
type ResilientClient struct {
	client      *http.Client
	hostBreaker *circuitbreaker.HostBreaker
	maxRetries  uint64
	retryWait   time.Duration
}

func NewResilientClient(client *http.Client, opts Options) *ResilientClient {
	if client == nil {
		client = Default(opts.Timeout)
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 250 * time.Millisecond
	}
	brk := opts.Breaker
	if brk.Threshold == 0 {
		brk = circuitbreaker.DefaultConfig()
	}
	if brk.OnStateChange == nil {
		brk.OnStateChange = func(host string, _, to circuitbreaker.State) {
			metrics.UpstreamBreakerState.WithLabelValues(host).Set(float64(to))
		}
	}
	return &ResilientClient{
		client:      client,
		hostBreaker: circuitbreaker.NewHostBreaker(brk),
		maxRetries:  opts.MaxRetries,
		retryWait:   opts.RetryWait,
	}
}

// Do executes req behind the host's breaker. 5xx replies count as failures
// and come back as *HTTPError with the body already closed.
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Host

	var resp *http.Response
	err := c.hostBreaker.Execute(host, func() error {
		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
			resp = nil
			return httpErr
		}
		return nil
	})
	return resp, err
}

// get fetches url, retrying transport errors and 5xx replies. It returns the
// last status seen and the body of a non-5xx reply.
func (c *ResilientClient) get(ctx context.Context, url string) (int, []byte, error) {
	var status int
	var body []byte
	op := func() error {
		status, body = 0, nil
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.Do(req)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				status = httpErr.StatusCode
				return err
			}
			if errors.Is(err, circuitbreaker.ErrOpenState) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		status, body = resp.StatusCode, b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryWait
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
	if err != nil && status == 0 {
		metrics.UpstreamRequests.WithLabelValues("error").Inc()
		return 0, nil, err
	}
	metrics.UpstreamRequests.WithLabelValues(statusClass(status)).Inc()
	return status, body, nil
}

// Fetch GETs url and decodes the reply as arbitrary JSON. Only a request
// that produced no HTTP reply at all returns an error.
func (c *ResilientClient) Fetch(ctx context.Context, url string) (Document, error) {
	status, body, err := c.get(ctx, url)
	if err != nil {
		return Document{}, err
	}
	doc := Document{Status: status}
	if status != http.StatusOK || len(bytes.TrimSpace(body)) == 0 {
		return doc, nil
	}
	var data any
	if err := json.Unmarshal(body, &data); err == nil {
		doc.Data = data
	}
	return doc, nil
}

// GetJSON GETs url and decodes a 200 reply into v.
func (c *ResilientClient) GetJSON(ctx context.Context, url string, v any) error {
	status, body, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &HTTPError{StatusCode: status, Status: fmt.Sprintf("%d %s", status, http.StatusText(status))}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (c *ResilientClient) Stats() []circuitbreaker.HostStats {
	return c.hostBreaker.Stats()
}

func (c *ResilientClient) BreakerState(host string) circuitbreaker.State {
	return c.hostBreaker.State(host)
}


func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return e.Status
}

// GetHTTPStatusCode returns the HTTP status code carried by err, or 0.
func GetHTTPStatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
