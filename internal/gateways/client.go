package gateways

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
)

// DefaultTimeout bounds a single provider API call.
const DefaultTimeout = 15 * time.Second

const maxResponseBody = 1 << 20

// NewBreaker returns a breaker that only trips on availability failures.
// A provider declining a request is a healthy round trip.
func NewBreaker(threshold int, cooldown time.Duration) *circuitbreaker.Breaker {
	return circuitbreaker.New(threshold, cooldown).WithFailurePredicate(func(err error) bool {
		return errors.Is(err, apperr.ErrGatewayUnavailable)
	})
}

// StatusError is a non-2xx response from a provider.
type StatusError struct {
	Gateway Name
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Gateway, e.Status, e.Body)
}

// Unwrap classifies the status: 429 and 5xx are retryable, other 4xx are definitive.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusTooManyRequests || e.Status >= 500 {
		return ErrUnavailable
	}
	return ErrRejected
}

// IsNotFound reports whether err is a 404 from a provider.
func IsNotFound(err error) bool {
	var se *StatusError
	return asStatus(err, &se) && se.Status == http.StatusNotFound
}

func asStatus(err error, target **StatusError) bool {
	return errors.As(err, target)
}

// httpClient is the shared JSON transport of the HTTP providers.
type httpClient struct {
	gateway Name
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// Transport carries the HTTP client and breaker shared by provider constructors.
type Transport struct {
	HTTPClient *http.Client
	Breaker    *circuitbreaker.Breaker
}

func newHTTPClient(name Name, t Transport) *httpClient {
	client, breaker := t.HTTPClient, t.Breaker
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if breaker == nil {
		breaker = NewBreaker(5, 30*time.Second)
	}
	return &httpClient{gateway: name, http: client, breaker: breaker}
}

// do sends a JSON request and decodes a JSON response into out.
func (c *httpClient) do(ctx context.Context, op, method, url string, headers map[string]string, body, out any) error {
	return instrument(ctx, c.gateway, c.breaker, op, func(ctx context.Context) error {
		return c.roundTrip(ctx, method, url, headers, body, out)
	})
}

// instrument runs fn behind the gateway's circuit, inside a span, and records
// the call's result and latency.
func instrument(ctx context.Context, name Name, breaker *circuitbreaker.Breaker, op string, fn func(context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "gateway."+op, traces.Gateway(string(name)))
	start := time.Now()

	err := breaker.Do(string(name), func() error { return fn(ctx) })
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%s %s: %w: %v", name, op, ErrUnavailable, err)
	}

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrGatewayUnavailable):
		result = "unavailable"
	default:
		result = "rejected"
	}
	metrics.GatewayRequestsTotal.WithLabelValues(string(name), op, result).Inc()
	metrics.GatewayRequestDuration.WithLabelValues(string(name), op).Observe(time.Since(start).Seconds())
	traces.End(span, err)
	return err
}

func (c *httpClient) roundTrip(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", c.gateway, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.gateway, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", c.gateway, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%s: read response: %w: %v", c.gateway, ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Gateway: c.gateway, Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.gateway, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// signHex returns the hex HMAC of body under secret.
func signHex(h func() hash.Hash, secret string, body []byte) string {
	mac := hmac.New(h, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHex compares signature against the expected hex HMAC in constant time.
func verifyHex(h func() hash.Hash, secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := signHex(h, secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
