package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/escrowd/internal/retry"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Escrowd-Event"
	HeaderDelivery  = "X-Escrowd-Delivery"
	HeaderTimestamp = "X-Escrowd-Timestamp"
	HeaderSignature = "X-Escrowd-Signature"
)

// HTTPSink posts events as JSON to an external messaging service, which
// turns them into email, SMS or push messages.
type HTTPSink struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPSink creates a sink posting to url. When secret is set each body is
// signed with HMAC-SHA256.
func NewHTTPSink(url, secret string) *HTTPSink {
	return &HTTPSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient replaces the HTTP client.
func (s *HTTPSink) WithHTTPClient(c *http.Client) *HTTPSink {
	s.client = c
	return s
}

// Name identifies the sink.
func (s *HTTPSink) Name() string { return "http" }

// Send delivers ev. A 4xx response is permanent; network errors and 5xx are retried.
func (s *HTTPSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.OccurredAt.Unix(), 10))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("notification endpoint rejected event: %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
