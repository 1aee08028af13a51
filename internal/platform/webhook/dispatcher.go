// Package webhook forwards grant and record events to external endpoints.
// Payloads are signed with HMAC-SHA256 and delivered from a background
// worker with retries, so publishing never waits on the network.
package webhook

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
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/websocket"
)

// Endpoint is one delivery target. Events holds patterns such as
// "grant.created", "grant.*" or "*"; an empty list matches everything.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is SignPayload(payload, secret).
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	}
	return false
}

func (ep Endpoint) matches(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// Delivery is the body POSTed to an endpoint.
type Delivery struct {
	ID    string          `json:"id"`
	Event websocket.Event `json:"event"`
}

type job struct {
	endpoint Endpoint
	delivery Delivery
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

func WithRetry(attempts int, backoff time.Duration) Option {
	return func(d *Dispatcher) { d.attempts, d.backoff = attempts, backoff }
}

func WithQueueSize(n int) Option { return func(d *Dispatcher) { d.queue = make(chan job, n) } }

func WithLogger(l zerolog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// Dispatcher implements websocket.Publisher for external endpoints.
type Dispatcher struct {
	endpoints []Endpoint
	client    *http.Client
	queue     chan job
	attempts  int
	backoff   time.Duration
	logger    zerolog.Logger
}

func NewDispatcher(endpoints []Endpoint, opts ...Option) (*Dispatcher, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, err
		}
		if ep.Secret == "" {
			return nil, fmt.Errorf("webhook %s needs a signing secret", ep.URL)
		}
	}
	d := &Dispatcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		queue:     make(chan job, 256),
		attempts:  3,
		backoff:   2 * time.Second,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.attempts < 1 {
		d.attempts = 1
	}
	return d, nil
}

// Publish queues event for every matching endpoint. A full queue drops the
// delivery and logs it; the caller's operation is never failed.
func (d *Dispatcher) Publish(_ context.Context, event websocket.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, ep := range d.endpoints {
		if !ep.matches(event.Type) {
			continue
		}
		j := job{endpoint: ep, delivery: Delivery{ID: uuid.NewString(), Event: event}}
		select {
		case d.queue <- j:
		default:
			d.logger.Warn().Str("url", ep.URL).Str("type", event.Type).Msg("webhook queue full, delivery dropped")
		}
	}
	return nil
}

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			if err := d.deliverWithRetry(ctx, j.endpoint, j.delivery); err != nil {
				d.logger.Error().Err(err).Str("url", j.endpoint.URL).Str("delivery_id", j.delivery.ID).Msg("webhook delivery failed")
			}
		}
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep Endpoint, delivery Delivery) error {
	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if err = d.deliver(ctx, ep, delivery, attempt); err == nil {
			return nil
		}
		if attempt == d.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", d.attempts, err)
}

func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, delivery Delivery, attempt int) error {
	payload, err := json.Marshal(delivery)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set("X-Webhook-ID", delivery.ID)
	req.Header.Set("X-Webhook-Attempt", fmt.Sprint(attempt))
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	d.logger.Debug().Str("url", ep.URL).Str("type", delivery.Event.Type).Int("attempt", attempt).Msg("webhook delivered")
	return nil
}
