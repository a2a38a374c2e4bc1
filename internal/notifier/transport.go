package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	userAgent             = "nodeselector-notify/1.0"
)

// IdempotencyHeader carries the message ID so receivers can drop retries
// they have already accepted.
const IdempotencyHeader = "Idempotency-Key"

// Transport posts an encoded payload to the webhook endpoint.
type Transport interface {
	// Post sends one request. A non-2xx response is reported as a *StatusError.
	Post(ctx context.Context, payload []byte, idempotencyKey string) (status int, err error)
}

// StatusError is returned for a non-2xx webhook response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned HTTP %d", e.Code)
}

// HTTPTransportConfig holds the configuration for creating an HTTPTransport.
type HTTPTransportConfig struct {
	URL                string
	Timeout            time.Duration
	InsecureSkipVerify bool
	// AuthToken is sent as a bearer token when set.
	AuthToken string
}

// HTTPTransport implements Transport for a single HTTP(S) webhook URL.
type HTTPTransport struct {
	httpClient *http.Client
	logger     *zap.Logger
	url        string
	authToken  string
}

// ValidateWebhookURL checks that raw is an absolute http(s) URL.
func ValidateWebhookURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook URL must include a host")
	}
	return nil
}

// NewHTTPTransport creates an HTTPTransport. Returns an error if the URL is invalid.
func NewHTTPTransport(logger *zap.Logger, cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if err := ValidateWebhookURL(cfg.URL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // user-configured
		logger.Warn("Webhook TLS certificate verification is disabled, this is insecure",
			zap.String("url", RedactURL(cfg.URL)))
	}

	return &HTTPTransport{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger:    logger.Named("webhook-transport"),
		url:       cfg.URL,
		authToken: cfg.AuthToken,
	}, nil
}

// URL returns the redacted target URL for logging.
func (t *HTTPTransport) URL() string {
	return RedactURL(t.url)
}

// Post implements Transport.
func (t *HTTPTransport) Post(ctx context.Context, payload []byte, idempotencyKey string) (int, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := t.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		webhookSendDuration.WithLabelValues("error").Observe(duration)
		return 0, err
	}
	defer func() {
		// Drain and close body to reuse connections.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		webhookSendDuration.WithLabelValues("success").Observe(duration)
		return resp.StatusCode, nil
	}
	webhookSendDuration.WithLabelValues("error").Observe(duration)
	t.logger.Debug("Webhook rejected request",
		zap.Int("status", resp.StatusCode),
		zap.String("idempotency_key", idempotencyKey),
	)
	return resp.StatusCode, &StatusError{Code: resp.StatusCode}
}

// RedactURL masks credentials in a URL for safe logging.
// It redacts userinfo passwords, query parameter values and the token segment
// of Slack incoming-webhook URLs.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	if u.Host == "hooks.slack.com" {
		u.Path = redactPathTail(u.Path, 3)
		u.RawPath = ""
	}
	// Redact userinfo password.
	redacted := u.Redacted()
	// Also redact query parameter values (e.g., ?token=secret).
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "REDACTED")
		}
		r, err := url.Parse(redacted)
		if err != nil {
			return redacted
		}
		r.RawQuery = q.Encode()
		return r.String()
	}
	return redacted
}

// redactPathTail keeps the first keep segments of p and masks the rest.
func redactPathTail(p string, keep int) string {
	parts := strings.Split(p, "/")
	// parts[0] is empty for absolute paths.
	for i := keep + 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = "REDACTED"
		}
	}
	return strings.Join(parts, "/")
}
