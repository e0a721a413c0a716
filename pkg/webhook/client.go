package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config controls outbound webhook delivery defaults.
type Config struct {
	DefaultTimeout time.Duration
	MaxBodyBytes   int64
	UserAgent      string
}

// DefaultConfig returns the built-in delivery defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: 5 * time.Second,
		MaxBodyBytes:   64 * 1024,
		UserAgent:      "Convodesk-Webhook/1.0",
	}
}

// Client performs one timed HTTP request per webhook action. There is no
// persistent retry queue; a failed delivery is reported to the caller and
// recorded in the automation audit log.
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// NewClient creates a webhook delivery client. Per-request timeouts are
// applied through the request context, so the underlying http.Client carries
// no global timeout of its own.
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

// Request describes one webhook delivery.
type Request struct {
	URL     string
	Method  string // GET, POST, PUT, PATCH; defaults to POST
	Headers map[string]string
	Body    string
	Timeout time.Duration // zero means Config.DefaultTimeout
}

// Delivery is the outcome of a successful delivery attempt.
type Delivery struct {
	ID         string
	StatusCode int
	Body       string
	Duration   time.Duration
}

var allowedMethods = map[string]bool{
	http.MethodGet:   true,
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Deliver issues the request and waits for the response within the timeout.
// Network errors, timeouts, and non-2xx responses all return an error with the
// captured detail.
func (c *Client) Deliver(ctx context.Context, req *Request) (*Delivery, error) {
	if req == nil || req.URL == "" {
		return nil, fmt.Errorf("webhook: url required")
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("webhook: unsupported method %q", req.Method)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("webhook: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	deliveryID := uuid.NewString()
	httpReq.Header.Set("X-Delivery-ID", deliveryID)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("webhook: read response body: %w", err)
	}

	c.logger.Debugf("webhook delivery %s: %s %s -> %d in %s",
		deliveryID, method, req.URL, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook: endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 512))
	}

	return &Delivery{
		ID:         deliveryID,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Duration:   time.Since(start),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
