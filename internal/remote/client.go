// Package remote is the HTTP client for the expense API.
//
// Every call is a single attempt: there are no internal retries. Errors are
// classified into AuthRequiredError, TimeoutError, NetworkError, ServerError
// and InvalidResponseError so callers can decide on retry policy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds generic requests.
	DefaultTimeout = 30 * time.Second
	// ReceiptTimeout bounds the receipt extraction call.
	ReceiptTimeout = 60 * time.Second

	maxErrorBody = 1024
	maxBody      = 32 << 20
)

// TokenSource yields the bearer token of the current session.
// An empty token with a nil error means no session.
type TokenSource interface {
	Token() (string, error)
}

// Config configures a Client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	Headers           map[string]string
	RequestsPerSecond float64
}

// Request describes one API call.
type Request struct {
	Method       string
	Endpoint     string
	Body         any
	RequiresAuth bool
	// Timeout overrides the client default when > 0.
	Timeout time.Duration
}

// Client performs JSON requests against the expense API.
type Client struct {
	baseURL string
	timeout time.Duration
	headers map[string]string
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// New creates a Client. tokens may be nil when no authenticated calls are made.
func New(cfg Config, tokens TokenSource, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		headers: cfg.Headers,
		// Deadlines are applied per call through the request context.
		http:   &http.Client{},
		tokens: tokens,
		log:    log,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// Get issues a GET and decodes the JSON body into out.
func (c *Client) Get(ctx context.Context, endpoint string, requiresAuth bool, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Endpoint: endpoint, RequiresAuth: requiresAuth}, out)
}

// Do performs the request and decodes the JSON response into out (if non-nil).
func (c *Client) Do(ctx context.Context, r Request, out any) error {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	var bodyReader io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return errors.Wrapf(err, "%s: encode request body", r.Endpoint)
		}
		bodyReader = bytes.NewReader(b)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.url(r.Endpoint), bodyReader)
	if err != nil {
		return errors.Wrapf(err, "%s: create request", r.Endpoint)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	if r.RequiresAuth {
		token, err := c.token()
		if err != nil {
			return errors.Wrapf(err, "%s: read session token", r.Endpoint)
		}
		if token == "" {
			return &AuthRequiredError{Endpoint: r.Endpoint}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(callCtx); err != nil {
			return c.classify(ctx, r.Endpoint, timeout, err)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(ctx, r.Endpoint, timeout, err)
	}
	defer resp.Body.Close()

	c.log.Debugw("api request", "method", method, "endpoint", r.Endpoint,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ServerError{
			Endpoint:   r.Endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}

	ct := resp.Header.Get("Content-Type")
	if !isJSON(ct) {
		return &InvalidResponseError{Endpoint: r.Endpoint, ContentType: ct}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return c.classify(ctx, r.Endpoint, timeout, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &InvalidResponseError{Endpoint: r.Endpoint, ContentType: ct, Err: err}
	}
	return nil
}

func (c *Client) token() (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	return c.tokens.Token()
}

func (c *Client) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.baseURL + endpoint
}

// classify maps a transport error to TimeoutError or NetworkError. Cancellation
// of the caller's context is a network error wrapping context.Canceled.
func (c *Client) classify(parent context.Context, endpoint string, timeout time.Duration, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return &NetworkError{Endpoint: endpoint, Err: context.Canceled}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Endpoint: endpoint, After: timeout}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Endpoint: endpoint, After: timeout}
	}
	return &NetworkError{Endpoint: endpoint, Err: err}
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
