// Package providerhttp is the shared JSON/REST transport for payment providers
// that have no official Go SDK. It centralizes auth hooks, logging with
// redaction, idempotency keys and error mapping.
package providerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 2048
)

var errBaseURLRequired = errors.New("provider base url is required")

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AuthorizeFunc decorates an outbound request with provider credentials. body
// is the exact payload that will be sent.
type AuthorizeFunc func(req *http.Request, body []byte) error

// Options configures a provider transport.
type Options struct {
	Provider   string
	BaseURL    string
	HTTPClient Doer
	Logger     *logger.Logger
	Authorize  AuthorizeFunc
}

// Client issues JSON requests to one provider.
type Client struct {
	provider  string
	baseURL   string
	http      Doer
	logger    *logger.Logger
	authorize AuthorizeFunc
}

// New validates options and builds a transport.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errBaseURLRequired
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		provider:  opts.Provider,
		baseURL:   base,
		http:      httpClient,
		logger:    opts.Logger,
		authorize: opts.Authorize,
	}, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request describes one JSON call.
type Request struct {
	Op      string
	Method  string
	Path    string
	Body    any
	Headers map[string]string
}

// Do sends req and decodes a 2xx JSON response into out (when non-nil).
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	var payload []byte
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("%s %s encode body", c.provider, req.Op))
		}
		payload = raw
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("%s %s build request", c.provider, req.Op))
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if c.authorize != nil {
		if err := c.authorize(httpReq, payload); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, fmt.Sprintf("%s %s authorize", c.provider, req.Op))
		}
	}

	c.log(ctx, "request", req.Op, map[string]any{"method": req.Method, "path": req.Path})

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log(ctx, "error", req.Op, map[string]any{"error": err.Error()})
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s %s failed", c.provider, req.Op))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s %s read body", c.provider, req.Op))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Provider: c.provider, StatusCode: resp.StatusCode, Body: truncate(string(body))}
		c.log(ctx, "error", req.Op, map[string]any{"status": resp.StatusCode, "error": apiErr.Error()})
		return pkgerrors.Wrap(domainCodeForStatus(resp.StatusCode), apiErr, fmt.Sprintf("%s %s failed", c.provider, req.Op))
	}

	c.log(ctx, "response", req.Op, map[string]any{"status": resp.StatusCode})

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s %s decode response", c.provider, req.Op))
	}
	return nil
}

// APIError is a non-2xx provider response.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Provider, e.StatusCode, e.Body)
}

// StatusCode extracts the provider HTTP status from err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether the provider answered 404.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsAuthError reports whether the provider rejected our credentials.
func IsAuthError(err error) bool {
	status := StatusCode(err)
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// NewIdempotencyKey returns a unique key for provider operations.
func NewIdempotencyKey(prefix string) string {
	key := strings.TrimSpace(prefix)
	if key == "" {
		key = "rz"
	}
	return fmt.Sprintf("%s-%s", key, uuid.NewString())
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{
		"provider":  c.provider,
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Warn(ctx, fmt.Sprintf("%s %s failed", c.provider, op))
	default:
		c.logger.Debug(ctx, fmt.Sprintf("%s %s", c.provider, phase))
	}
}

func redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"card", "token", "secret", "authorization", "email", "phone"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

func domainCodeForStatus(status int) pkgerrors.Code {
	switch status {
	case http.StatusUnauthorized:
		return pkgerrors.CodeUnauthorized
	case http.StatusForbidden:
		return pkgerrors.CodeForbidden
	case http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case http.StatusConflict:
		return pkgerrors.CodeConflict
	case http.StatusTooManyRequests:
		return pkgerrors.CodeRateLimit
	case http.StatusBadRequest:
		return pkgerrors.CodeValidation
	case http.StatusUnprocessableEntity:
		return pkgerrors.CodeStateConflict
	default:
		if status >= 400 && status < 500 {
			return pkgerrors.CodeValidation
		}
		return pkgerrors.CodeDependency
	}
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody]
}
