// Package httpprobe issues direct HTTP requests against the API under test.
package httpprobe

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/scholarai/scholarai/e2e/framework/failure"
)

// DefaultTimeout bounds a request when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Response is the observed outcome of a probe request.
type Response struct {
	Status   int           `json:"status"`
	OK       bool          `json:"ok"`
	Body     []byte        `json:"-"`
	JSON     any           `json:"json,omitempty"`
	Headers  http.Header   `json:"headers,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Client sends probe requests. The zero value is not usable; use NewClient.
type Client struct {
	BaseURL string
	Headers map[string]string
	Logger  *zap.Logger

	http    *http.Client
	timeout time.Duration
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// Timeout bounds requests whose context carries no deadline.
	Timeout            time.Duration
	InsecureSkipVerify bool
	Headers            map[string]string
	Logger             *zap.Logger
}

// NewClient returns a probe client.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		// #nosec G402 -- local stacks under test commonly run self-signed certs
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &Client{
		BaseURL: strings.TrimRight(opts.BaseURL, "/"),
		Headers: opts.Headers,
		Logger:  logger,
		http:    &http.Client{Transport: transport},
		timeout: timeout,
	}
}

// Resolve joins a relative path onto the client's base URL. Absolute URLs
// are returned unchanged.
func (c *Client) Resolve(target string) string {
	if parsed, err := url.Parse(target); err == nil && parsed.IsAbs() {
		return target
	}
	if c.BaseURL == "" {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return c.BaseURL + target
}

// Request sends method to target with an optional body. A string or []byte
// body is sent as is; anything else is JSON encoded. Non-2xx statuses are not
// errors; network failures return a *failure.TransportError.
func (c *Client) Request(ctx context.Context, method, target string, body any) (*Response, error) {
	return c.Do(ctx, method, target, body, nil)
}

// Do is Request with extra per-request headers.
func (c *Client) Do(ctx context.Context, method, target string, body any, headers map[string]string) (*Response, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	endpoint := c.Resolve(target)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	reader, contentType, err := encodeBody(body)
	if err != nil {
		return nil, errors.Wrapf(err, "encode body for %s %s", method, endpoint)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &failure.TransportError{Method: method, URL: endpoint, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		c.Logger.Debug("probe request failed", zap.String("method", method), zap.String("url", endpoint), zap.Error(err))
		return nil, &failure.TransportError{Method: method, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &failure.TransportError{Method: method, URL: endpoint, Err: errors.Wrap(err, "read body")}
	}
	out := &Response{
		Status:   resp.StatusCode,
		OK:       resp.StatusCode >= 200 && resp.StatusCode < 300,
		Body:     payload,
		Headers:  resp.Header,
		Duration: time.Since(start),
	}
	if len(bytes.TrimSpace(payload)) > 0 {
		var decoded any
		if json.Unmarshal(payload, &decoded) == nil {
			out.JSON = decoded
		}
	}
	c.Logger.Debug("probe request",
		zap.String("method", method),
		zap.String("url", endpoint),
		zap.Int("status", out.Status),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch typed := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if typed == "" {
			return nil, "", nil
		}
		return strings.NewReader(typed), "application/json", nil
	case []byte:
		return bytes.NewReader(typed), "application/json", nil
	default:
		payload, err := json.Marshal(typed)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(payload), "application/json", nil
	}
}
