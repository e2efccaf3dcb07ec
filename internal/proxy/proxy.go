// Package proxy performs outbound HTTP calls described by a JSON payload and
// normalizes the reply into an Envelope.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/customgpt/internal/logging"
)

// ErrInvalidInput is returned when a Request cannot be executed as given.
var ErrInvalidInput = errors.New("proxy: invalid input")

// ErrUnsupportedURL is returned for a url that is present but cannot be
// fetched. It is a transport failure, not invalid input.
var ErrUnsupportedURL = errors.New("proxy: unsupported url")

// Response types understood by the decoder. Anything else decodes as text.
const (
	ResponseText        = "text"
	ResponseJSON        = "json"
	ResponseArrayBuffer = "arrayBuffer"
)

// Request is the proxy payload accepted by POST /proxy.
type Request struct {
	URL          string            `json:"url"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         any               `json:"body,omitempty"`
	ResponseType string            `json:"responseType,omitempty"`
}

// Envelope is the normalized upstream reply. It is returned with HTTP 200
// whatever the upstream status was; callers branch on OK.
type Envelope struct {
	OK         bool              `json:"ok"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
}

// Options configures an Executor.
type Options struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client
}

// Executor relays Requests. It holds no per-request state and is safe for
// concurrent use.
type Executor struct {
	client   *http.Client
	maxBytes int64
	log      *logrus.Entry
}

// New creates an Executor with a pooled HTTP client.
func New(opts Options) *Executor {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &Executor{client: client, maxBytes: maxBytes, log: logging.For("proxy")}
}

// Do performs req and returns the decoded envelope. Errors wrapping
// ErrInvalidInput mean the request was rejected before any network I/O;
// every other error, including ErrUnsupportedURL, is a transport failure.
func (e *Executor) Do(ctx context.Context, req Request) (*Envelope, error) {
	target, err := ValidateURL(req.URL)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	header := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		if k == "" {
			continue
		}
		header.Set(k, v)
	}

	var body io.Reader
	if req.Body != nil && method != http.MethodGet && method != http.MethodHead {
		data, err := encodeBody(req.Body, header)
		if err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrInvalidInput, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("proxy: %s %s: %w", method, target.Redacted(), err)
	}
	httpReq.Header = header

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		e.log.WithFields(logrus.Fields{"method": method, "url": target.Redacted()}).WithError(err).Warn("upstream call failed")
		return nil, fmt.Errorf("proxy: %s %s: %w", method, target.Redacted(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("proxy: read response: %w", err)
	}
	if int64(len(raw)) > e.maxBytes {
		return nil, fmt.Errorf("proxy: response exceeds %d bytes", e.maxBytes)
	}

	e.log.WithFields(logrus.Fields{
		"method":   method,
		"url":      target.Redacted(),
		"status":   resp.StatusCode,
		"bytes":    len(raw),
		"duration": time.Since(start).String(),
	}).Debug("upstream call")

	return &Envelope{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    flattenHeaders(resp.Header),
		Body:       Decode(raw, req.ResponseType),
	}, nil
}

// ValidateURL parses raw and requires an absolute http or https URL. Only
// a blank url is ErrInvalidInput; anything else that cannot be fetched
// wraps ErrUnsupportedURL.
func ValidateURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrUnsupportedURL, raw)
	}
	return u, nil
}

// Decode converts raw response bytes according to responseType.
func Decode(raw []byte, responseType string) any {
	switch responseType {
	case ResponseJSON:
		if v, err := DecodeJSON(raw); err == nil {
			return v
		}
		return string(raw)
	case ResponseArrayBuffer:
		return base64.StdEncoding.EncodeToString(raw)
	default:
		return string(raw)
	}
}

// DecodeJSON parses a single JSON value, keeping numbers as json.Number so
// re-encoding does not lose precision.
func DecodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("proxy: trailing data after JSON value")
	}
	return v, nil
}

// encodeBody renders a body for the wire. Strings go out verbatim; anything
// else is JSON, and gets a JSON content type when none was given.
func encodeBody(body any, header http.Header) ([]byte, error) {
	if s, ok := body.(string); ok {
		return []byte(s), nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	return data, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}

func statusText(resp *http.Response) string {
	if text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); text != resp.Status {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
