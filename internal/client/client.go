// Package client talks to a running cgpt server: the proxy endpoint and
// the chat persistence API.
package client

import (
	"bytes"
	"context"
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
	"github.com/zulandar/customgpt/internal/models"
	"github.com/zulandar/customgpt/internal/proxy"
	"github.com/zulandar/customgpt/internal/store"
)

// ErrTransport means the server could not reach the proxied upstream (502).
var ErrTransport = errors.New("client: upstream transport failure")

// APIError is a non-2xx reply from the server. It unwraps to the matching
// store or client sentinel so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" || msg == e.Code {
		msg = e.Code
	} else if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	return fmt.Sprintf("client: server returned %d: %s", e.Status, msg)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Code == "DB_UNAVAILABLE":
		return store.ErrDBUnavailable
	case e.Code == "CHAT_NOT_FOUND":
		return store.ErrChatNotFound
	case e.Code == "INVALID_INPUT":
		return store.ErrInvalidInput
	case e.Status == http.StatusBadGateway:
		return ErrTransport
	case e.Status == http.StatusServiceUnavailable:
		return store.ErrDBUnavailable
	}
	return nil
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client // overrides Timeout when set
}

// Client is a typed HTTP client for the server. Safe for concurrent use.
type Client struct {
	base string
	http *http.Client
	log  *logrus.Entry
}

// New returns a Client for opts.BaseURL.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 75 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base: strings.TrimRight(opts.BaseURL, "/"),
		http: hc,
		log:  logging.For("client"),
	}
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.base }

// Health calls GET /health and returns the server time.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		OK   bool   `json:"ok"`
		Time string `json:"time"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return "", err
	}
	return out.Time, nil
}

// DBHealth calls GET /api/dbhealth. A nil error means the store is up.
func (c *Client) DBHealth(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/dbhealth", nil, nil)
}

// Proxy sends req through POST /proxy. Upstream failures come back as an
// envelope with OK false, not as an error.
func (c *Client) Proxy(ctx context.Context, req proxy.Request) (*proxy.Envelope, error) {
	var env proxy.Envelope
	if err := c.do(ctx, http.MethodPost, "/proxy", req, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// CreateChat calls POST /api/chats. The returned chat carries metadata only.
func (c *Client) CreateChat(ctx context.Context, name, configName string) (*models.Chat, error) {
	body := map[string]string{}
	if name != "" {
		body["chat_name"] = name
	}
	if configName != "" {
		body["config_name"] = configName
	}
	var out struct {
		ChatID     string    `json:"chat_id"`
		ChatName   string    `json:"chat_name"`
		CreatedAt  time.Time `json:"created_at"`
		ConfigName string    `json:"config_name"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chats", body, &out); err != nil {
		return nil, err
	}
	return &models.Chat{
		ChatID:        out.ChatID,
		ChatName:      out.ChatName,
		CreatedAt:     out.CreatedAt,
		LastUpdatedAt: out.CreatedAt,
		ConfigName:    out.ConfigName,
	}, nil
}

// ListChats calls GET /api/chats. Zero limit or skip leaves the server
// default.
func (c *Client) ListChats(ctx context.Context, limit, skip int) (*store.ListResult, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}
	path := "/api/chats"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out store.ListResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChat calls GET /api/chats/:id.
func (c *Client) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	var out struct {
		Chat *models.Chat `json:"chat"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out.Chat, nil
}

// AppendMessage calls POST /api/chats/:id/messages and returns the new
// message id.
func (c *Client) AppendMessage(ctx context.Context, id string, msg store.NewMessage) (string, error) {
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(id)+"/messages", msg, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// UpdateChat calls PATCH /api/chats/:id.
func (c *Client) UpdateChat(ctx context.Context, id string, patch store.MetadataPatch) (*models.Chat, error) {
	var out struct {
		Chat *models.Chat `json:"chat"`
	}
	if err := c.do(ctx, http.MethodPatch, "/api/chats/"+url.PathEscape(id), patch, &out); err != nil {
		return nil, err
	}
	return out.Chat, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read %s %s: %w", method, path, err)
	}
	c.log.WithFields(logrus.Fields{"method": method, "path": path, "status": resp.StatusCode}).Debug("api call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || (body.Error == "" && body.Message == "") {
		return &APIError{Status: status, Message: strings.TrimSpace(string(raw))}
	}
	return &APIError{Status: status, Code: body.Error, Message: body.Message}
}
