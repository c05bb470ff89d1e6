package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

// Client talks to the control API of a running daemon.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient returns a client for the control API at addr, which is either a
// host:port pair or a full URL.
func NewClient(addr string, hc *http.Client) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimSuffix(addr, "/"),
		hc:      hc,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er errorResponse
		msg := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
			msg = er.Error
		}
		return statusError(resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError maps an HTTP status back to the sentinel error the server
// derived it from.
func statusError(code int, msg string) error {
	var sentinel error
	switch code {
	case http.StatusBadRequest:
		sentinel = rewrite.ErrInvalidArgument
	case http.StatusNotFound:
		sentinel = rewrite.ErrNotFound
	case http.StatusConflict:
		sentinel = rewrite.ErrBusy
	default:
		return errors.New(msg)
	}
	// The server message already starts with the sentinel text.
	msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// Get returns the value of the named setting.
func (c *Client) Get(ctx context.Context, name string) (string, error) {
	var s Setting
	if err := c.do(ctx, http.MethodGet, "/v1/settings/"+url.PathEscape(name), nil, &s); err != nil {
		return "", err
	}
	return s.Value, nil
}

// Set updates the named setting and returns its new value.
func (c *Client) Set(ctx context.Context, name, value string) (string, error) {
	var s Setting
	if err := c.do(ctx, http.MethodPut, "/v1/settings/"+url.PathEscape(name), strings.NewReader(value), &s); err != nil {
		return "", err
	}
	return s.Value, nil
}

// List returns all settings.
func (c *Client) List(ctx context.Context) ([]Setting, error) {
	var settings []Setting
	if err := c.do(ctx, http.MethodGet, "/v1/settings", nil, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// Unload asks the daemon to remove its hooks and exit.
func (c *Client) Unload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/unload", nil, nil)
}
