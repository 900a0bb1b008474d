package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hpungsan/chatsync/internal/bus"
	"github.com/hpungsan/chatsync/internal/coordinator"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/state"
)

// Client sends control messages to a running chatsync service. It satisfies
// ops.Controller, so the CLI drives a remote coordinator exactly like an
// in-process bus.
type Client struct {
	base       string
	httpClient *http.Client
}

// NewClient returns a Client for the control API at addr ("host:port" or a URL).
// A nil httpClient uses a client with a 60s timeout.
func NewClient(addr string, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if base == "" {
		return nil, errors.NewInvalidRequest("control API address is required")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid control API address %q", addr))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{base: base, httpClient: httpClient}, nil
}

// Request delivers m to the service and decodes the reply for m.Kind.
func (c *Client) Request(ctx context.Context, m bus.Message) (any, error) {
	if m.Kind == bus.GetStatus {
		var st coordinator.Status
		if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
			return nil, err
		}
		return st, nil
	}

	cmd := Command{
		Type:     m.Kind,
		URL:      m.URL,
		Platform: m.Platform,
		UserID:   m.UserID,
		Data:     m.Capture,
	}
	switch m.Kind {
	case bus.ToggleEnabled:
		enabled := m.Enabled
		cmd.Enabled = &enabled
		return send[coordinator.ToggleResult](ctx, c, cmd)
	case bus.SyncNow:
		return send[coordinator.SyncResult](ctx, c, cmd)
	case bus.ChatData, bus.ConversationOpened, bus.ConversationClosed:
		return send[coordinator.Ack](ctx, c, cmd)
	case bus.SetIdentity:
		return send[state.Global](ctx, c, cmd)
	default:
		return nil, errors.NewInvalidRequest("unknown message type: " + string(m.Kind))
	}
}

// send posts cmd and decodes the reply as T.
func send[T any](ctx context.Context, c *Client, cmd Command) (any, error) {
	var out T
	if err := c.command(ctx, cmd, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) command(ctx context.Context, cmd Command, out any) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return errors.NewInternal(err)
	}
	return c.do(ctx, http.MethodPost, "/commands", body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.NewInternal(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelled(method + " " + path)
		}
		return errors.NewTransportFailure(method+" "+path, 0, fmt.Errorf("is chatsync serve running? %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewTransportFailure(method+" "+path, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error.Code != "" {
			return &errors.SyncError{
				Code:    eb.Error.Code,
				Status:  eb.Error.Status,
				Message: eb.Error.Message,
				Details: eb.Error.Details,
			}
		}
		return errors.NewTransportFailure(method+" "+path, resp.StatusCode, nil)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewParseFailure("control API response", err)
	}
	return nil
}
