// Package ingest is the client for the remote ingestion service and the
// answer-seeking classifier.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/errors"
)

const (
	// AnonymousUser is sent as X-User-Id when no identity has been minted.
	AnonymousUser = "anonymous"

	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 10
	defaultBurst     = 5

	// maxErrorBody bounds how much of a failed response is kept for the error.
	maxErrorBody = 4 << 10
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	ClassifierURL string // defaults to BaseURL
	Timeout       time.Duration
	HTTPClient    *http.Client // overrides Timeout when set

	// RateLimit is requests per second across all endpoints. Zero uses the default.
	RateLimit rate.Limit
	Burst     int
}

// Client talks to the ingestion service. Safe for concurrent use.
type Client struct {
	base       string
	classifier string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New returns a Client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := normalizeBase(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	classifier := base
	if opts.ClassifierURL != "" {
		if classifier, err = normalizeBase(opts.ClassifierURL); err != nil {
			return nil, err
		}
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit, burst := opts.RateLimit, opts.Burst
	if limit == 0 {
		limit = defaultRateLimit
	}
	if burst <= 0 {
		burst = defaultBurst
	}

	return &Client{
		base:       base,
		classifier: classifier,
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

func normalizeBase(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.NewInvalidRequest(fmt.Sprintf("invalid service url: %q", raw))
	}
	return raw, nil
}

// LogItem is one element of the POST /chats body.
type LogItem struct {
	ID         string          `json:"id"`
	Platform   string          `json:"platform"`
	URL        string          `json:"url"` // conversation page, the prefix DELETE /conversation matches
	RequestURL string          `json:"requestUrl,omitempty"`
	Method     string          `json:"method"`
	CapturedAt int64           `json:"capturedAt"`
	Data       json.RawMessage `json:"data"`
}

type chatsRequest struct {
	Logs []LogItem `json:"logs"`
}

// ChatsResult is the ingestion service's reply to an upload.
type ChatsResult struct {
	Success bool `json:"success"`
	Stored  int  `json:"stored"`
}

// PostChats uploads batches. Batch ids make repeated uploads idempotent on the
// service side.
func (c *Client) PostChats(ctx context.Context, userID string, batches []*chat.Batch) (*ChatsResult, error) {
	body := chatsRequest{Logs: make([]LogItem, 0, len(batches))}
	for _, b := range batches {
		item := LogItem{
			ID:         b.ID,
			Platform:   b.Platform,
			URL:        b.ConversationURL(),
			Method:     b.Method,
			CapturedAt: b.CapturedAt,
			Data:       b.Data,
		}
		if b.URL != item.URL {
			item.RequestURL = b.URL
		}
		body.Logs = append(body.Logs, item)
	}
	var out ChatsResult
	if err := c.do(ctx, http.MethodPost, c.base+"/chats", userID, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConversation asks the service to drop everything uploaded for the
// conversation at conversationURL.
func (c *Client) DeleteConversation(ctx context.Context, userID, conversationURL string) error {
	body := map[string]string{"url": conversationURL}
	return c.do(ctx, http.MethodDelete, c.base+"/conversation", userID, body, nil)
}

// UploadedLog is a row of the user's upload listing.
type UploadedLog struct {
	ID         string `json:"id"`
	Platform   string `json:"platform"`
	URL        string `json:"url"`
	CapturedAt any    `json:"captured_at"`
	CreatedAt  any    `json:"created_at"`
}

// MyChatsPage is one page of the user's uploads.
type MyChatsPage struct {
	Logs   []UploadedLog `json:"logs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// MyChats lists what the service holds for userID, newest first.
func (c *Client) MyChats(ctx context.Context, userID string, limit, offset int) (*MyChatsPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	endpoint := c.base + "/my-chats"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var out MyChatsPage
	if err := c.do(ctx, http.MethodGet, endpoint, userID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EraseResult is the reply to an account erase.
type EraseResult struct {
	Success bool `json:"success"`
	Deleted int  `json:"deleted"`
}

// EraseMyChats deletes every upload the service holds for userID.
func (c *Client) EraseMyChats(ctx context.Context, userID string) (*EraseResult, error) {
	var out EraseResult
	if err := c.do(ctx, http.MethodDelete, c.base+"/my-chats", userID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DetectRequest asks whether message is seeking a direct answer.
type DetectRequest struct {
	Message  string         `json:"message"`
	Platform string         `json:"platform"`
	Context  map[string]any `json:"context,omitempty"`
}

// Detection is the classifier verdict.
type Detection struct {
	IsAnswerSeeking bool    `json:"isAnswerSeeking"`
	Confidence      float64 `json:"confidence"`
	Reason          string  `json:"reason,omitempty"`
	Suggestion      string  `json:"suggestion,omitempty"`
}

// Detect calls the answer-seeking classifier.
func (c *Client) Detect(ctx context.Context, userID string, req DetectRequest) (*Detection, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.NewInvalidRequest("message is required")
	}
	var out Detection
	if err := c.do(ctx, http.MethodPost, c.classifier+"/detect", userID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, userID string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelled(method + " " + endpoint)
		}
		return fmt.Errorf("rate limiter error: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("failed to create request: %w", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if userID == "" {
		userID = AnonymousUser
	}
	req.Header.Set("X-User-Id", userID)
	req.Header.Set("X-Request-Id", uuid.NewString())

	name := method + " " + strings.TrimPrefix(endpoint, c.base)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelled(name)
		}
		return errors.NewTransportFailure(name, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		tErr := errors.NewTransportFailure(name, resp.StatusCode, nil)
		if len(snippet) > 0 {
			tErr.Details["body"] = string(snippet)
		}
		return tErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewTransportFailure(name, resp.StatusCode, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewParseFailure(name+" response", err)
	}
	return nil
}
