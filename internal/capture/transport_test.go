package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/profile"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type recorder struct {
	mu       sync.Mutex
	captures []*chat.Capture
}

func (r *recorder) Emit(c *chat.Capture) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures = append(r.captures, c)
}

func (r *recorder) all() []*chat.Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*chat.Capture(nil), r.captures...)
}

var fixedNow = time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

func newTransport(t *testing.T, base http.RoundTripper) (*Transport, *recorder) {
	t.Helper()
	reg, err := profile.Builtin()
	require.NoError(t, err)
	rec := &recorder{}
	return &Transport{
		Base:   base,
		Filter: Filter{Registry: reg},
		Sink:   rec,
		Now:    func() time.Time { return fixedNow },
	}, rec
}

func respond(contentType string, body io.Reader) roundTripFunc {
	return func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    http.StatusOK,
			Header:        http.Header{"Content-Type": []string{contentType}},
			Body:          io.NopCloser(body),
			ContentLength: -1,
			Request:       r,
		}, nil
	}
}

func get(t *testing.T, rt http.RoundTripper, ctx context.Context, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func TestClassify(t *testing.T) {
	reg, err := profile.Builtin()
	require.NoError(t, err)
	f := Filter{Registry: reg}

	tests := []struct {
		page, req string
		platform  string
		relevant  bool
	}{
		{"", "https://chatgpt.com/backend-api/conversation/abc", "chatgpt", true},
		{"", "https://chatgpt.com/backend-api/conversations?offset=0", "chatgpt", false},
		{"https://claude.ai/chat/1", "https://claude.ai/api/chat_conversations/1", "claude", true},
		{"https://claude.ai/chat/1", "https://claude.ai/api/organizations/x/chat_conversations/1", "claude", false},
		{"https://chatgpt.com/c/1", "https://cdn.example.com/backend-api/conversation/1", "chatgpt", true},
		{"", "https://example.com/backend-api/conversation/1", "", false},
	}
	for _, tt := range tests {
		p, ok := f.Classify(tt.page, tt.req)
		assert.Equal(t, tt.relevant, ok, "Classify(%q, %q)", tt.page, tt.req)
		if tt.platform == "" {
			assert.Nil(t, p)
			continue
		}
		require.NotNil(t, p)
		assert.Equal(t, tt.platform, p.ID)
	}

	_, ok := Filter{}.Classify("", "https://chatgpt.com/backend-api/conversation/a")
	assert.False(t, ok)
}

func TestTransport_JSONResponse(t *testing.T) {
	const body = `{"mapping":{"a":{"message":"hi"}}}`
	tr, rec := newTransport(t, respond("application/json", strings.NewReader(body)))

	ctx := WithPageURL(context.Background(), "https://chatgpt.com/c/abc")
	resp, got := get(t, tr, ctx, "https://chatgpt.com/backend-api/conversation/abc")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body, string(got))

	caps := rec.all()
	require.Len(t, caps, 1)
	c := caps[0]
	assert.Equal(t, "https://chatgpt.com/backend-api/conversation/abc", c.URL)
	assert.Equal(t, "https://chatgpt.com/c/abc", c.PageURL)
	assert.Equal(t, "GET", c.Method)
	assert.Equal(t, "chatgpt", c.Platform)
	assert.Equal(t, chat.SourceNetwork, c.Source)
	assert.Equal(t, fixedNow, c.CapturedAt)
	assert.JSONEq(t, body, string(c.Payload))
	require.NoError(t, c.Validate())
}

func TestTransport_EventStream(t *testing.T) {
	const body = "data: {\"v\":\"Hel\"}\n\ndata: {\"v\":\"lo\"}\n\ndata: [DONE]\n\n"
	tr, rec := newTransport(t, respond("text/event-stream; charset=utf-8",
		iotest.HalfReader(strings.NewReader(body))))

	_, got := get(t, tr, context.Background(), "https://claude.ai/api/chat_conversations/1/completion")
	assert.Equal(t, body, string(got))

	caps := rec.all()
	require.Len(t, caps, 1)
	assert.JSONEq(t, `{"streaming":true,"chunks":[{"v":"Hel"},{"v":"lo"}]}`, string(caps[0].Payload))
}

func TestTransport_IrrelevantPassesThrough(t *testing.T) {
	const body = `{"items":[]}`
	tr, rec := newTransport(t, respond("application/json", strings.NewReader(body)))

	resp, got := get(t, tr, context.Background(), "https://chatgpt.com/backend-api/conversations?limit=28")
	assert.Equal(t, body, string(got))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Empty(t, rec.all())
}

func TestTransport_InvalidJSONNotCaptured(t *testing.T) {
	const body = `<html>rate limited</html>`
	tr, rec := newTransport(t, respond("text/html", strings.NewReader(body)))

	_, got := get(t, tr, context.Background(), "https://chatgpt.com/backend-api/conversation/abc")
	assert.Equal(t, body, string(got))
	assert.Empty(t, rec.all())
}

func TestTransport_ContentTypeGate(t *testing.T) {
	const body = `{"text":"hi"}`
	cases := []struct {
		contentType string
		captured    bool
	}{
		{"application/json; charset=utf-8", true},
		{"application/vnd.api+json", true},
		{"text/plain", false},
		{"application/octet-stream", false},
		{"", false},
	}
	for _, tc := range cases {
		t.Run(tc.contentType, func(t *testing.T) {
			tr, rec := newTransport(t, respond(tc.contentType, strings.NewReader(body)))

			_, got := get(t, tr, context.Background(), "https://chatgpt.com/backend-api/conversation/abc")
			assert.Equal(t, body, string(got))
			if tc.captured {
				require.Len(t, rec.all(), 1)
				assert.JSONEq(t, body, string(rec.all()[0].Payload))
			} else {
				assert.Empty(t, rec.all())
			}
		})
	}
}

func TestTransport_ReadErrorAbortsCaptureOnly(t *testing.T) {
	readErr := errors.New("connection reset")
	body := io.MultiReader(strings.NewReader("data: {\"v\":1}\n"), iotest.ErrReader(readErr))
	tr, rec := newTransport(t, respond("text/event-stream", body))

	req, err := http.NewRequest(http.MethodGet, "https://claude.ai/api/chat_conversations/1/completion", nil)
	require.NoError(t, err)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)

	got, err := io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, "data: {\"v\":1}\n", string(got))
	require.NoError(t, resp.Body.Close())
	assert.Empty(t, rec.all())
}

func TestTransport_OversizedBody(t *testing.T) {
	body := `{"text":"` + strings.Repeat("x", 64) + `"}`
	tr, rec := newTransport(t, respond("application/json", strings.NewReader(body)))
	tr.MaxBodyBytes = 16

	_, got := get(t, tr, context.Background(), "https://chatgpt.com/backend-api/conversation/abc")
	assert.Equal(t, body, string(got))
	assert.Empty(t, rec.all())
}

func TestTransport_EarlyCloseEmitsPartialStream(t *testing.T) {
	const body = "data: {\"v\":1}\ndata: {\"v\":2}\n"
	tr, rec := newTransport(t, respond("text/event-stream", strings.NewReader(body)))

	req, err := http.NewRequest(http.MethodGet, "https://claude.ai/api/chat_conversations/1/completion", nil)
	require.NoError(t, err)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)

	buf := make([]byte, len("data: {\"v\":1}\n"))
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	caps := rec.all()
	require.Len(t, caps, 1)
	assert.JSONEq(t, `{"streaming":true,"chunks":[{"v":1}]}`, string(caps[0].Payload))
}

func TestTransport_BaseErrorReturned(t *testing.T) {
	boom := errors.New("dial failed")
	tr, rec := newTransport(t, roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, boom
	}))
	req, err := http.NewRequest(http.MethodGet, "https://chatgpt.com/backend-api/conversation/abc", nil)
	require.NoError(t, err)
	_, err = tr.RoundTrip(req)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.all())
}

func TestTransport_HTTPServerWithReferer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-Upstream", "yes")
		flusher := w.(http.Flusher)
		for i := 1; i <= 3; i++ {
			fmt.Fprintf(w, "data: {\"n\":%d}\n\n", i)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	tr, rec := newTransport(t, srv.Client().Transport)
	client := &http.Client{Transport: tr}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/backend-api/conversation/abc", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Referer", "https://chatgpt.com/c/xyz")
	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Contains(t, string(body), "data: [DONE]")

	caps := rec.all()
	require.Len(t, caps, 1)
	assert.Equal(t, "POST", caps[0].Method)
	assert.Equal(t, "https://chatgpt.com/c/xyz", caps[0].PageURL)

	var p struct {
		Chunks []json.RawMessage `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(caps[0].Payload, &p))
	assert.Len(t, p.Chunks, 3)
}
