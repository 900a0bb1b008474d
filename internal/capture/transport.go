package capture

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/profile"
	"github.com/hpungsan/chatsync/internal/stream"
)

// DefaultMaxBodyBytes bounds the bytes buffered for one captured response.
const DefaultMaxBodyBytes = 8 << 20

// Transport is an http.RoundTripper that copies relevant conversation
// responses into captures. The caller always receives the original status,
// headers and body bytes; capture failures never surface as request errors.
type Transport struct {
	// Base performs the request. http.DefaultTransport when nil.
	Base http.RoundTripper

	Filter Filter

	// Sink receives captures from the goroutine reading the response body.
	Sink chat.Sink

	// MaxBodyBytes caps the captured body size. Larger bodies pass through
	// uncaptured. DefaultMaxBodyBytes when zero.
	MaxBodyBytes int64

	Logger *zap.Logger

	// Now returns the capture timestamp. time.Now when nil.
	Now func() time.Time
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base().RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}

	pageURL := PageURL(req)
	p, ok := t.Filter.Classify(pageURL, req.URL.String())
	if !ok || t.Sink == nil {
		return resp, nil
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return resp, nil
	}
	ct := resp.Header.Get("Content-Type")
	if !isEventStream(ct) && !isJSON(ct) {
		t.logger().Debug("response not captured",
			zap.String("url", req.URL.String()),
			zap.String("content_type", ct))
		return resp, nil
	}
	if resp.ContentLength > t.maxBody() {
		t.logger().Debug("response too large to capture",
			zap.String("url", req.URL.String()),
			zap.Int64("content_length", resp.ContentLength))
		return resp, nil
	}

	resp.Body = t.tee(resp, req, pageURL, p)
	return resp, nil
}

func (t *Transport) tee(resp *http.Response, req *http.Request, pageURL string, p *profile.Profile) *teeBody {
	tb := &teeBody{
		rc:  resp.Body,
		t:   t,
		max: t.maxBody(),
		template: chat.Capture{
			URL:      req.URL.String(),
			PageURL:  pageURL,
			Method:   req.Method,
			Platform: p.ID,
			Source:   chat.SourceNetwork,
		},
	}
	if isEventStream(resp.Header.Get("Content-Type")) {
		tb.stream = stream.New()
	}
	return tb
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) maxBody() int64 {
	if t.MaxBodyBytes > 0 {
		return t.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

func (t *Transport) logger() *zap.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return zap.NewNop()
}

func (t *Transport) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

// teeBody passes the response through to the caller and records a copy.
// The capture is emitted once, at EOF or Close, whichever comes first.
type teeBody struct {
	rc       io.ReadCloser
	t        *Transport
	template chat.Capture
	max      int64

	mu      sync.Mutex
	stream  *stream.Reconstructor
	buf     bytes.Buffer
	n       int64
	aborted error
	done    bool
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.record(p[:n])
	}
	switch {
	case err == io.EOF:
		b.finish()
	case err != nil:
		b.abort(err)
	}
	return n, err
}

func (b *teeBody) Close() error {
	err := b.rc.Close()
	b.finish()
	return err
}

func (b *teeBody) record(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || b.aborted != nil {
		return
	}
	b.n += int64(len(p))
	if b.n > b.max {
		b.aborted = errors.NewInvalidRequest("response exceeds capture limit")
		b.buf = bytes.Buffer{}
		return
	}
	if b.stream != nil {
		_, _ = b.stream.Write(p)
		return
	}
	b.buf.Write(p)
}

func (b *teeBody) abort(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || b.aborted != nil {
		return
	}
	b.aborted = err
	if b.stream != nil {
		b.stream.Fail(err)
	}
}

func (b *teeBody) finish() {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	log := b.t.logger().With(zap.String("url", b.template.URL), zap.String("platform", b.template.Platform))
	if b.aborted != nil {
		b.mu.Unlock()
		log.Debug("capture aborted", zap.Error(b.aborted))
		return
	}
	payload, ok := b.payload()
	b.mu.Unlock()
	if !ok {
		log.Debug("response body did not parse, nothing captured")
		return
	}

	c := b.template
	c.CapturedAt = b.t.now()
	c.Payload = payload
	b.t.Sink.Emit(&c)
}

// payload must be called with b.mu held.
func (b *teeBody) payload() (json.RawMessage, bool) {
	if b.stream != nil {
		p, ok := b.stream.Finish()
		if !ok {
			return nil, false
		}
		data, err := json.Marshal(p)
		if err != nil {
			return nil, false
		}
		return data, true
	}
	data := bytes.TrimSpace(b.buf.Bytes())
	if len(data) == 0 || !json.Valid(data) {
		return nil, false
	}
	return json.RawMessage(bytes.Clone(data)), true
}
