package domdiff

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/profile"
)

// Page is the live page a Watcher observes.
type Page interface {
	// URL returns the current page URL.
	URL(ctx context.Context) (string, error)

	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)

	// Observe starts mutation notifications for the first element matched
	// by selectors. It returns a SELECTOR_MISS error when nothing matches.
	// The channel is closed when the observed element detaches.
	Observe(ctx context.Context, selectors []string) (<-chan struct{}, error)
}

// LifecycleKind names a conversation lifecycle event.
type LifecycleKind string

const (
	Opened LifecycleKind = "opened"
	Closed LifecycleKind = "closed"
)

// Lifecycle is emitted when the page enters or leaves a conversation.
type Lifecycle struct {
	Kind     LifecycleKind
	URL      string
	Platform string
}

// KeyResolver maps a page URL to its conversation key.
type KeyResolver interface {
	Resolve(rawURL string) string
}

// Options are the Watcher timings.
type Options struct {
	// InitialDelay precedes the first snapshot and observer setup.
	InitialDelay time.Duration

	// Debounce is the quiet period after the last mutation.
	Debounce time.Duration

	// BackupInterval forces a snapshot even without mutations.
	BackupInterval time.Duration

	// URLPoll is how often the page URL is checked for navigation.
	URLPoll time.Duration

	// SettleDelay precedes setup after a navigation.
	SettleDelay time.Duration

	// SetupRetries bounds container lookups before the observer goes idle.
	SetupRetries int

	// SetupRetryDelay separates container lookups.
	SetupRetryDelay time.Duration
}

// DefaultOptions returns the timings used by the browser host.
func DefaultOptions() Options {
	return Options{
		InitialDelay:    2 * time.Second,
		Debounce:        2 * time.Second,
		BackupInterval:  10 * time.Second,
		URLPoll:         time.Second,
		SettleDelay:     time.Second,
		SetupRetries:    30,
		SetupRetryDelay: time.Second,
	}
}

// Watcher snapshots one page and emits DOM captures. All of its state lives
// on the Run goroutine.
type Watcher struct {
	Page     Page
	Registry *profile.Registry
	Sink     chat.Sink

	// OnLifecycle is called on the Run goroutine. Optional.
	OnLifecycle func(Lifecycle)

	// Keys decides whether a URL change leaves the conversation. When nil,
	// URLs that differ only in query or fragment are the same conversation.
	Keys KeyResolver

	Options Options
	Logger  *zap.Logger
	Now     func() time.Time

	url      string
	profile  *profile.Profile
	differ   *Differ
	lastLen  int
	attempts int
	changes  <-chan struct{}
}

// Run observes the page until ctx is done. Page errors are logged and the
// loop keeps going.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Logger == nil {
		w.Logger = zap.NewNop()
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	w.differ = NewDiffer()
	w.lastLen = -1

	u, err := w.Page.URL(ctx)
	if err != nil {
		return err
	}
	w.enter(u)

	setup := time.NewTimer(w.Options.InitialDelay)
	defer setup.Stop()
	debounce := time.NewTimer(0)
	debounce.Stop()
	defer debounce.Stop()
	backup := newTicker(w.Options.BackupInterval)
	defer backup.stop()
	poll := newTicker(w.Options.URLPoll)
	defer poll.stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-setup.C:
			w.check(ctx, nil)
			if !w.setup(ctx) && w.attempts < w.Options.SetupRetries {
				setup.Reset(w.Options.SetupRetryDelay)
			}

		case _, ok := <-w.changes:
			if !ok {
				w.Logger.Debug("observed container detached", zap.String("url", w.url))
				w.changes = nil
				continue
			}
			debounce.Reset(w.Options.Debounce)

		case <-debounce.C:
			doc := w.document(ctx)
			if doc == nil {
				continue
			}
			if n := VisibleTextLength(doc); n != w.lastLen {
				// Still streaming; wait for the length to hold across a window.
				w.lastLen = n
				debounce.Reset(w.Options.Debounce)
				continue
			}
			w.check(ctx, doc)

		case <-backup.c:
			w.check(ctx, nil)

		case <-poll.c:
			u, err := w.Page.URL(ctx)
			if err != nil {
				w.Logger.Debug("url poll failed", zap.Error(err))
				continue
			}
			if u == w.url {
				continue
			}
			if w.key(u) == w.key(w.url) {
				// Same conversation; keep the differ and re-attach the observer.
				w.Logger.Debug("page url changed within conversation", zap.String("url", u))
				w.url = u
				w.attempts = 0
				setup.Reset(w.Options.SettleDelay)
				continue
			}
			w.leave()
			debounce.Stop()
			w.enter(u)
			setup.Reset(w.Options.SettleDelay)
		}
	}
}

func (w *Watcher) key(u string) string {
	if w.Keys != nil {
		return w.Keys.Resolve(u)
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	parsed.RawQuery, parsed.Fragment, parsed.RawFragment = "", "", ""
	return parsed.String()
}

// enter switches the watcher to the view at u.
func (w *Watcher) enter(u string) {
	w.url = u
	w.profile = w.Registry.Detect(u)
	w.differ.Reset()
	w.lastLen = -1
	w.attempts = 0
	w.changes = nil
	if w.profile == nil {
		w.Logger.Debug("no platform profile for page", zap.String("url", u))
		return
	}
	w.Logger.Info("conversation opened", zap.String("url", u), zap.String("platform", w.profile.ID))
	w.lifecycle(Opened)
}

func (w *Watcher) leave() {
	if w.profile == nil {
		return
	}
	w.Logger.Info("conversation closed", zap.String("url", w.url), zap.String("platform", w.profile.ID))
	w.lifecycle(Closed)
}

func (w *Watcher) lifecycle(kind LifecycleKind) {
	if w.OnLifecycle != nil {
		w.OnLifecycle(Lifecycle{Kind: kind, URL: w.url, Platform: w.profile.ID})
	}
}

// setup attaches the mutation observer. It returns true when attached or
// when there is nothing to attach to.
func (w *Watcher) setup(ctx context.Context) bool {
	if w.profile == nil {
		return true
	}
	ch, err := w.Page.Observe(ctx, w.profile.Selectors.ChatContainer)
	if err != nil {
		w.attempts++
		if w.attempts >= w.Options.SetupRetries {
			w.Logger.Warn("chat container not found, observer idle",
				zap.String("url", w.url), zap.Int("attempts", w.attempts), zap.Error(err))
		} else {
			w.Logger.Debug("chat container not found, retrying", zap.Int("attempt", w.attempts))
		}
		return false
	}
	w.attempts = 0
	w.changes = ch
	return true
}

func (w *Watcher) document(ctx context.Context) *goquery.Document {
	src, err := w.Page.HTML(ctx)
	if err != nil {
		w.Logger.Debug("snapshot failed", zap.Error(err))
		return nil
	}
	doc, err := Parse(strings.NewReader(src))
	if err != nil {
		w.Logger.Debug("snapshot failed", zap.Error(err))
		return nil
	}
	return doc
}

// check snapshots the page and emits a capture when the differ reports
// something new. doc is fetched when nil.
func (w *Watcher) check(ctx context.Context, doc *goquery.Document) {
	if w.profile == nil {
		return
	}
	if doc == nil {
		if doc = w.document(ctx); doc == nil {
			return
		}
	}
	now := w.Now()
	snap, ok := Take(doc, w.profile, w.url, now)
	if !ok {
		return
	}
	report, ok := w.differ.Observe(snap)
	if !ok {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		w.Logger.Error("encode dom report", zap.Error(err))
		return
	}
	w.Logger.Debug("dom update",
		zap.String("url", w.url),
		zap.Int("messages", len(report.Messages)),
		zap.Bool("incremental", report.IsIncremental))
	w.Sink.Emit(&chat.Capture{
		URL:        w.url,
		PageURL:    w.url,
		CapturedAt: now,
		Platform:   w.profile.ID,
		Source:     chat.SourceDOM,
		Payload:    payload,
		Messages:   report.Messages,
	})
}

// ticker is a time.Ticker that never fires when the interval is not positive.
type ticker struct {
	t *time.Ticker
	c <-chan time.Time
}

func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{}
	}
	t := time.NewTicker(d)
	return ticker{t: t, c: t.C}
}

func (t ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
