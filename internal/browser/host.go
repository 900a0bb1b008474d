// Package browser drives Chrome through the DevTools protocol and feeds both
// capture channels: conversation calls are hijacked through the capturing
// transport and every tab gets a DOM watcher.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/hpungsan/chatsync/internal/capture"
	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/config"
	"github.com/hpungsan/chatsync/internal/domdiff"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/profile"
)

// hijackedTypes are the resource types that can carry conversation data.
var hijackedTypes = []proto.NetworkResourceType{
	proto.NetworkResourceTypeXHR,
	proto.NetworkResourceTypeFetch,
	proto.NetworkResourceTypeEventSource,
}

// Options configures a Host.
type Options struct {
	// ControlURL attaches to a running Chrome. Empty launches one.
	ControlURL string
	Bin        string
	DataDir    string
	Headless   bool

	// OpenURLs are opened in new tabs after attaching.
	OpenURLs []string

	Registry *profile.Registry
	Sink     chat.Sink

	// Keys groups page URLs into conversations for lifecycle events.
	Keys domdiff.KeyResolver

	// OnLifecycle receives conversation opened/closed events from every tab.
	OnLifecycle func(domdiff.Lifecycle)

	Watch        domdiff.Options
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// OptionsFromConfig fills the browser and watcher settings from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ControlURL:   cfg.BrowserURL,
		Bin:          cfg.BrowserBin,
		DataDir:      cfg.BrowserDataDir,
		Headless:     cfg.Headless,
		OpenURLs:     cfg.OpenURLs,
		Watch:        WatchOptions(cfg),
		MaxBodyBytes: cfg.MaxCaptureBytes,
	}
}

// WatchOptions derives DOM watcher timings from cfg. Zero values keep the defaults.
func WatchOptions(cfg *config.Config) domdiff.Options {
	opts := domdiff.DefaultOptions()
	if cfg == nil {
		return opts
	}
	if cfg.DebounceMS > 0 {
		opts.Debounce = time.Duration(cfg.DebounceMS) * time.Millisecond
	}
	if cfg.BackupScanSeconds > 0 {
		opts.BackupInterval = time.Duration(cfg.BackupScanSeconds) * time.Second
	}
	if cfg.URLPollMS > 0 {
		opts.URLPoll = time.Duration(cfg.URLPollMS) * time.Millisecond
	}
	if cfg.SetupRetries > 0 {
		opts.SetupRetries = cfg.SetupRetries
	}
	return opts
}

// Host attaches a watcher and a request hijacker to every page target.
type Host struct {
	opts   Options
	logger *zap.Logger
	filter capture.Filter

	browser  *rod.Browser
	launcher *launcher.Launcher

	mu   sync.Mutex
	tabs map[proto.TargetTargetID]*tab
	wg   sync.WaitGroup
}

type tab struct {
	cancel    context.CancelFunc
	destroyed bool
}

// New validates opts and returns a Host. Nothing is launched until Run.
func New(opts Options) (*Host, error) {
	if opts.Registry == nil {
		return nil, errors.NewInvalidRequest("browser host requires a profile registry")
	}
	if opts.Sink == nil {
		return nil, errors.NewInvalidRequest("browser host requires a capture sink")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		opts:   opts,
		logger: logger.Named("browser"),
		filter: capture.Filter{Registry: opts.Registry},
		tabs:   make(map[proto.TargetTargetID]*tab),
	}, nil
}

// Run connects to Chrome and watches tabs until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	if err := h.connect(ctx); err != nil {
		return err
	}
	defer h.shutdown()

	b := h.browser.Context(ctx)
	wait := b.EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo != nil && e.TargetInfo.Type == proto.TargetTargetInfoTypePage {
				h.attachTarget(ctx, e.TargetInfo.TargetID)
			}
		},
		func(e *proto.TargetTargetDestroyed) {
			h.detach(e.TargetID)
		},
	)
	go wait()

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		h.logger.Warn("target discovery unavailable, only existing tabs are watched", zap.Error(err))
	}

	pages, err := b.Pages()
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	for _, page := range pages {
		h.attachTarget(ctx, page.TargetID)
	}
	for _, u := range h.opts.OpenURLs {
		page, err := b.Page(proto.TargetCreateTarget{URL: u})
		if err != nil {
			h.logger.Warn("open tab failed", zap.String("url", u), zap.Error(err))
			continue
		}
		h.attachTarget(ctx, page.TargetID)
	}

	h.logger.Info("browser attached", zap.Int("tabs", len(pages)), zap.Int("opened", len(h.opts.OpenURLs)))
	<-ctx.Done()
	return nil
}

func (h *Host) connect(ctx context.Context) error {
	controlURL := h.opts.ControlURL
	if controlURL == "" {
		l := launcher.New().Context(ctx).Headless(h.opts.Headless)
		if h.opts.Bin != "" {
			l = l.Bin(h.opts.Bin)
		}
		if h.opts.DataDir != "" {
			l = l.UserDataDir(h.opts.DataDir)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		h.launcher = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		if h.launcher != nil {
			h.launcher.Kill()
		}
		return fmt.Errorf("connect to chrome: %w", err)
	}
	h.browser = b
	return nil
}

// shutdown waits for every tab and stops a browser this host launched.
// An attached browser is left running.
func (h *Host) shutdown() {
	h.wg.Wait()
	if h.launcher == nil {
		return
	}
	h.launcher.Kill()
	if h.opts.DataDir == "" {
		h.launcher.Cleanup()
	}
}

// attachTarget starts watching a target once.
func (h *Host) attachTarget(ctx context.Context, id proto.TargetTargetID) {
	h.mu.Lock()
	if _, ok := h.tabs[id]; ok || ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	tabCtx, cancel := context.WithCancel(ctx)
	t := &tab{cancel: cancel}
	h.tabs[id] = t
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		defer h.forget(id)
		if err := h.watch(tabCtx, id, t); err != nil && ctx.Err() == nil {
			h.logger.Debug("tab watch ended", zap.String("target", string(id)), zap.Error(err))
		}
	}()
}

func (h *Host) detach(id proto.TargetTargetID) {
	h.mu.Lock()
	t, ok := h.tabs[id]
	if ok {
		t.destroyed = true
	}
	h.mu.Unlock()
	if ok {
		t.cancel()
	}
}

func (h *Host) forget(id proto.TargetTargetID) {
	h.mu.Lock()
	if t, ok := h.tabs[id]; ok {
		t.cancel()
		delete(h.tabs, id)
	}
	h.mu.Unlock()
}

func (h *Host) wasDestroyed(t *tab) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return t.destroyed
}

// watch runs the hijacker and DOM watcher for one tab until it closes.
func (h *Host) watch(ctx context.Context, id proto.TargetTargetID, t *tab) error {
	rp, err := h.browser.PageFromTarget(id)
	if err != nil {
		return err
	}
	rp = rp.Context(ctx)

	page, err := NewPage(ctx, rp, h.logger)
	if err != nil {
		return err
	}
	defer page.Close()

	router := rp.HijackRequests()
	handler := h.hijack(page, h.client(page))
	for _, typ := range hijackedTypes {
		if err := router.Add("*", typ, handler); err != nil {
			return err
		}
	}
	go router.Run()
	defer func() {
		if err := router.Stop(); err != nil {
			h.logger.Debug("stop hijack router", zap.Error(err))
		}
	}()

	lc := &lifecycleTracker{next: h.opts.OnLifecycle}
	w := &domdiff.Watcher{
		Page:        page,
		Registry:    h.opts.Registry,
		Sink:        h.opts.Sink,
		OnLifecycle: lc.observe,
		Keys:        h.opts.Keys,
		Options:     h.opts.Watch,
		Logger:      h.logger.With(zap.String("target", string(id))),
	}
	err = w.Run(ctx)

	// A closed tab closes its conversation; a host shutdown does not.
	if h.wasDestroyed(t) {
		lc.closeOpen()
	}
	return err
}

// client performs hijacked conversation calls through the capturing transport.
func (h *Host) client(page *Page) *http.Client {
	return &http.Client{
		Transport: pageTransport{
			page: page,
			next: &capture.Transport{
				Filter:       h.filter,
				Sink:         h.opts.Sink,
				MaxBodyBytes: h.opts.MaxBodyBytes,
				Logger:       h.logger,
			},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
}

func (h *Host) hijack(page *Page, client *http.Client) func(*rod.Hijack) {
	return func(hj *rod.Hijack) {
		reqURL := hj.Request.URL().String()
		if _, ok := h.filter.Classify(page.Current(), reqURL); !ok {
			hj.ContinueRequest(&proto.FetchContinueRequest{})
			return
		}

		req := hj.Request.Req()
		if req.Header.Get("Cookie") == "" {
			if cookies, err := page.page.Cookies([]string{reqURL}); err == nil {
				if v := cookieHeader(cookies); v != "" {
					req.Header.Set("Cookie", v)
				}
			}
		}

		if err := hj.LoadResponse(client, true); err != nil {
			h.logger.Debug("hijacked request failed", zap.String("url", reqURL), zap.Error(err))
			hj.Response.Fail(proto.NetworkErrorReasonFailed)
		}
	}
}

// pageTransport tags requests with the page URL they were issued from.
type pageTransport struct {
	page interface{ Current() string }
	next http.RoundTripper
}

func (t pageTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if u := t.page.Current(); u != "" {
		req = req.WithContext(capture.WithPageURL(req.Context(), u))
	}
	return t.next.RoundTrip(req)
}

func cookieHeader(cookies []*proto.NetworkCookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// lifecycleTracker forwards lifecycle events and remembers whether a
// conversation is open.
type lifecycleTracker struct {
	next func(domdiff.Lifecycle)
	open *domdiff.Lifecycle
}

func (l *lifecycleTracker) observe(e domdiff.Lifecycle) {
	switch e.Kind {
	case domdiff.Opened:
		open := e
		l.open = &open
	case domdiff.Closed:
		l.open = nil
	}
	if l.next != nil {
		l.next(e)
	}
}

// closeOpen emits Closed for the conversation still open, if any.
func (l *lifecycleTracker) closeOpen() {
	if l.open == nil {
		return
	}
	e := *l.open
	e.Kind = domdiff.Closed
	l.observe(e)
}
