package browser

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/hpungsan/chatsync/internal/errors"
)

// bindingName is the window function the injected observer calls.
const bindingName = "__chatsyncMutation"

// observeJS attaches a MutationObserver to the first element matched by
// selectors. It reports "<id>:mutated" on changes and "<id>:detached" once
// the element leaves the document. Returns false when nothing matches.
const observeJS = `(selectors, binding, id) => {
	const stopKey = '__chatsyncStop';
	if (typeof window[stopKey] === 'function') {
		window[stopKey]();
	}
	let el = null;
	for (const s of selectors) {
		try { el = document.querySelector(s); } catch (e) { el = null; }
		if (el) break;
	}
	if (!el) return false;
	const notify = (kind) => {
		try { window[binding](id + ':' + kind); } catch (e) {}
	};
	let done = false;
	const stop = () => {
		if (done) return;
		done = true;
		changes.disconnect();
		gone.disconnect();
	};
	const changes = new MutationObserver(() => {
		if (!el.isConnected) { stop(); notify('detached'); return; }
		notify('mutated');
	});
	const gone = new MutationObserver(() => {
		if (!el.isConnected) { stop(); notify('detached'); }
	});
	changes.observe(el, { childList: true, subtree: true, characterData: true });
	gone.observe(document.body || document.documentElement, { childList: true, subtree: true });
	window[stopKey] = stop;
	return true;
}`

// Page adapts a rod page to domdiff.Page. The current URL is tracked from
// navigation events so hijacked requests can be attributed without a round trip.
type Page struct {
	page   *rod.Page
	logger *zap.Logger

	mu       sync.Mutex
	url      string
	seq      int
	observer *observer
	unbind   func() error
}

type observer struct {
	id   int
	ch   chan struct{}
	once sync.Once
}

func (o *observer) close() {
	o.once.Do(func() { close(o.ch) })
}

func (o *observer) notify() {
	select {
	case o.ch <- struct{}{}:
	default:
	}
}

// NewPage exposes the mutation binding on page and starts URL tracking.
// Tracking stops when ctx is done; call Close to unbind.
func NewPage(ctx context.Context, page *rod.Page, logger *zap.Logger) (*Page, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Page{page: page, logger: logger}

	unbind, err := page.Expose(bindingName, func(arg gson.JSON) (interface{}, error) {
		p.onBinding(arg.Str())
		return nil, nil
	})
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	p.unbind = unbind

	if info, err := page.Context(ctx).Info(); err == nil {
		p.setURL(info.URL)
	}

	wait := page.Context(ctx).EachEvent(
		func(e *proto.PageFrameNavigated) {
			if e.Frame != nil && e.Frame.ParentID == "" {
				p.setURL(e.Frame.URL)
			}
		},
		func(e *proto.PageNavigatedWithinDocument) {
			if e.FrameID == page.FrameID {
				p.setURL(e.URL)
			}
		},
	)
	go wait()

	return p, nil
}

// URL implements domdiff.Page.
func (p *Page) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		if u := p.Current(); u != "" {
			return u, nil
		}
		return "", errors.NewInternal(err)
	}
	p.setURL(info.URL)
	return info.URL, nil
}

// HTML implements domdiff.Page.
func (p *Page) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return html, nil
}

// Observe implements domdiff.Page. A new call replaces the previous observer
// and closes its channel.
func (p *Page) Observe(ctx context.Context, selectors []string) (<-chan struct{}, error) {
	p.mu.Lock()
	p.seq++
	o := &observer{id: p.seq, ch: make(chan struct{}, 1)}
	prev := p.observer
	p.observer = o
	p.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	res, err := p.page.Context(ctx).Eval(observeJS, selectors, bindingName, o.id)
	if err != nil {
		p.drop(o)
		return nil, errors.NewInternal(err)
	}
	if !res.Value.Bool() {
		p.drop(o)
		return nil, errors.NewSelectorMiss(hostOf(p.Current()), "chat_container")
	}
	return o.ch, nil
}

// Current returns the last known top-level URL.
func (p *Page) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Close detaches the observer and removes the binding.
func (p *Page) Close() {
	p.mu.Lock()
	o := p.observer
	p.observer = nil
	unbind := p.unbind
	p.unbind = nil
	p.mu.Unlock()

	if o != nil {
		o.close()
	}
	if unbind != nil {
		if err := unbind(); err != nil {
			p.logger.Debug("unbind mutation binding", zap.Error(err))
		}
	}
}

func (p *Page) setURL(u string) {
	if u == "" {
		return
	}
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
}

// drop forgets o if it is still current.
func (p *Page) drop(o *observer) {
	p.mu.Lock()
	if p.observer == o {
		p.observer = nil
	}
	p.mu.Unlock()
	o.close()
}

// onBinding routes a "<id>:<kind>" notification to the current observer.
// Notifications from replaced observers are ignored.
func (p *Page) onBinding(msg string) {
	id, kind, ok := parseBinding(msg)
	if !ok {
		return
	}
	p.mu.Lock()
	o := p.observer
	if o == nil || o.id != id {
		p.mu.Unlock()
		return
	}
	if kind == "detached" {
		p.observer = nil
	}
	p.mu.Unlock()

	if kind == "detached" {
		o.close()
		return
	}
	o.notify()
}

func parseBinding(msg string) (int, string, bool) {
	idStr, kind, ok := strings.Cut(msg, ":")
	if !ok {
		return 0, "", false
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, "", false
	}
	switch kind {
	case "mutated", "detached":
		return id, kind, true
	}
	return 0, "", false
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Hostname()
}
