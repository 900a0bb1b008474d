//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/chatsync/internal/browser"
	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/domdiff"
	"github.com/hpungsan/chatsync/internal/profile"
)

const demoProfiles = `
profiles:
  - id: demo
    hosts: [{host: 127.0.0.1}]
    network: {include: [/api/chat/], exclude: []}
    selectors:
      message_container: [.msg]
      user_message: [.user]
      assistant_message: [.bot]
      message_content: [.text]
      chat_container: [main]
    role: {strategy: selector}
    conversation_paths: [/c/[^/]+]
`

const demoPage = `<html><head><title>Demo</title></head><body><main>
<div class="msg user"><div class="text">Hello</div></div>
<div class="msg bot"><div class="text">Hi there</div></div>
</main>
<script>
setTimeout(() => fetch('/api/chat/1').then(r => r.json()).then(j => { document.title = j.title; }), 300);
setTimeout(() => {
  const m = document.createElement('div');
  m.className = 'msg user';
  m.innerHTML = '<div class="text">Another question</div>';
  document.querySelector('main').appendChild(m);
}, 800);
</script>
</body></html>`

type captureLog struct {
	mu       sync.Mutex
	captures []*chat.Capture
	events   []domdiff.Lifecycle
}

func (l *captureLog) Emit(c *chat.Capture) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.captures = append(l.captures, c)
}

func (l *captureLog) lifecycle(e domdiff.Lifecycle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *captureLog) count(source chat.Source) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.captures {
		if c.Source == source {
			n++
		}
	}
	return n
}

func TestHost_CapturesNetworkAndDOM_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat/1":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"title":"Demo chat","mapping":{}}`)
		default:
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, demoPage)
		}
	}))
	defer ts.Close()

	reg, err := profile.Parse([]byte(demoProfiles))
	require.NoError(t, err)

	log := &captureLog{}
	opts := browser.Options{
		Headless:    true,
		OpenURLs:    []string{ts.URL + "/c/1"},
		Registry:    reg,
		Sink:        log,
		OnLifecycle: log.lifecycle,
		Watch: domdiff.Options{
			InitialDelay:    100 * time.Millisecond,
			Debounce:        100 * time.Millisecond,
			BackupInterval:  500 * time.Millisecond,
			URLPoll:         100 * time.Millisecond,
			SettleDelay:     100 * time.Millisecond,
			SetupRetries:    10,
			SetupRetryDelay: 100 * time.Millisecond,
		},
	}
	host, err := browser.New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- host.Run(runCtx) }()

	require.Eventually(t, func() bool { return log.count(chat.SourceNetwork) >= 1 }, 30*time.Second, 100*time.Millisecond,
		"network capture")
	require.Eventually(t, func() bool { return log.count(chat.SourceDOM) >= 2 }, 30*time.Second, 100*time.Millisecond,
		"initial and incremental dom captures")

	stop()
	require.NoError(t, <-done)

	log.mu.Lock()
	defer log.mu.Unlock()
	require.NotEmpty(t, log.events)
	assert.Equal(t, domdiff.Opened, log.events[0].Kind)
	assert.Equal(t, "demo", log.events[0].Platform)
}
