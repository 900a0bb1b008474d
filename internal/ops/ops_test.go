package ops

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/hpungsan/chatsync/internal/bus"
	"github.com/hpungsan/chatsync/internal/cache"
	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/coordinator"
	"github.com/hpungsan/chatsync/internal/db"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/identity"
	"github.com/hpungsan/chatsync/internal/ingest"
	"github.com/hpungsan/chatsync/internal/state"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testCapture(url, platform string, at time.Time, contents ...string) *chat.Capture {
	c := &chat.Capture{
		URL:        url,
		PageURL:    url,
		CapturedAt: at,
		Platform:   platform,
		Source:     chat.SourceDOM,
		Payload:    []byte(`{"type":"conversation_update"}`),
	}
	for _, s := range contents {
		c.Messages = append(c.Messages, chat.NewMessage(chat.RoleUser, s, at))
	}
	return c
}

func seed(t *testing.T, c *cache.Cache, key, platform string, contents ...string) *chat.Batch {
	t.Helper()
	b := chat.NewBatch(key, testCapture(key, platform, time.Now(), contents...))
	if err := c.Append(context.Background(), key, b); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return b
}

func testResolver(t *testing.T) *identity.Resolver {
	t.Helper()
	r, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New failed: %v", err)
	}
	return r
}

// nopRemote accepts every upload.
type nopRemote struct {
	mu      sync.Mutex
	stored  int
	deleted []string
}

func (r *nopRemote) PostChats(_ context.Context, _ string, batches []*chat.Batch) (*ingest.ChatsResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored += len(batches)
	return &ingest.ChatsResult{Success: true, Stored: len(batches)}, nil
}

func (r *nopRemote) DeleteConversation(_ context.Context, _ string, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, url)
	return nil
}

func (r *nopRemote) uploaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored
}

type service struct {
	bus    *bus.Bus
	cache  *cache.Cache
	store  *state.Store
	remote *nopRemote
}

// startService runs a coordinator on a bus until the test ends.
func startService(t *testing.T, userID string) *service {
	t.Helper()
	database := openTestDB(t)
	ctx := context.Background()

	store, err := state.NewStore(ctx, database, userID)
	if err != nil {
		t.Fatalf("state.NewStore failed: %v", err)
	}
	c := cache.New(database, nil)
	remote := &nopRemote{}
	coord, err := coordinator.New(ctx, coordinator.Options{
		Cache:    c,
		State:    store,
		Remote:   remote,
		Resolver: testResolver(t),
	})
	if err != nil {
		t.Fatalf("coordinator.New failed: %v", err)
	}

	b := bus.New(16)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- coord.Run(runCtx, b) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run returned: %v", err)
		}
	})
	return &service{bus: b, cache: c, store: store, remote: remote}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name              string
		limit, offset     int
		wantLimit, wantOf int
	}{
		{"default", 0, 0, 20, 0},
		{"negative limit", -5, 3, 20, 3},
		{"over max", 1000, 0, 100, 0},
		{"negative offset", 10, -1, 10, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			limit, offset := clampLimit(tc.limit, tc.offset, DefaultListLimit, MaxListLimit)
			if limit != tc.wantLimit || offset != tc.wantOf {
				t.Errorf("clampLimit(%d, %d) = %d, %d; want %d, %d",
					tc.limit, tc.offset, limit, offset, tc.wantLimit, tc.wantOf)
			}
		})
	}
}

func TestExpect(t *testing.T) {
	got, err := expect[coordinator.Ack](coordinator.Ack{Key: "k"}, nil)
	if err != nil || got.Key != "k" {
		t.Errorf("expect(value) = %+v, %v", got, err)
	}

	got, err = expect[coordinator.Ack](&coordinator.Ack{Key: "p"}, nil)
	if err != nil || got.Key != "p" {
		t.Errorf("expect(pointer) = %+v, %v", got, err)
	}

	_, err = expect[coordinator.Ack](errors.NewInvalidRequest("bad"), nil)
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expect(error reply) = %v, want ErrInvalidRequest", err)
	}

	_, err = expect[coordinator.Ack](nil, errors.NewContextInvalidated())
	if !errors.Is(err, errors.ErrContextInvalidated) {
		t.Errorf("expect(transport error) = %v, want ErrContextInvalidated", err)
	}

	_, err = expect[coordinator.Ack]("surprise", nil)
	if !errors.Is(err, errors.ErrInternal) {
		t.Errorf("expect(wrong type) = %v, want ErrInternal", err)
	}
}
