// Package coordinator decides what happens to captured conversation data:
// cached only, cached and uploaded, or purged locally and remotely. The
// decision is driven by the global consent flag and by which conversations
// are currently open.
package coordinator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hpungsan/chatsync/internal/cache"
	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/identity"
	"github.com/hpungsan/chatsync/internal/ingest"
	"github.com/hpungsan/chatsync/internal/metrics"
	"github.com/hpungsan/chatsync/internal/state"
)

// State is the per-conversation sync state.
type State string

const (
	Idle     State = "idle"
	Caching  State = "caching"
	Syncing  State = "syncing"
	Deleting State = "deleting"
)

const defaultFlushLimit = 4

// Remote is the part of the ingestion service the coordinator uses.
type Remote interface {
	PostChats(ctx context.Context, userID string, batches []*chat.Batch) (*ingest.ChatsResult, error)
	DeleteConversation(ctx context.Context, userID, conversationURL string) error
}

// Options wires a Coordinator.
type Options struct {
	Cache    *cache.Cache
	State    *state.Store
	Remote   Remote
	Resolver *identity.Resolver
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	// FlushInterval is the period of the background upload of every cached
	// conversation. Zero disables the timer.
	FlushInterval time.Duration

	// FlushLimit bounds concurrent uploads during a flush.
	FlushLimit int
}

// Status is the aggregate view reported to the control surface.
type Status struct {
	Enabled             bool     `json:"enabled"`
	PendingCount        int      `json:"pendingCount"`
	ActiveConversations []string `json:"activeConversations"`
	HasIdentity         bool     `json:"hasIdentity"`

	// States holds the sync state of each active conversation.
	States map[string]State `json:"states,omitempty"`
}

// SyncResult reports the outcome of a manual or periodic sync.
type SyncResult struct {
	Success bool   `json:"success"`
	Synced  int    `json:"synced"`
	Error   string `json:"error,omitempty"`
}

// ToggleResult reports the flag after a toggle.
type ToggleResult struct {
	Enabled bool `json:"enabled"`
}

// Ack acknowledges a capture or lifecycle event with the resolved key.
type Ack struct {
	Key string `json:"key"`
}

// Coordinator owns the active conversation set and the in-memory copy of the
// global capture state. Safe for concurrent use.
type Coordinator struct {
	cache      *cache.Cache
	store      *state.Store
	remote     Remote
	keys       *identity.Resolver
	logger     *zap.Logger
	metrics    *metrics.Metrics
	flushEvery time.Duration
	flushLimit int

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	group  singleflight.Group

	mu      sync.Mutex
	global  state.Global
	active  map[string]string // key -> platform
	busy    map[string]State
	again   map[string]bool
	keyLock map[string]*sync.Mutex
}

// New loads the persisted capture state and returns a Coordinator.
func New(ctx context.Context, opts Options) (*Coordinator, error) {
	if opts.Cache == nil || opts.State == nil || opts.Remote == nil {
		return nil, errors.NewInvalidRequest("coordinator requires a cache, a state store and a remote")
	}
	keys := opts.Resolver
	if keys == nil {
		var err error
		if keys, err = identity.New(); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := opts.FlushLimit
	if limit <= 0 {
		limit = defaultFlushLimit
	}

	global, err := opts.State.Load(ctx)
	if err != nil {
		return nil, err
	}

	life, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cache:      opts.Cache,
		store:      opts.State,
		remote:     opts.Remote,
		keys:       keys,
		logger:     logger,
		metrics:    opts.Metrics,
		flushEvery: opts.FlushInterval,
		flushLimit: limit,
		life:       life,
		cancel:     cancel,
		global:     global,
		active:     make(map[string]string),
		busy:       make(map[string]State),
		again:      make(map[string]bool),
		keyLock:    make(map[string]*sync.Mutex),
	}
	c.refreshPending(ctx)
	return c, nil
}

// Close cancels background work and waits for it to stop.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Wait blocks until every background upload and purge has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Key resolves the conversation key for rawURL.
func (c *Coordinator) Key(rawURL string) string {
	return c.keys.Resolve(rawURL)
}

// Global returns the in-memory capture state.
func (c *Coordinator) Global() state.Global {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global
}

// Status reports the flag, pending batch count, and open conversations.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	pending, err := c.cache.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	c.mu.Lock()
	active := make([]string, 0, len(c.active))
	for k := range c.active {
		active = append(active, k)
	}
	st := Status{
		Enabled:      c.global.Enabled,
		PendingCount: pending,
		HasIdentity:  c.global.HasIdentity(),
	}
	c.mu.Unlock()

	sort.Strings(active)
	st.ActiveConversations = active
	for _, k := range active {
		s, err := c.StateOf(ctx, k)
		if err != nil {
			return Status{}, err
		}
		if s == Idle {
			continue
		}
		if st.States == nil {
			st.States = make(map[string]State)
		}
		st.States[k] = s
	}
	return st, nil
}

// StateOf reports the sync state of key. A conversation with cached batches
// is Caching only while capture is disabled.
func (c *Coordinator) StateOf(ctx context.Context, key string) (State, error) {
	c.mu.Lock()
	s, ok := c.busy[key]
	enabled := c.global.Enabled
	c.mu.Unlock()
	if ok {
		return s, nil
	}
	if enabled {
		return Idle, nil
	}
	e, err := c.cache.Get(ctx, key)
	if err != nil {
		return Idle, err
	}
	if e.Empty() {
		return Idle, nil
	}
	return Caching, nil
}

// HandleCapture caches capture under its conversation key and, when capture is
// enabled and an identity exists, starts an upload of that conversation.
func (c *Coordinator) HandleCapture(ctx context.Context, capture *chat.Capture) (string, error) {
	if capture == nil {
		return "", errors.NewInvalidRequest("capture is required")
	}
	if err := capture.Validate(); err != nil {
		return "", err
	}
	key := c.keys.Resolve(capture.ConversationURL())
	batch := chat.NewBatch(key, capture)
	if err := c.cache.Append(ctx, key, batch); err != nil {
		return "", err
	}
	c.metrics.RecordCapture(string(capture.Source), capture.Platform)
	c.refreshPending(ctx)

	c.mu.Lock()
	// A capture is evidence the conversation is open.
	if _, ok := c.active[key]; !ok {
		c.active[key] = capture.Platform
	}
	upload := c.global.Enabled && c.global.HasIdentity()
	c.mu.Unlock()

	if upload {
		c.background(func(ctx context.Context) {
			if _, err := c.syncKey(ctx, key); err != nil {
				c.logger.Warn("upload failed, keeping cache", zap.String("key", key), zap.Error(err))
			}
		})
	}
	return key, nil
}

// ConversationOpened adds the conversation at rawURL to the active set.
func (c *Coordinator) ConversationOpened(rawURL, platform string) string {
	key := c.keys.Resolve(rawURL)
	c.mu.Lock()
	c.active[key] = platform
	c.mu.Unlock()
	c.logger.Debug("conversation opened", zap.String("key", key), zap.String("platform", platform))
	return key
}

// ConversationClosed removes the conversation from the active set. While
// capture is disabled its data is also deleted remotely and cleared locally.
// The returned channel is closed once any purge has finished.
func (c *Coordinator) ConversationClosed(rawURL, platform string) (string, <-chan struct{}) {
	key := c.keys.Resolve(rawURL)
	c.mu.Lock()
	delete(c.active, key)
	enabled := c.global.Enabled
	c.mu.Unlock()
	c.logger.Debug("conversation closed",
		zap.String("key", key), zap.String("platform", platform), zap.Bool("enabled", enabled))

	done := make(chan struct{})
	if enabled {
		close(done)
		return key, done
	}
	c.background(func(ctx context.Context) {
		defer close(done)
		c.purge(ctx, key)
	})
	return key, done
}

// SetEnabled persists the consent flag and applies the transition: enabling
// uploads every open conversation with cached data; disabling deletes every
// open conversation remotely and clears it locally. Returns once the
// transition work has finished.
func (c *Coordinator) SetEnabled(ctx context.Context, enabled bool) error {
	changed, err := c.setFlag(ctx, enabled)
	if err != nil {
		return err
	}
	if changed {
		c.transition(ctx, enabled)
	}
	return nil
}

// setFlag persists and records the flag. Reports whether it changed.
func (c *Coordinator) setFlag(ctx context.Context, enabled bool) (bool, error) {
	if err := c.store.SetEnabled(ctx, enabled); err != nil {
		return false, err
	}
	c.mu.Lock()
	changed := c.global.Enabled != enabled
	c.global.Enabled = enabled
	c.mu.Unlock()
	if changed {
		c.logger.Info("capture toggled", zap.Bool("enabled", enabled))
	}
	return changed, nil
}

func (c *Coordinator) transition(ctx context.Context, enabled bool) {
	keys := c.activeKeys()
	g := new(errgroup.Group)
	g.SetLimit(c.flushLimit)
	for _, key := range keys {
		g.Go(func() error {
			if enabled {
				if _, err := c.syncKey(ctx, key); err != nil {
					c.logger.Warn("upload on enable failed", zap.String("key", key), zap.Error(err))
				}
				return nil
			}
			c.purge(ctx, key)
			return nil
		})
	}
	_ = g.Wait()
}

// SetIdentity persists the anonymous user id.
func (c *Coordinator) SetIdentity(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if err := c.store.SetUserID(ctx, userID); err != nil {
		return err
	}
	c.mu.Lock()
	c.global.UserID = userID
	c.mu.Unlock()
	return nil
}

// SyncNow uploads every cached conversation. It fails without transmitting
// anything while capture is disabled or no identity exists.
func (c *Coordinator) SyncNow(ctx context.Context) SyncResult {
	g := c.Global()
	if !g.Enabled {
		return SyncResult{Error: "capture is disabled"}
	}
	if !g.HasIdentity() {
		return SyncResult{Error: "no user identity"}
	}
	synced, err := c.Flush(ctx)
	if err != nil {
		return SyncResult{Synced: synced, Error: err.Error()}
	}
	return SyncResult{Success: true, Synced: synced}
}

// Flush uploads every non-empty cache entry, at most FlushLimit at a time.
// Returns the number of batches uploaded and the first error seen.
func (c *Coordinator) Flush(ctx context.Context) (int, error) {
	keys, err := c.cache.Keys(ctx)
	if err != nil {
		return 0, err
	}
	var synced atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(c.flushLimit)
	for _, key := range keys {
		g.Go(func() error {
			n, err := c.syncKey(ctx, key)
			synced.Add(int64(n))
			return err
		})
	}
	err = g.Wait()
	return int(synced.Load()), err
}

// syncKey uploads key's entry until no capture arrived during the upload.
// Concurrent callers for one key share a single upload loop.
func (c *Coordinator) syncKey(ctx context.Context, key string) (int, error) {
	c.mu.Lock()
	c.again[key] = true
	c.mu.Unlock()

	total := 0
	for {
		v, err, _ := c.group.Do(key, func() (any, error) {
			return c.uploadLoop(ctx, key)
		})
		if n, ok := v.(int); ok {
			total += n
		}
		c.mu.Lock()
		pending := c.again[key]
		c.mu.Unlock()
		if err != nil || !pending {
			return total, err
		}
	}
}

func (c *Coordinator) uploadLoop(ctx context.Context, key string) (int, error) {
	total := 0
	for {
		c.mu.Lock()
		if !c.again[key] {
			delete(c.again, key)
			c.mu.Unlock()
			return total, nil
		}
		c.again[key] = false
		c.mu.Unlock()

		n, err := c.uploadOnce(ctx, key)
		total += n
		if err != nil {
			c.mu.Lock()
			delete(c.again, key)
			c.mu.Unlock()
			return total, err
		}
	}
}

// uploadOnce posts the current entry for key and removes exactly the batches
// that were posted.
func (c *Coordinator) uploadOnce(ctx context.Context, key string) (int, error) {
	unlock := c.lockKey(key)
	defer unlock()

	g := c.Global()
	if !g.Enabled || !g.HasIdentity() {
		return 0, nil
	}
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if entry.Empty() {
		return 0, nil
	}

	c.setBusy(key, Syncing)
	defer c.setBusy(key, "")

	start := time.Now()
	_, err = c.remote.PostChats(ctx, g.UserID, entry.Batches)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		c.metrics.RecordUpload(false, len(entry.Batches), elapsed)
		return 0, err
	}
	c.metrics.RecordUpload(true, len(entry.Batches), elapsed)

	if _, err := c.cache.Remove(ctx, key, entry.BatchIDs()); err != nil {
		return 0, err
	}
	c.refreshPending(ctx)
	c.logger.Info("synced conversation", zap.String("key", key), zap.Int("batches", len(entry.Batches)))
	return len(entry.Batches), nil
}

// purge deletes key remotely, best effort, then clears it locally.
func (c *Coordinator) purge(ctx context.Context, key string) {
	unlock := c.lockKey(key)
	defer unlock()

	c.setBusy(key, Deleting)
	defer c.setBusy(key, "")

	g := c.Global()
	err := c.remote.DeleteConversation(ctx, g.UserID, key)
	c.metrics.RecordDelete(err == nil)
	if err != nil {
		c.logger.Warn("remote delete failed, clearing locally", zap.String("key", key), zap.Error(err))
	}

	// Local purge does not depend on the remote outcome or on the caller's context.
	n, err := c.cache.Clear(context.WithoutCancel(ctx), key)
	if err != nil {
		c.logger.Error("local purge failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.refreshPending(ctx)
	c.logger.Info("purged conversation", zap.String("key", key), zap.Int64("batches", n))
}

func (c *Coordinator) lockKey(key string) func() {
	c.mu.Lock()
	l, ok := c.keyLock[key]
	if !ok {
		l = &sync.Mutex{}
		c.keyLock[key] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (c *Coordinator) setBusy(key string, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == "" {
		delete(c.busy, key)
		return
	}
	c.busy[key] = s
}

func (c *Coordinator) activeKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.active))
	for k := range c.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Coordinator) refreshPending(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	n, err := c.cache.PendingCount(context.WithoutCancel(ctx))
	if err != nil {
		return
	}
	c.metrics.SetPending(n)
}

// background runs fn on the coordinator's lifetime context.
func (c *Coordinator) background(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.life)
	}()
}
