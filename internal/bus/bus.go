// Package bus is the one-way message channel from capture channels and the
// control surface into the coordinator.
package bus

import (
	"context"
	"sync"

	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/errors"
)

// Kind identifies a message.
type Kind string

const (
	ChatData           Kind = "CHAT_DATA"
	ToggleEnabled      Kind = "TOGGLE_ENABLED"
	SyncNow            Kind = "SYNC_NOW"
	ConversationOpened Kind = "CONVERSATION_OPENED"
	ConversationClosed Kind = "CONVERSATION_CLOSED"
	GetStatus          Kind = "GET_STATUS"
	SetIdentity        Kind = "SET_IDENTITY"
)

// Message is one request to the coordinator. Which fields are set depends on Kind.
type Message struct {
	Kind     Kind
	Capture  *chat.Capture // ChatData
	Enabled  bool          // ToggleEnabled
	URL      string        // ConversationOpened, ConversationClosed
	Platform string        // ConversationOpened, ConversationClosed
	UserID   string        // SetIdentity

	// Reply, when non-nil, receives exactly one value once the message is handled.
	Reply chan any
}

// Bus delivers messages in send order. After Close every send is a no-op that
// reports CONTEXT_INVALIDATED.
type Bus struct {
	ch   chan Message
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// New returns a Bus buffering up to size messages.
func New(size int) *Bus {
	if size < 0 {
		size = 0
	}
	return &Bus{ch: make(chan Message, size), done: make(chan struct{})}
}

// Alive reports whether the receiving side is still attached.
func (b *Bus) Alive() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// Messages is the receive side. It is closed by Close.
func (b *Bus) Messages() <-chan Message {
	return b.ch
}

// Done is closed when the bus is closed.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Send queues m, blocking while the buffer is full.
func (b *Bus) Send(ctx context.Context, m Message) error {
	if !b.Alive() {
		return errors.NewContextInvalidated()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.NewContextInvalidated()
	}
	select {
	case b.ch <- m:
		return nil
	case <-b.done:
		return errors.NewContextInvalidated()
	case <-ctx.Done():
		return errors.NewCancelled("send " + string(m.Kind))
	}
}

// Request sends m with a fresh reply channel and waits for the reply.
func (b *Bus) Request(ctx context.Context, m Message) (any, error) {
	m.Reply = make(chan any, 1)
	if err := b.Send(ctx, m); err != nil {
		return nil, err
	}
	select {
	case v := <-m.Reply:
		return v, nil
	case <-b.done:
		// The handler may have replied just before closing.
		select {
		case v := <-m.Reply:
			return v, nil
		default:
		}
		return nil, errors.NewContextInvalidated()
	case <-ctx.Done():
		return nil, errors.NewCancelled("request " + string(m.Kind))
	}
}

// Close detaches the bus. Pending sends return CONTEXT_INVALIDATED; messages
// already queued stay readable until drained.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
	})
}

// Sink returns a chat.Sink that forwards captures as CHAT_DATA messages.
// Captures emitted after Close are dropped.
func (b *Bus) Sink(ctx context.Context) chat.Sink {
	return chat.SinkFunc(func(c *chat.Capture) {
		_ = b.Send(ctx, Message{Kind: ChatData, Capture: c})
	})
}

// Respond delivers v on m.Reply if the sender asked for one.
func (m Message) Respond(v any) {
	if m.Reply == nil {
		return
	}
	select {
	case m.Reply <- v:
	default:
	}
}
