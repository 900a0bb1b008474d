package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/chatsync/internal/bus"
	"github.com/hpungsan/chatsync/internal/errors"
)

// Run handles bus messages in arrival order until ctx is cancelled or the bus
// is closed. Captures are cached before the next message is read; uploads,
// purges and syncs run in the background. Run detaches the bus and waits for
// background work before returning.
func (c *Coordinator) Run(ctx context.Context, b *bus.Bus) error {
	defer c.wg.Wait()
	defer b.Close()

	var flush <-chan time.Time
	if c.flushEvery > 0 {
		ticker := time.NewTicker(c.flushEvery)
		defer ticker.Stop()
		flush = ticker.C
	}

	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case m, ok := <-b.Messages():
			if !ok {
				return nil
			}
			c.handle(ctx, m)

		case <-flush:
			g := c.Global()
			if !g.Enabled || !g.HasIdentity() {
				continue
			}
			c.background(func(ctx context.Context) {
				n, err := c.Flush(ctx)
				if err != nil {
					c.logger.Warn("periodic flush incomplete", zap.Int("synced", n), zap.Error(err))
					return
				}
				if n > 0 {
					c.logger.Info("periodic flush", zap.Int("synced", n))
				}
			})
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, m bus.Message) {
	switch m.Kind {
	case bus.ChatData:
		key, err := c.HandleCapture(ctx, m.Capture)
		if err != nil {
			c.logger.Warn("capture rejected", zap.Error(err))
			m.Respond(err)
			return
		}
		m.Respond(Ack{Key: key})

	case bus.ToggleEnabled:
		changed, err := c.setFlag(ctx, m.Enabled)
		if err != nil {
			m.Respond(err)
			return
		}
		if !changed {
			m.Respond(ToggleResult{Enabled: m.Enabled})
			return
		}
		c.background(func(ctx context.Context) {
			c.transition(ctx, m.Enabled)
			m.Respond(ToggleResult{Enabled: m.Enabled})
		})

	case bus.SyncNow:
		c.background(func(ctx context.Context) {
			m.Respond(c.SyncNow(ctx))
		})

	case bus.ConversationOpened:
		m.Respond(Ack{Key: c.ConversationOpened(m.URL, m.Platform)})

	case bus.ConversationClosed:
		key, done := c.ConversationClosed(m.URL, m.Platform)
		if m.Reply == nil {
			return
		}
		c.background(func(context.Context) {
			<-done
			m.Respond(Ack{Key: key})
		})

	case bus.SetIdentity:
		if err := c.SetIdentity(ctx, m.UserID); err != nil {
			m.Respond(err)
			return
		}
		m.Respond(c.Global())

	case bus.GetStatus:
		st, err := c.Status(ctx)
		if err != nil {
			m.Respond(err)
			return
		}
		m.Respond(st)

	default:
		m.Respond(errors.NewInvalidRequest("unknown message type: " + string(m.Kind)))
	}
}
