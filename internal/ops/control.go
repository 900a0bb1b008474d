package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/chatsync/internal/bus"
	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/coordinator"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/state"
)

// Status returns the coordinator's aggregate status.
func Status(ctx context.Context, ctl Controller) (coordinator.Status, error) {
	return expect[coordinator.Status](ctl.Request(ctx, bus.Message{Kind: bus.GetStatus}))
}

// Toggle sets the consent flag. Disabling purges every open conversation.
func Toggle(ctx context.Context, ctl Controller, enabled bool) (coordinator.ToggleResult, error) {
	return expect[coordinator.ToggleResult](ctl.Request(ctx, bus.Message{Kind: bus.ToggleEnabled, Enabled: enabled}))
}

// Sync uploads everything pending. A failed sync is reported in the result, not as an error.
func Sync(ctx context.Context, ctl Controller) (coordinator.SyncResult, error) {
	return expect[coordinator.SyncResult](ctl.Request(ctx, bus.Message{Kind: bus.SyncNow}))
}

// Capture hands a capture to the coordinator and returns its conversation key.
func Capture(ctx context.Context, ctl Controller, c *chat.Capture) (coordinator.Ack, error) {
	if c == nil {
		return coordinator.Ack{}, errors.NewInvalidRequest("capture is required")
	}
	if err := c.Validate(); err != nil {
		return coordinator.Ack{}, err
	}
	return expect[coordinator.Ack](ctl.Request(ctx, bus.Message{Kind: bus.ChatData, Capture: c}))
}

// LifecycleInput identifies a conversation for opened/closed events.
type LifecycleInput struct {
	URL      string `json:"url"`
	Platform string `json:"platform,omitempty"`
}

// Opened marks a conversation as open.
func Opened(ctx context.Context, ctl Controller, in LifecycleInput) (coordinator.Ack, error) {
	if strings.TrimSpace(in.URL) == "" {
		return coordinator.Ack{}, errors.NewInvalidRequest("url is required")
	}
	return expect[coordinator.Ack](ctl.Request(ctx, bus.Message{
		Kind: bus.ConversationOpened, URL: in.URL, Platform: in.Platform,
	}))
}

// Closed marks a conversation as closed. While disabled its data is purged.
func Closed(ctx context.Context, ctl Controller, in LifecycleInput) (coordinator.Ack, error) {
	if strings.TrimSpace(in.URL) == "" {
		return coordinator.Ack{}, errors.NewInvalidRequest("url is required")
	}
	return expect[coordinator.Ack](ctl.Request(ctx, bus.Message{
		Kind: bus.ConversationClosed, URL: in.URL, Platform: in.Platform,
	}))
}

// SetIdentity stores the anonymous user id the ingestion service knows the user by.
func SetIdentity(ctx context.Context, ctl Controller, userID string) (state.Global, error) {
	if strings.TrimSpace(userID) == "" {
		return state.Global{}, errors.NewInvalidRequest("user id is required")
	}
	return expect[state.Global](ctl.Request(ctx, bus.Message{Kind: bus.SetIdentity, UserID: userID}))
}
