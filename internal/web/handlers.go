package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hpungsan/chatsync/internal/bus"
	"github.com/hpungsan/chatsync/internal/cache"
	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/ops"
)

// Handlers contains HTTP route handlers for the control API.
type Handlers struct {
	ctl      ops.Controller
	cache    *cache.Cache
	logger   *zap.Logger
	renderer *Renderer
}

// Command is the body of POST /commands. Which fields are read depends on Type.
type Command struct {
	Type     bus.Kind      `json:"type"`
	Enabled  *bool         `json:"enabled,omitempty"`  // TOGGLE_ENABLED
	URL      string        `json:"url,omitempty"`      // CONVERSATION_OPENED, CONVERSATION_CLOSED
	Platform string        `json:"platform,omitempty"` // CONVERSATION_OPENED, CONVERSATION_CLOSED
	UserID   string        `json:"userId,omitempty"`   // SET_IDENTITY
	Data     *chat.Capture `json:"data,omitempty"`     // CHAT_DATA
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(c echo.Context) error {
	st, err := ops.Status(c.Request().Context(), h.ctl)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// HandleCommand handles POST /commands and replies with the coordinator's answer.
func (h *Handlers) HandleCommand(c echo.Context) error {
	var cmd Command
	if err := json.NewDecoder(c.Request().Body).Decode(&cmd); err != nil {
		return errors.NewInvalidRequest("invalid command body")
	}
	ctx := c.Request().Context()

	var (
		reply any
		err   error
	)
	switch cmd.Type {
	case bus.ToggleEnabled:
		if cmd.Enabled == nil {
			return errors.NewInvalidRequest("enabled is required")
		}
		reply, err = ops.Toggle(ctx, h.ctl, *cmd.Enabled)
	case bus.SyncNow:
		reply, err = ops.Sync(ctx, h.ctl)
	case bus.ChatData:
		reply, err = ops.Capture(ctx, h.ctl, cmd.Data)
	case bus.ConversationOpened:
		reply, err = ops.Opened(ctx, h.ctl, ops.LifecycleInput{URL: cmd.URL, Platform: cmd.Platform})
	case bus.ConversationClosed:
		reply, err = ops.Closed(ctx, h.ctl, ops.LifecycleInput{URL: cmd.URL, Platform: cmd.Platform})
	case bus.SetIdentity:
		reply, err = ops.SetIdentity(ctx, h.ctl, cmd.UserID)
	case bus.GetStatus:
		reply, err = ops.Status(ctx, h.ctl)
	case "":
		return errors.NewInvalidRequest("command type is required")
	default:
		return errors.NewInvalidRequest("unknown command type: " + string(cmd.Type))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reply)
}

// HandlePending handles GET /pending: cached batches without their raw data.
func (h *Handlers) HandlePending(c echo.Context) error {
	out, err := ops.Pending(c.Request().Context(), h.cache, ops.PendingInput{
		Limit:  parseIntParam(c, "limit", ops.DefaultListLimit),
		Offset: parseIntParam(c, "offset", 0),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// HandlePendingView handles GET /pending/view: cached conversations as HTML.
func (h *Handlers) HandlePendingView(c echo.Context) error {
	ctx := c.Request().Context()
	convs, err := ops.Conversations(ctx, h.cache)
	if err != nil {
		return err
	}

	data := PendingPageData{
		PageData: PageData{
			Title:   "Pending",
			Version: h.renderer.version,
		},
		Conversations: make([]ConversationView, 0, len(convs)),
	}
	// The page still renders when the coordinator is unreachable.
	if st, err := ops.Status(ctx, h.ctl); err == nil {
		data.Status = &st
	} else {
		h.logger.Warn("status unavailable for pending view", zap.Error(err))
	}
	for _, conv := range convs {
		data.Conversations = append(data.Conversations, newConversationView(conv))
	}
	return h.renderer.renderPage(c, "pending", data)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(c echo.Context, name string, defaultVal int) int {
	s := c.QueryParam(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
