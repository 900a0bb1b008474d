package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/chatsync/internal/cache"
	"github.com/hpungsan/chatsync/internal/config"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/identity"
	"github.com/hpungsan/chatsync/internal/ops"
	"github.com/hpungsan/chatsync/internal/profile"
	"github.com/hpungsan/chatsync/internal/state"
)

// Deps are the services the tools operate on.
// Controller reaches the running coordinator; the rest are opened locally.
type Deps struct {
	Controller ops.Controller
	Cache      *cache.Cache
	State      *state.Store
	Keys       *identity.Resolver
	Account    ops.Account
	Classifier ops.Classifier
	Profiles   *profile.Registry
}

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	deps Deps
	cfg  *config.Config
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, cfg *config.Config) *Handlers {
	return &Handlers{deps: deps, cfg: cfg}
}

// Request types for each tool

// ToggleRequest represents the arguments for sync_toggle.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// PageRequest represents the arguments for paginated tools.
type PageRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// ExportRequest represents the arguments for pending_export.
type ExportRequest struct {
	Path     string `json:"path,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ForgetRequest represents the arguments for cache_forget.
type ForgetRequest struct {
	URL string `json:"url,omitempty"`
	All bool   `json:"all,omitempty"`
}

// DetectRequest represents the arguments for chat_detect.
type DetectRequest struct {
	Message  string `json:"message"`
	Platform string `json:"platform,omitempty"`
	URL      string `json:"url,omitempty"`
}

// HandleStatus handles the sync_status tool call.
func (h *Handlers) HandleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.Status(ctx, h.deps.Controller)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleToggle handles the sync_toggle tool call.
func (h *Handlers) HandleToggle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[ToggleRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	if input.Enabled == nil {
		return errorResult(errors.NewInvalidRequest("enabled is required")), nil
	}

	result, err := ops.Toggle(ctx, h.deps.Controller, *input.Enabled)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSync handles the sync_now tool call.
func (h *Handlers) HandleSync(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.Sync(ctx, h.deps.Controller)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandlePending handles the pending_list tool call.
func (h *Handlers) HandlePending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[PageRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Pending(ctx, h.deps.Cache, ops.PendingInput{
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleConversations handles the pending_conversations tool call.
func (h *Handlers) HandleConversations(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	convs, err := ops.Conversations(ctx, h.deps.Cache)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"conversations": convs})
}

// HandleExport handles the pending_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[ExportRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Export(ctx, h.deps.Cache, h.cfg, ops.ExportInput{
		Path:     input.Path,
		Platform: input.Platform,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleForget handles the cache_forget tool call.
func (h *Handlers) HandleForget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[ForgetRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Forget(ctx, h.deps.Cache, h.deps.Keys, ops.ForgetInput{
		URL: input.URL,
		All: input.All,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleMyChats handles the account_list tool call.
func (h *Handlers) HandleMyChats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[PageRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.MyChats(ctx, h.deps.Account, h.deps.State, ops.MyChatsInput{
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleErase handles the account_erase tool call.
func (h *Handlers) HandleErase(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.EraseAccount(ctx, h.deps.Account, h.deps.State)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleDetect handles the chat_detect tool call.
func (h *Handlers) HandleDetect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[DetectRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Detect(ctx, h.deps.Classifier, h.deps.State, ops.DetectInput{
		Message:  input.Message,
		Platform: input.Platform,
		URL:      input.URL,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSnapshot handles the page_snapshot tool call.
func (h *Handlers) HandleSnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := bind[ops.SnapshotInput](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Snapshot(ctx, h.deps.Controller, h.deps.Profiles, h.cfg, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Note: Internal error details are not exposed to prevent leaking sensitive info.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var syncErr *errors.SyncError
	if stderrors.As(err, &syncErr) {
		errorObj := map[string]any{
			"code":    syncErr.Code,
			"message": syncErr.Message,
			"status":  syncErr.Status,
		}
		// Keep wrapper context such as "items[2]: ..." in the message.
		if err != error(syncErr) && syncErr.Code != errors.ErrInternal {
			errorObj["message"] = err.Error()
		}
		// Only include details for non-internal errors to avoid leaking
		// sensitive info like file paths or SQL errors
		if syncErr.Code != errors.ErrInternal && syncErr.Details != nil {
			errorObj["details"] = syncErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
