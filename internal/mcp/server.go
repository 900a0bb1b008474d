package mcp

import (
	"context"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/chatsync/internal/config"
)

// KnownTypes lists the tool groups that disabled_types may name.
var KnownTypes = []string{"sync", "pending", "cache", "account", "chat", "page"}

type handlerMethod func(*Handlers, context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// catalog is every tool the server can expose, in listing order. A tool's
// group is the part of its name before the first underscore.
var catalog = []struct {
	def    mcp.Tool
	handle handlerMethod
}{
	{statusToolDef, (*Handlers).HandleStatus},
	{toggleToolDef, (*Handlers).HandleToggle},
	{syncToolDef, (*Handlers).HandleSync},
	{pendingToolDef, (*Handlers).HandlePending},
	{conversationsToolDef, (*Handlers).HandleConversations},
	{exportToolDef, (*Handlers).HandleExport},
	{forgetToolDef, (*Handlers).HandleForget},
	{myChatsToolDef, (*Handlers).HandleMyChats},
	{eraseToolDef, (*Handlers).HandleErase},
	{detectToolDef, (*Handlers).HandleDetect},
	{snapshotToolDef, (*Handlers).HandleSnapshot},
}

// AllToolNames returns the name of every tool in the catalog.
func AllToolNames() []string {
	names := make([]string, len(catalog))
	for i, t := range catalog {
		names[i] = t.def.Name
	}
	return names
}

// ValidateDisabledTools returns the entries of names that are not tools.
func ValidateDisabledTools(names []string) []string {
	return unknownOf(names, AllToolNames())
}

// ValidateDisabledTypes returns the entries of names that are not tool groups.
func ValidateDisabledTypes(names []string) []string {
	return unknownOf(names, KnownTypes)
}

func unknownOf(names, known []string) []string {
	unknown := []string{}
	for _, name := range names {
		if !slices.Contains(known, name) {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// GetTypeForTool returns the group of a tool, "sync" for "sync_status".
func GetTypeForTool(toolName string) string {
	typ, _, ok := strings.Cut(toolName, "_")
	if !ok {
		return ""
	}
	return typ
}

// ExpandTypesToTools returns the tools that belong to any of types.
func ExpandTypesToTools(types []string) []string {
	if len(types) == 0 {
		return nil
	}
	var tools []string
	for _, name := range AllToolNames() {
		if slices.Contains(types, GetTypeForTool(name)) {
			tools = append(tools, name)
		}
	}
	return tools
}

// NewServer builds the MCP server. Tools named in cfg.DisabledTools or
// grouped under cfg.DisabledTypes are left out.
func NewServer(deps Deps, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer("chatsync", version, server.WithToolCapabilities(true))
	h := NewHandlers(deps, cfg)

	disabled := append(ExpandTypesToTools(cfg.DisabledTypes), cfg.DisabledTools...)
	for _, t := range catalog {
		if slices.Contains(disabled, t.def.Name) {
			continue
		}
		handle := t.handle
		s.AddTool(t.def, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handle(h, ctx, req)
		})
	}
	return s
}

// Run serves the tools over stdio until stdin closes.
func Run(deps Deps, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(deps, cfg, version))
}
