package mcp

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Names follow "type_action" so whole groups can be
// disabled with DisabledTypes.

var statusToolDef = mcp.NewTool("sync_status",
	mcp.WithDescription("Report whether capture is enabled, the current identity, and how many batches wait for upload."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var toggleToolDef = mcp.NewTool("sync_toggle",
	mcp.WithDescription("Enable or disable conversation capture. Disabling flushes every cached conversation first."),
	mcp.WithBoolean("enabled",
		mcp.Required(),
		mcp.Description("true to capture conversations, false to stop"),
	),
)

var syncToolDef = mcp.NewTool("sync_now",
	mcp.WithDescription("Upload every cached conversation immediately. Requires capture to be enabled and an identity."),
)

var pendingToolDef = mcp.NewTool("pending_list",
	mcp.WithDescription("List cached batches waiting for upload, newest first. Raw payloads are not included."),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Number of items to skip")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var conversationsToolDef = mcp.NewTool("pending_conversations",
	mcp.WithDescription("Group cached batches by conversation and return the messages observed so far."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var exportToolDef = mcp.NewTool("pending_export",
	mcp.WithDescription("Write cached batches to a JSONL file. Defaults to ~/.chatsync/exports/<platform>-<timestamp>.jsonl."),
	mcp.WithString("path", mcp.Description("Destination .jsonl path inside an allowed directory")),
	mcp.WithString("platform", mcp.Description("Only export batches from this platform")),
)

var forgetToolDef = mcp.NewTool("cache_forget",
	mcp.WithDescription("Drop cached batches without uploading them. Pass exactly one of url or all."),
	mcp.WithString("url", mcp.Description("Conversation URL or key")),
	mcp.WithBoolean("all", mcp.Description("Drop every cached conversation")),
	mcp.WithDestructiveHintAnnotation(true),
)

var myChatsToolDef = mcp.NewTool("account_list",
	mcp.WithDescription("List what the ingestion service holds for the current identity."),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Number of items to skip")),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithOpenWorldHintAnnotation(true),
)

var eraseToolDef = mcp.NewTool("account_erase",
	mcp.WithDescription("Delete everything the ingestion service holds for the current identity. The local cache is not touched."),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithOpenWorldHintAnnotation(true),
)

var detectToolDef = mcp.NewTool("chat_detect",
	mcp.WithDescription("Ask the classifier whether a message seeks a direct answer."),
	mcp.WithString("message", mcp.Required(), mcp.Description("Message text to classify")),
	mcp.WithString("platform", mcp.Description("Platform id the message was typed on")),
	mcp.WithString("url", mcp.Description("Page URL, passed as context")),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithOpenWorldHintAnnotation(true),
)

var snapshotToolDef = mcp.NewTool("page_snapshot",
	mcp.WithDescription("Extract the conversation from a saved chat page. With send=true the result is captured like a live DOM update."),
	mcp.WithString("path", mcp.Required(), mcp.Description("Saved .html page inside an allowed directory")),
	mcp.WithString("url", mcp.Description("Page URL, used for platform detection and the conversation key")),
	mcp.WithString("platform", mcp.Description("Platform id, overrides detection")),
	mcp.WithBoolean("send", mcp.Description("Hand the messages to the running service")),
)
