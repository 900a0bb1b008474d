package web

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/coordinator"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/ops"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
}

// PendingPageData is the template data for the pending inspector.
type PendingPageData struct {
	PageData
	Status        *coordinator.Status
	Conversations []ConversationView
}

// ConversationView is one cached conversation prepared for display.
type ConversationView struct {
	ops.Conversation
	Rendered []MessageView
}

// MessageView is one message with its content rendered from markdown.
type MessageView struct {
	Role       chat.Role
	HTML       template.HTML
	ObservedAt time.Time
	Chars      int
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail mirrors errors.SyncError on the wire.
type ErrorDetail struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Status  int              `json:"status"`
	Details map[string]any   `json:"details,omitempty"`
}

func newConversationView(conv ops.Conversation) ConversationView {
	v := ConversationView{Conversation: conv, Rendered: make([]MessageView, 0, len(conv.Messages))}
	for _, m := range conv.Messages {
		v.Rendered = append(v.Rendered, MessageView{
			Role:       m.Role,
			HTML:       renderMarkdown(m.Content),
			ObservedAt: m.ObservedAt,
			Chars:      chat.CountChars(m.Content),
		})
	}
	return v
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
	logger    *zap.Logger
}

// NewRenderer creates a Renderer by parsing templates from the given FS.
func NewRenderer(templateFS fs.FS, version string) *Renderer {
	funcMap := template.FuncMap{
		"formatTime":   formatTime,
		"formatMillis": formatMillis,
		"formatChars":  formatChars,
	}

	// Parse layout as the base template
	layoutTmpl := template.Must(template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html"))

	pages := map[string]string{
		"pending": "pending.html",
		"error":   "error.html",
	}

	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t := template.Must(layoutTmpl.Clone())
		template.Must(t.ParseFS(templateFS, file))
		templates[name] = t
	}

	return &Renderer{
		templates: templates,
		version:   version,
		logger:    zap.NewNop(),
	}
}

// renderPage renders a named page template with the given data and HTTP 200 status.
func (r *Renderer) renderPage(c echo.Context, name string, data any) error {
	return r.renderPageStatus(c, http.StatusOK, name, data)
}

// renderPageStatus renders a named page template with the given data and HTTP status code.
func (r *Renderer) renderPageStatus(c echo.Context, status int, name string, data any) error {
	t, ok := r.templates[name]
	if !ok {
		return errors.NewInternal(fmt.Errorf("template %q not found", name))
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return errors.NewInternal(fmt.Errorf("template execution error: %w", err))
	}
	return c.HTMLBlob(status, buf.Bytes())
}

// httpError is the echo error handler. Errors are rendered with content
// negotiation: HTML for the inspector page, JSON everywhere else.
func (r *Renderer) httpError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	sErr := toSyncError(err)

	req := c.Request()
	if strings.HasPrefix(req.URL.Path, "/pending/view") && !strings.Contains(req.Header.Get("Accept"), "application/json") {
		perr := r.renderPageStatus(c, sErr.Status, "error", ErrorPageData{
			PageData: PageData{
				Title:   fmt.Sprintf("Error %d", sErr.Status),
				Version: r.version,
			},
			StatusCode: sErr.Status,
			Message:    sErr.Message,
		})
		if perr == nil {
			return
		}
		r.logger.Error("render error page", zap.Error(perr))
	}

	if req.Method == http.MethodHead {
		_ = c.NoContent(sErr.Status)
		return
	}
	_ = c.JSON(sErr.Status, ErrorBody{Error: ErrorDetail{
		Code:    sErr.Code,
		Message: sErr.Message,
		Status:  sErr.Status,
		Details: sErr.Details,
	}})
}

// toSyncError maps handler and framework errors onto SyncError.
func toSyncError(err error) *errors.SyncError {
	var sErr *errors.SyncError
	if stderrors.As(err, &sErr) {
		return sErr
	}
	var he *echo.HTTPError
	if stderrors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		code := errors.ErrInternal
		switch {
		case he.Code == http.StatusNotFound:
			code = errors.ErrNotFound
		case he.Code >= 400 && he.Code < 500:
			code = errors.ErrInvalidRequest
		}
		return &errors.SyncError{Code: code, Status: he.Code, Message: msg}
	}
	return errors.NewInternal(err)
}

// renderMarkdown converts markdown text to HTML using goldmark.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

// formatTime formats a time as "2006-01-02 15:04" UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04")
}

// formatMillis formats a Unix millisecond timestamp as "2006-01-02 15:04" UTC.
func formatMillis(ms int64) string {
	return formatTime(time.UnixMilli(ms))
}

// formatChars formats an integer with comma thousands separators.
func formatChars(n int) string {
	if n < 0 {
		return "-" + formatChars(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}
