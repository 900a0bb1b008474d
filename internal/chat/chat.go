// Package chat defines the captured conversation data shared by both capture
// channels, the cache and the upload client.
package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hpungsan/chatsync/internal/errors"
)

// Role is the author of a captured message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source is the capture channel a capture came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceDOM     Source = "dom"
)

// Message is one normalized message observed in a conversation.
// Fingerprint is a hash of Content, so identical texts collapse.
type Message struct {
	Fingerprint string    `json:"fingerprint"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	ObservedAt  time.Time `json:"observedAt"`
}

// NewMessage builds a Message, computing its fingerprint.
func NewMessage(role Role, content string, observedAt time.Time) Message {
	return Message{
		Fingerprint: Fingerprint(content),
		Role:        role,
		Content:     content,
		ObservedAt:  observedAt,
	}
}

// Capture is one raw observation from a capture channel. It is transient:
// the coordinator turns it into a Batch as soon as it arrives.
type Capture struct {
	// URL is the request URL for network captures and the page URL for DOM captures.
	URL string `json:"url"`

	// PageURL is the URL of the page that issued the request, when known.
	PageURL string `json:"pageUrl,omitempty"`

	Method     string          `json:"method"`
	CapturedAt time.Time       `json:"capturedAt"`
	Platform   string          `json:"platform"`
	Source     Source          `json:"source"`
	Payload    json.RawMessage `json:"data"`

	// Messages holds the normalized messages for DOM captures.
	Messages []Message `json:"messages,omitempty"`
}

// ConversationURL returns the URL the conversation key is derived from.
func (c *Capture) ConversationURL() string {
	if c.PageURL != "" {
		return c.PageURL
	}
	return c.URL
}

// Validate checks the fields every capture must carry.
func (c *Capture) Validate() error {
	if strings.TrimSpace(c.ConversationURL()) == "" {
		return errors.NewInvalidRequest("capture url is required")
	}
	if c.Platform == "" {
		return errors.NewInvalidRequest("capture platform is required")
	}
	switch c.Source {
	case SourceNetwork, SourceDOM:
	default:
		return errors.NewInvalidRequest("capture source must be network or dom")
	}
	if len(c.Payload) == 0 || !json.Valid(c.Payload) {
		return errors.NewInvalidRequest("capture data must be a JSON document")
	}
	return nil
}

// Batch is a cached capture: the unit appended to, uploaded from and removed
// from a conversation's cache entry.
type Batch struct {
	// ID is a ULID; the ingestion service treats repeated ids as no-ops.
	ID string `json:"id"`

	Key        string          `json:"key"`
	Platform   string          `json:"platform"`
	URL        string          `json:"url"`
	PageURL    string          `json:"pageUrl,omitempty"`
	Method     string          `json:"method"`
	Source     Source          `json:"source"`
	CapturedAt int64           `json:"capturedAt"` // unix millis
	Data       json.RawMessage `json:"data"`
	Messages   []Message       `json:"messages,omitempty"`
}

// NewBatch converts a capture into a batch for key.
func NewBatch(key string, c *Capture) *Batch {
	method := c.Method
	if method == "" {
		method = "GET"
	}
	at := c.CapturedAt
	if at.IsZero() {
		at = time.Now()
	}
	return &Batch{
		ID:         NewID(at),
		Key:        key,
		Platform:   c.Platform,
		URL:        c.URL,
		PageURL:    c.PageURL,
		Method:     method,
		Source:     c.Source,
		CapturedAt: at.UnixMilli(),
		Data:       c.Payload,
		Messages:   c.Messages,
	}
}

// ConversationURL is the page the batch was captured on. For network
// batches URL is the request URL, so the page URL takes precedence.
func (b *Batch) ConversationURL() string {
	if b.PageURL != "" {
		return b.PageURL
	}
	return b.URL
}

// Entry is the cached state of one conversation.
type Entry struct {
	Key          string   `json:"key"`
	Batches      []*Batch `json:"batches"`
	LastUpdateAt int64    `json:"lastUpdateAt"` // unix millis
}

// Messages flattens the entry's messages in capture order.
func (e *Entry) Messages() []Message {
	var out []Message
	for _, b := range e.Batches {
		out = append(out, b.Messages...)
	}
	return out
}

// BatchIDs returns the ids of the entry's batches in capture order.
func (e *Entry) BatchIDs() []string {
	ids := make([]string, 0, len(e.Batches))
	for _, b := range e.Batches {
		ids = append(ids, b.ID)
	}
	return ids
}

// Empty reports whether the entry holds no batches.
func (e *Entry) Empty() bool {
	return e == nil || len(e.Batches) == 0
}
