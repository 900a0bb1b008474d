// Package domdiff extracts messages from rendered chat pages and reports what
// changed between snapshots.
package domdiff

import (
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/profile"
)

// stripped elements never contribute message text.
const stripped = `button, [aria-hidden="true"]`

// Snapshot is the ordered message list extracted from one page state.
type Snapshot struct {
	URL      string
	Platform string
	Title    string
	Messages []chat.Message
	Hash     string
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*goquery.Document, error) {
	node, err := html.Parse(r)
	if err != nil {
		return nil, errors.NewParseFailure("page html", err)
	}
	return goquery.NewDocumentFromNode(node), nil
}

// Extract returns the messages in doc, in document order. Containers are
// located with the first matching container selector, roles are decided by
// the profile's role strategy, and containers with no text are skipped.
func Extract(doc *goquery.Document, p *profile.Profile, at time.Time) []chat.Message {
	containers := profile.All(doc.Selection, p.Selectors.MessageContainer)
	if containers == nil {
		return nil
	}
	resolver := p.Resolver()

	var out []chat.Message
	containers.Each(func(_ int, container *goquery.Selection) {
		role, content, ok := resolver.Resolve(container, p.Selectors)
		if !ok {
			return
		}
		if content == nil {
			content = container
		}
		text := Text(content)
		if text == "" {
			return
		}
		out = append(out, chat.NewMessage(role, text, at))
	})
	return out
}

// Text returns the cleaned text of sel with buttons and aria-hidden
// decorations removed. sel itself is not modified.
func Text(sel *goquery.Selection) string {
	clone := sel.Clone()
	clone.Find(stripped).Remove()
	return chat.CleanText(clone.Text())
}

// Take extracts a snapshot of doc. It returns false when the page holds no
// messages.
func Take(doc *goquery.Document, p *profile.Profile, pageURL string, at time.Time) (*Snapshot, bool) {
	messages := Extract(doc, p, at)
	if len(messages) == 0 {
		return nil, false
	}
	return &Snapshot{
		URL:      pageURL,
		Platform: p.ID,
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		Messages: messages,
		Hash:     chat.SnapshotHash(messages),
	}, true
}

// VisibleTextLength approximates the rendered body text length, which grows
// while a response is still streaming in.
func VisibleTextLength(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return chat.CountChars(strings.Join(strings.Fields(body.Text()), " "))
}
