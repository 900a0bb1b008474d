package domdiff

import "github.com/hpungsan/chatsync/internal/chat"

// UpdateType tags DOM capture payloads.
const UpdateType = "conversation_update"

// Report is the payload of a DOM capture.
type Report struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Platform string `json:"platform"`
	Title    string `json:"title"`

	// Messages holds the newly seen messages, or every message on the first
	// snapshot of a view.
	Messages         []chat.Message `json:"messages"`
	FullConversation []chat.Message `json:"fullConversation"`
	IsIncremental    bool           `json:"isIncremental"`
}

// Differ tracks what one page view has already reported. It is not safe for
// concurrent use; the Watcher owns one per page.
type Differ struct {
	seen     map[string]struct{}
	lastHash string
	started  bool
}

// NewDiffer creates an empty Differ.
func NewDiffer() *Differ {
	return &Differ{seen: make(map[string]struct{})}
}

// Observe compares s against the previous snapshot. It returns false when
// the snapshot is unchanged, or changed without any unseen message after the
// first report.
func (d *Differ) Observe(s *Snapshot) (*Report, bool) {
	if s == nil || len(s.Messages) == 0 {
		return nil, false
	}
	if d.started && s.Hash == d.lastHash {
		return nil, false
	}

	var fresh []chat.Message
	for _, m := range s.Messages {
		if _, ok := d.seen[m.Fingerprint]; ok {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 && d.started {
		return nil, false
	}
	for _, m := range fresh {
		d.seen[m.Fingerprint] = struct{}{}
	}

	r := &Report{
		Type:             UpdateType,
		URL:              s.URL,
		Platform:         s.Platform,
		Title:            s.Title,
		Messages:         fresh,
		FullConversation: s.Messages,
		IsIncremental:    d.started && len(fresh) > 0,
	}
	if len(fresh) == 0 {
		r.Messages = s.Messages
	}
	d.started = true
	d.lastHash = s.Hash
	return r, true
}

// Reset forgets every seen message. Called on navigation to a new view.
func (d *Differ) Reset() {
	clear(d.seen)
	d.lastHash = ""
	d.started = false
}
