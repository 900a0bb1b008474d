package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/config"
	"github.com/hpungsan/chatsync/internal/domdiff"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/profile"
)

// MaxSnapshotBytes caps the size of a saved page read by Snapshot.
const MaxSnapshotBytes = 32 << 20

// SnapshotInput contains parameters for the Snapshot operation.
type SnapshotInput struct {
	Path     string `json:"path"`               // saved .html page
	URL      string `json:"url,omitempty"`      // page URL, used for platform detection and the key
	Platform string `json:"platform,omitempty"` // overrides detection
	Send     bool   `json:"send,omitempty"`     // hand the result to the coordinator as a DOM capture
}

// SnapshotOutput contains the messages extracted from a saved page.
type SnapshotOutput struct {
	Platform string         `json:"platform"`
	Title    string         `json:"title"`
	URL      string         `json:"url,omitempty"`
	Hash     string         `json:"hash"`
	Messages []chat.Message `json:"messages"`
	Key      string         `json:"key,omitempty"` // set when Send is true
}

// Snapshot extracts a conversation from a saved chat page. With Send set
// and a controller given, the snapshot is cached like a live DOM capture.
func Snapshot(ctx context.Context, ctl Controller, reg *profile.Registry, cfg *config.Config, in SnapshotInput) (*SnapshotOutput, error) {
	page, err := ResolvePath(in.Path, SavedPage, cfg)
	if err != nil {
		return nil, err
	}

	p, err := snapshotProfile(reg, in)
	if err != nil {
		return nil, err
	}

	file, err := openNoFollow(page)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	doc, err := domdiff.Parse(io.LimitReader(file, MaxSnapshotBytes))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	snap, ok := domdiff.Take(doc, p, in.URL, now)
	if !ok {
		return nil, errors.NewSelectorMiss(p.ID, "message_container")
	}

	out := &SnapshotOutput{
		Platform: snap.Platform,
		Title:    snap.Title,
		URL:      snap.URL,
		Hash:     snap.Hash,
		Messages: snap.Messages,
	}
	if !in.Send {
		return out, nil
	}
	if ctl == nil {
		return nil, errors.NewInvalidRequest("send requires a running chatsync service")
	}
	if in.URL == "" {
		return nil, errors.NewInvalidRequest("url is required to send a snapshot")
	}

	payload, err := json.Marshal(domdiff.Report{
		Type:             domdiff.UpdateType,
		URL:              snap.URL,
		Platform:         snap.Platform,
		Title:            snap.Title,
		Messages:         snap.Messages,
		FullConversation: snap.Messages,
	})
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	ack, err := Capture(ctx, ctl, &chat.Capture{
		URL:        snap.URL,
		PageURL:    snap.URL,
		CapturedAt: now,
		Platform:   snap.Platform,
		Source:     chat.SourceDOM,
		Payload:    payload,
		Messages:   snap.Messages,
	})
	if err != nil {
		return nil, err
	}
	out.Key = ack.Key
	return out, nil
}

func snapshotProfile(reg *profile.Registry, in SnapshotInput) (*profile.Profile, error) {
	if reg == nil {
		return nil, errors.NewInternal(fmt.Errorf("profile registry is required"))
	}
	if id := strings.TrimSpace(in.Platform); id != "" {
		p := reg.Get(id)
		if p == nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("unknown platform %q", id))
		}
		return p, nil
	}
	if in.URL == "" {
		return nil, errors.NewInvalidRequest("url or platform is required")
	}
	p := reg.Detect(in.URL)
	if p == nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("no platform profile matches %s", in.URL))
	}
	return p, nil
}
