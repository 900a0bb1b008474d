package ops

import (
	"context"
	"sort"

	"github.com/hpungsan/chatsync/internal/cache"
	"github.com/hpungsan/chatsync/internal/chat"
)

// PendingInput contains parameters for the Pending operation.
type PendingInput struct {
	Limit  int
	Offset int
}

// PendingOutput lists cached batches newest first.
type PendingOutput struct {
	Items      []chat.BatchSummary `json:"items"`
	Pagination Pagination          `json:"pagination"`
}

// Pending lists batches waiting for upload, without their raw data.
func Pending(ctx context.Context, c *cache.Cache, input PendingInput) (*PendingOutput, error) {
	limit, offset := clampLimit(input.Limit, input.Offset, DefaultListLimit, MaxListLimit)

	items, total, err := c.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []chat.BatchSummary{}
	}

	return &PendingOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(items) < total,
			Total:   total,
		},
	}, nil
}

// Conversation is one cached conversation with its flattened messages.
type Conversation struct {
	Key          string         `json:"key"`
	Platform     string         `json:"platform"`
	Batches      int            `json:"batches"`
	LastUpdateAt int64          `json:"lastUpdateAt"`
	Messages     []chat.Message `json:"messages"`
}

// Conversations returns every cached conversation, most recently updated first.
func Conversations(ctx context.Context, c *cache.Cache) ([]Conversation, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(snap))
	for key, e := range snap {
		conv := Conversation{
			Key:          key,
			Batches:      len(e.Batches),
			LastUpdateAt: e.LastUpdateAt,
			Messages:     e.Messages(),
		}
		if len(e.Batches) > 0 {
			conv.Platform = e.Batches[0].Platform
		}
		if conv.Messages == nil {
			conv.Messages = []chat.Message{}
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdateAt != out[j].LastUpdateAt {
			return out[i].LastUpdateAt > out[j].LastUpdateAt
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}
