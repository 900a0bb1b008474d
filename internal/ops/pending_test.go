package ops

import (
	"context"
	"fmt"
	"testing"

	"github.com/hpungsan/chatsync/internal/cache"
)

func TestPending_Pagination(t *testing.T) {
	c := cache.New(openTestDB(t), nil)
	for i := 0; i < 5; i++ {
		seed(t, c, fmt.Sprintf("https://chatgpt.com/c/%d", i), "chatgpt", "msg")
	}

	out, err := Pending(context.Background(), c, PendingInput{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(out.Items))
	}
	if out.Items[0].Key != "https://chatgpt.com/c/3" {
		t.Errorf("Items[0].Key = %q, want newest-but-one", out.Items[0].Key)
	}
	if out.Items[0].MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", out.Items[0].MessageCount)
	}
	want := Pagination{Limit: 2, Offset: 1, HasMore: true, Total: 5}
	if out.Pagination != want {
		t.Errorf("Pagination = %+v, want %+v", out.Pagination, want)
	}

	out, err = Pending(context.Background(), c, PendingInput{Offset: 4})
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if out.Pagination.HasMore || out.Pagination.Limit != DefaultListLimit {
		t.Errorf("Pagination = %+v, want last page with default limit", out.Pagination)
	}
}

func TestPending_EmptyCache(t *testing.T) {
	c := cache.New(openTestDB(t), nil)
	out, err := Pending(context.Background(), c, PendingInput{})
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if out.Items == nil || len(out.Items) != 0 {
		t.Errorf("Items = %v, want empty non-nil slice", out.Items)
	}
}

func TestConversations_GroupsByKey(t *testing.T) {
	c := cache.New(openTestDB(t), nil)
	seed(t, c, "https://claude.ai/chat/a", "claude", "one", "two")
	seed(t, c, "https://chatgpt.com/c/b", "chatgpt", "x")
	seed(t, c, "https://claude.ai/chat/a", "claude", "three")

	convs, err := Conversations(context.Background(), c)
	if err != nil {
		t.Fatalf("Conversations failed: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("len = %d, want 2", len(convs))
	}
	var claude *Conversation
	for i := range convs {
		if convs[i].Key == "https://claude.ai/chat/a" {
			claude = &convs[i]
		}
	}
	if claude == nil {
		t.Fatal("claude conversation missing")
	}
	if claude.Batches != 2 || claude.Platform != "claude" {
		t.Errorf("conversation = %+v", claude)
	}
	if len(claude.Messages) != 3 || claude.Messages[2].Content != "three" {
		t.Errorf("Messages = %+v, want one, two, three", claude.Messages)
	}
	for i := 1; i < len(convs); i++ {
		if convs[i-1].LastUpdateAt < convs[i].LastUpdateAt {
			t.Errorf("conversations not sorted by LastUpdateAt desc")
		}
	}
}
