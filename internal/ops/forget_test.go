package ops

import (
	"context"
	"testing"

	"github.com/hpungsan/chatsync/internal/cache"
	"github.com/hpungsan/chatsync/internal/errors"
)

func TestForget_ByURL(t *testing.T) {
	c := cache.New(openTestDB(t), nil)
	seed(t, c, "https://chatgpt.com/c/1", "chatgpt", "a")
	seed(t, c, "https://chatgpt.com/c/1", "chatgpt", "b")
	seed(t, c, "https://chatgpt.com/c/2", "chatgpt", "c")

	// Any URL of the conversation resolves to its key.
	out, err := Forget(context.Background(), c, testResolver(t), ForgetInput{URL: "https://chatgpt.com/c/1?model=4o#end"})
	if err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if out.Key != "https://chatgpt.com/c/1" || out.Removed != 2 {
		t.Errorf("Forget = %+v, want 2 removed for c/1", out)
	}
	if out.Message != "Forgot 2 cached batches for https://chatgpt.com/c/1" {
		t.Errorf("Message = %q", out.Message)
	}

	n, _ := c.PendingCount(context.Background())
	if n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}
}

func TestForget_All(t *testing.T) {
	c := cache.New(openTestDB(t), nil)
	seed(t, c, "https://chatgpt.com/c/1", "chatgpt", "a")
	seed(t, c, "https://claude.ai/chat/2", "claude", "b")

	out, err := Forget(context.Background(), c, testResolver(t), ForgetInput{All: true})
	if err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if out.Removed != 2 || out.Key != "" {
		t.Errorf("Forget = %+v, want 2 removed", out)
	}

	out, err = Forget(context.Background(), c, testResolver(t), ForgetInput{All: true})
	if err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if out.Message != "Nothing cached to forget" {
		t.Errorf("Message = %q", out.Message)
	}
}

func TestForget_RequiresExactlyOneSelector(t *testing.T) {
	c := cache.New(openTestDB(t), nil)
	for _, in := range []ForgetInput{{}, {URL: " "}, {URL: "https://chatgpt.com/c/1", All: true}} {
		if _, err := Forget(context.Background(), c, testResolver(t), in); !errors.Is(err, errors.ErrInvalidRequest) {
			t.Errorf("Forget(%+v) = %v, want ErrInvalidRequest", in, err)
		}
	}
}

func TestFormatForgetMessage(t *testing.T) {
	if got := formatForgetMessage(1, ""); got != "Forgot 1 cached batch" {
		t.Errorf("formatForgetMessage(1) = %q", got)
	}
}
