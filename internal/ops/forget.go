package ops

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpungsan/chatsync/internal/cache"
	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/identity"
)

// ForgetInput selects what to drop from the local cache.
type ForgetInput struct {
	URL string // conversation URL or key
	All bool
}

// ForgetOutput contains the result of the Forget operation.
type ForgetOutput struct {
	Key     string `json:"key,omitempty"`
	Removed int64  `json:"removed"`
	Message string `json:"message"`
}

// Forget drops cached batches locally without contacting the ingestion service.
func Forget(ctx context.Context, c *cache.Cache, keys *identity.Resolver, input ForgetInput) (*ForgetOutput, error) {
	url := strings.TrimSpace(input.URL)
	if input.All == (url != "") {
		return nil, errors.NewInvalidRequest("specify exactly one of url or all")
	}

	if input.All {
		n, err := c.ClearAll(ctx)
		if err != nil {
			return nil, err
		}
		return &ForgetOutput{Removed: n, Message: formatForgetMessage(n, "")}, nil
	}

	key := keys.Resolve(url)
	n, err := c.Clear(ctx, key)
	if err != nil {
		return nil, err
	}
	return &ForgetOutput{Key: key, Removed: n, Message: formatForgetMessage(n, key)}, nil
}

func formatForgetMessage(n int64, key string) string {
	if n == 0 {
		return "Nothing cached to forget"
	}
	word := "batch"
	if n > 1 {
		word = "batches"
	}
	msg := fmt.Sprintf("Forgot %d cached %s", n, word)
	if key != "" {
		msg += fmt.Sprintf(" for %s", key)
	}
	return msg
}
