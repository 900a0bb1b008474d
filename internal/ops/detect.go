package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/ingest"
	"github.com/hpungsan/chatsync/internal/state"
)

// Classifier is the answer-seeking classifier.
type Classifier interface {
	Detect(ctx context.Context, userID string, req ingest.DetectRequest) (*ingest.Detection, error)
}

// DetectInput contains parameters for the Detect operation.
type DetectInput struct {
	Message  string
	Platform string
	URL      string
}

// Detect asks the classifier whether a message is seeking a direct answer.
// The anonymous header is used when no identity exists.
func Detect(ctx context.Context, cl Classifier, store *state.Store, input DetectInput) (*ingest.Detection, error) {
	if strings.TrimSpace(input.Message) == "" {
		return nil, errors.NewInvalidRequest("message is required")
	}
	var userID string
	if store != nil {
		g, err := store.Load(ctx)
		if err != nil {
			return nil, err
		}
		userID = g.UserID
	}

	req := ingest.DetectRequest{Message: input.Message, Platform: input.Platform}
	if input.URL != "" {
		req.Context = map[string]any{"url": input.URL}
	}
	return cl.Detect(ctx, userID, req)
}
