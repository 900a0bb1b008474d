package ops

import (
	"context"

	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/ingest"
	"github.com/hpungsan/chatsync/internal/state"
)

// Account is the part of the ingestion client used for account operations.
type Account interface {
	MyChats(ctx context.Context, userID string, limit, offset int) (*ingest.MyChatsPage, error)
	EraseMyChats(ctx context.Context, userID string) (*ingest.EraseResult, error)
}

// MyChatsInput contains parameters for the MyChats operation.
type MyChatsInput struct {
	Limit  int
	Offset int
}

// MyChatsOutput is one page of what the ingestion service holds for the user.
type MyChatsOutput struct {
	Logs       []ingest.UploadedLog `json:"logs"`
	Pagination Pagination           `json:"pagination"`
}

// MyChats lists the user's uploads held by the ingestion service.
func MyChats(ctx context.Context, acct Account, store *state.Store, input MyChatsInput) (*MyChatsOutput, error) {
	userID, err := requireIdentity(ctx, store)
	if err != nil {
		return nil, err
	}
	limit, offset := clampLimit(input.Limit, input.Offset, DefaultMyChats, MaxMyChats)

	page, err := acct.MyChats(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	logs := page.Logs
	if logs == nil {
		logs = []ingest.UploadedLog{}
	}
	return &MyChatsOutput{
		Logs: logs,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(logs) < page.Total,
			Total:   page.Total,
		},
	}, nil
}

// EraseAccountOutput contains the result of the EraseAccount operation.
type EraseAccountOutput struct {
	Deleted int `json:"deleted"`
}

// EraseAccount deletes everything the ingestion service holds for the user.
func EraseAccount(ctx context.Context, acct Account, store *state.Store) (*EraseAccountOutput, error) {
	userID, err := requireIdentity(ctx, store)
	if err != nil {
		return nil, err
	}
	res, err := acct.EraseMyChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &EraseAccountOutput{Deleted: res.Deleted}, nil
}

func requireIdentity(ctx context.Context, store *state.Store) (string, error) {
	g, err := store.Load(ctx)
	if err != nil {
		return "", err
	}
	if !g.HasIdentity() {
		return "", errors.NewInvalidRequest("no user identity; set one with `chatsync identity set`")
	}
	return g.UserID, nil
}
