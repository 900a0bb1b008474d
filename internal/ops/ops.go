// Package ops implements the chatsync operations shared by the CLI, the
// control API and the MCP server.
package ops

import (
	"context"
	"fmt"

	"github.com/hpungsan/chatsync/internal/bus"
	"github.com/hpungsan/chatsync/internal/errors"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	DefaultMyChats   = 100
	MaxMyChats       = 500
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// Controller delivers a message to the running coordinator and returns its reply.
// *bus.Bus satisfies it in-process; the control API client satisfies it remotely.
type Controller interface {
	Request(ctx context.Context, m bus.Message) (any, error)
}

// clampLimit applies the default and maximum to limit and floors offset at zero.
func clampLimit(limit, offset, def, max int) (int, int) {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// expect converts a coordinator reply into T. Error replies are returned as errors.
func expect[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	switch r := v.(type) {
	case T:
		return r, nil
	case *T:
		if r != nil {
			return *r, nil
		}
	case error:
		return zero, r
	}
	return zero, errors.NewInternal(fmt.Errorf("unexpected reply %T", v))
}
