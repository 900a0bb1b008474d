package mcp

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/chatsync/internal/errors"
)

// bind fills a T from the tool call arguments. A mismatch is an
// INVALID_REQUEST error ready for errorResult.
func bind[T any](req mcp.CallToolRequest) (T, error) {
	var in T
	if err := req.BindArguments(&in); err != nil {
		return in, errors.NewInvalidRequest(fmt.Sprintf("invalid arguments: %v", err))
	}
	return in, nil
}
