package change

import (
	"context"
	"encoding/json"

	store "github.com/emergent-company/taskmcp/internal/change"
	"github.com/emergent-company/taskmcp/internal/fault"
	"github.com/emergent-company/taskmcp/internal/mcp"
)

// List pages through active changes in (mtime DESC, slug ASC) order.
type List struct {
	store *store.Store
}

// NewList creates the change.list tool.
func NewList(s *store.Store) *List {
	return &List{store: s}
}

func (t *List) Name() string { return "change.list" }

func (t *List) Description() string {
	return "List active changes with cursor-stable pagination. Items carry slug, title, lock state, mtime and a change:// URI."
}

func (t *List) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "page": {
      "type": "integer",
      "description": "1-based page number (ignored when nextPageToken is set)"
    },
    "pageSize": {
      "type": "integer",
      "description": "Items per page (default 50, max 100)"
    },
    "nextPageToken": {
      "type": "string",
      "description": "Opaque token from a previous page; malformed tokens restart at page 1"
    }
  }
}`)
}

func (t *List) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p store.ListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fault.Wrap(fault.CodeInvalidParams, err, "invalid change.list parameters")
		}
	}

	result, err := t.store.List(p)
	if err != nil {
		return nil, err
	}
	return mcp.JSONResult(result)
}
