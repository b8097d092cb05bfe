package change

import (
	"context"
	"encoding/json"

	store "github.com/emergent-company/taskmcp/internal/change"
	"github.com/emergent-company/taskmcp/internal/fault"
	"github.com/emergent-company/taskmcp/internal/mcp"
)

// archiveParams defines the input for change.archive.
type archiveParams struct {
	Slug string `json:"slug"`
}

// Archive validates a change and writes its receipt.
type Archive struct {
	store *store.Store
}

// NewArchive creates the change.archive tool.
func NewArchive(s *store.Store) *Archive {
	return &Archive{store: s}
}

func (t *Archive) Name() string { return "change.archive" }

func (t *Archive) Description() string {
	return "Archive a change: validate its on-disk shape, compute the deterministic receipt (commits, files, tests, tool versions) and write receipt.json atomically. Re-archiving returns the existing receipt."
}

func (t *Archive) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "slug": {
      "type": "string",
      "description": "Slug of the change to archive"
    }
  },
  "required": ["slug"]
}`)
}

func (t *Archive) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p archiveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.Wrap(fault.CodeInvalidParams, err, "invalid change.archive parameters")
	}
	if p.Slug == "" {
		return nil, fault.New(fault.CodeInvalidParams, "slug is required")
	}

	receipt, err := t.store.Archive(ctx, p.Slug)
	if err != nil {
		return nil, err
	}
	return mcp.JSONResult(receipt)
}
