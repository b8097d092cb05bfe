// Package change binds the change store's operations to MCP tools.
package change

import (
	"context"
	"encoding/json"

	store "github.com/emergent-company/taskmcp/internal/change"
	"github.com/emergent-company/taskmcp/internal/fault"
	"github.com/emergent-company/taskmcp/internal/mcp"
)

// Open creates a change directory from a template and optionally locks it.
type Open struct {
	store *store.Store
}

// NewOpen creates the change.open tool.
func NewOpen(s *store.Store) *Open {
	return &Open{store: s}
}

func (t *Open) Name() string { return "change.open" }

func (t *Open) Description() string {
	return "Open a new change: create openspec/changes/<slug>/ with seed files from a template. Supplying an owner acquires the change lock with the given TTL."
}

func (t *Open) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": {
      "type": "string",
      "description": "Human-readable title, becomes the proposal heading"
    },
    "slug": {
      "type": "string",
      "description": "Change identity: 3-64 lowercase alphanumerics with internal hyphens"
    },
    "rationale": {
      "type": "string",
      "description": "Why the change is needed (seeds the proposal body)"
    },
    "template": {
      "type": "string",
      "enum": ["default", "feature", "bugfix"],
      "description": "On-disk layout to materialise (default: default)"
    },
    "owner": {
      "type": "string",
      "description": "Lock owner identifier, e.g. pid-1234@host. Omitting it opens without a lock"
    },
    "ttl": {
      "type": "integer",
      "description": "Lock TTL in seconds (default: 300)"
    }
  },
  "required": ["title", "slug"]
}`)
}

func (t *Open) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p store.OpenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.Wrap(fault.CodeInvalidParams, err, "invalid change.open parameters")
	}

	result, err := t.store.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	return mcp.JSONResult(result)
}
