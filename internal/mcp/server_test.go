package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/taskmcp/internal/fault"
)

// echoTool returns its arguments back as a JSON result.
type echoTool struct{ name string }

func (e *echoTool) Name() string                 { return e.name }
func (e *echoTool) Description() string          { return "echoes its arguments" }
func (e *echoTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (e *echoTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	return JSONResult(map[string]any{"echo": string(params)})
}

// failTool always returns the configured fault.
type failTool struct{ f *fault.Error }

func (f *failTool) Name() string                 { return "always.fails" }
func (f *failTool) Description() string          { return "fails" }
func (f *failTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *failTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	return nil, f.f
}

func runServer(t *testing.T, registry *Registry, input string) []Response {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var out bytes.Buffer
	srv := NewServer(registry, ServerInfo{Name: "taskmcp", Version: "test"}, logger).
		WithStreams(strings.NewReader(input), &out)

	require.NoError(t, srv.Run(context.Background()))

	var responses []Response
	dec := json.NewDecoder(&out)
	for dec.More() {
		var resp Response
		require.NoError(t, dec.Decode(&resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestInitializeHandshake(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&echoTool{name: "change.echo"})

	input := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test-client"}}}` + "\n"
	responses := runServer(t, registry, input)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)

	result, err := json.Marshal(responses[0].Result)
	require.NoError(t, err)
	var init InitializeResult
	require.NoError(t, json.Unmarshal(result, &init))
	assert.Equal(t, "2024-11-05", init.ProtocolVersion)
	assert.Equal(t, "taskmcp", init.ServerInfo.Name)
	assert.NotNil(t, init.Capabilities.Tools)
	assert.Nil(t, init.Capabilities.Resources, "no provider registered")
}

func TestToolsList(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&echoTool{name: "change.open"})
	registry.Register(&echoTool{name: "change.list"})

	input := `{"jsonrpc":"2.0","id":"a","method":"tools/list"}` + "\n"
	responses := runServer(t, registry, input)
	require.Len(t, responses, 1)

	raw, err := json.Marshal(responses[0].Result)
	require.NoError(t, err)
	var list ToolsListResult
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list.Tools, 2)
	assert.Equal(t, "change.open", list.Tools[0].Name)
	assert.Equal(t, "change.list", list.Tools[1].Name)
}

func TestToolsCallSuccess(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&echoTool{name: "change.echo"})

	input := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"change.echo","arguments":{"slug":"x-y-z"}}}` + "\n"
	responses := runServer(t, registry, input)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)
	assert.Equal(t, "7", string(responses[0].ID))

	raw, err := json.Marshal(responses[0].Result)
	require.NoError(t, err)
	var result ToolsCallResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "x-y-z")
}

func TestToolsCallFaultCarriesTaxonomy(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&failTool{
		f: fault.New(fault.CodeLocked, "change is locked by alice").
			WithHint("wait for the TTL").
			WithContext("holder", "alice"),
	})

	input := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"always.fails","arguments":{}}}` + "\n"
	responses := runServer(t, registry, input)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)

	rpcErr := responses[0].Error
	assert.Equal(t, -32603, rpcErr.Code)
	assert.Equal(t, "change is locked by alice", rpcErr.Message)

	data, ok := rpcErr.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, fault.CodeLocked, data["code"])
	assert.Equal(t, true, data["retryable"])
	assert.Equal(t, "alice", data["holder"])
	assert.Equal(t, "wait for the TTL", data["hint"])
	assert.NotEmpty(t, data["correlationId"])
}

func TestMethodNotFound(t *testing.T) {
	responses := runServer(t, NewRegistry(), `{"jsonrpc":"2.0","id":3,"method":"no/such"}`+"\n")
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, ErrCodeMethodNotFound, responses[0].Error.Code)
}

func TestUnknownToolName(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope","arguments":{}}}` + "\n"
	responses := runServer(t, NewRegistry(), input)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, ErrCodeMethodNotFound, responses[0].Error.Code)
}

func TestParseErrorResponse(t *testing.T) {
	responses := runServer(t, NewRegistry(), "this is not json\n")
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, ErrCodeParse, responses[0].Error.Code)
}

func TestNotificationsGetNoResponse(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
		`{"jsonrpc":"2.0","id":5,"method":"tools/list"}` + "\n"
	responses := runServer(t, NewRegistry(), input)
	require.Len(t, responses, 1)
	assert.Equal(t, "5", string(responses[0].ID))
}

func TestConcurrentRequestsAllAnswered(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&echoTool{name: "change.echo"})

	var input strings.Builder
	for i := 0; i < 40; i++ {
		input.WriteString(`{"jsonrpc":"2.0","id":`)
		input.WriteString(strconv.Itoa(i))
		input.WriteString(`,"method":"tools/call","params":{"name":"change.echo","arguments":{}}}` + "\n")
	}
	responses := runServer(t, registry, input.String())
	assert.Len(t, responses, 40)

	seen := make(map[string]bool)
	for _, r := range responses {
		assert.Nil(t, r.Error)
		seen[string(r.ID)] = true
	}
	assert.Len(t, seen, 40)
}

func TestRegistryDuplicatePanics(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&echoTool{name: "dup"})
	assert.Panics(t, func() {
		registry.Register(&echoTool{name: "dup"})
	})
}
