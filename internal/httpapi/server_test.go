package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/taskmcp/internal/audit"
	"github.com/emergent-company/taskmcp/internal/auth"
	"github.com/emergent-company/taskmcp/internal/config"
	"github.com/emergent-company/taskmcp/internal/fault"
	"github.com/emergent-company/taskmcp/internal/health"
	"github.com/emergent-company/taskmcp/internal/mcp"
)

// echoTool returns its arguments as a JSON result.
type echoTool struct{}

func (echoTool) Name() string                 { return "change.echo" }
func (echoTool) Description() string          { return "echoes its arguments" }
func (echoTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	return mcp.JSONResult(map[string]any{"echo": json.RawMessage(params)})
}

// bigTool returns a payload far beyond any small response cap.
type bigTool struct{}

func (bigTool) Name() string                 { return "change.big" }
func (bigTool) Description() string          { return "returns a large payload" }
func (bigTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (bigTool) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	return mcp.JSONResult(map[string]any{"blob": strings.Repeat("x", 64*1024)})
}

// lockedTool always reports the change as held.
type lockedTool struct{}

func (lockedTool) Name() string                 { return "change.locked" }
func (lockedTool) Description() string          { return "always locked" }
func (lockedTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (lockedTool) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	return nil, fault.New(fault.CodeLocked, "change is locked by alice").WithHint("wait it out")
}

type apiOptions struct {
	tokens []string
	rpm    int
	respKB int
}

func newTestAPI(t *testing.T, opts apiOptions) *Server {
	t.Helper()
	if opts.rpm == 0 {
		opts.rpm = 600
	}
	if opts.respKB == 0 {
		opts.respKB = 1024
	}
	cfg := &config.Config{
		Server: config.ServerConfig{Name: "taskmcp", Version: "test", WorkingDirectory: t.TempDir()},
		HTTP:   config.HTTPConfig{Host: "127.0.0.1", Port: 8443, HeartbeatMs: 25000},
		Auth:   config.AuthConfig{Tokens: opts.tokens},
		Limits: config.LimitsConfig{
			RequestsPerMinute: opts.rpm,
			MaxResponseSizeKB: opts.respKB,
			MaxInflightHTTP:   100,
			MaxStreamConns:    100,
			RequestTimeout:    5 * time.Second,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := mcp.NewRegistry()
	registry.Register(echoTool{})
	registry.Register(bigTool{})
	registry.Register(lockedTool{})

	authn := auth.New(cfg.Auth.Tokens)
	limiter := auth.NewLimiter(cfg.Limits.RequestsPerMinute)
	auditor := audit.NewLogger(t.TempDir()+"/audit.log", logger)
	checker := health.NewChecker(cfg.Server.WorkingDirectory, registry, logger)

	return NewServer(cfg, registry, authn, limiter, auditor, checker, logger)
}

type frame struct {
	Event         string          `json:"event"`
	CorrelationID string          `json:"correlationId"`
	Data          json.RawMessage `json:"data"`
}

func ndjsonFrames(t *testing.T, body io.Reader) []frame {
	t.Helper()
	var frames []frame
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var f frame
		require.NoError(t, json.Unmarshal([]byte(line), &f), line)
		frames = append(frames, f)
	}
	require.NoError(t, sc.Err())
	return frames
}

func invoke(t *testing.T, h http.Handler, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:40000"
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNDJSONEventSequence(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	rec := invoke(t, api.Handler(), "/mcp", `{"tool":"change.echo","input":{"slug":"abc-def"}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	corrID := rec.Header().Get("X-Correlation-Id")
	assert.True(t, strings.HasPrefix(corrID, "openspec_"))

	frames := ndjsonFrames(t, rec.Body)
	require.Len(t, frames, 3)
	assert.Equal(t, "start", frames[0].Event)
	assert.Equal(t, "result", frames[1].Event)
	assert.Equal(t, "end", frames[2].Event)
	for _, f := range frames {
		assert.Equal(t, corrID, f.CorrelationID)
	}

	var result struct {
		Tool   string `json:"tool"`
		Result struct {
			Echo struct {
				Slug string `json:"slug"`
			} `json:"echo"`
		} `json:"result"`
		Duration  *int64 `json:"duration"`
		StartedAt int64  `json:"startedAt"`
	}
	require.NoError(t, json.Unmarshal(frames[1].Data, &result))
	assert.Equal(t, "change.echo", result.Tool)
	assert.Equal(t, "abc-def", result.Result.Echo.Slug)
	require.NotNil(t, result.Duration)
	assert.Positive(t, result.StartedAt)
}

func TestNDJSONErrorSequence(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	rec := invoke(t, api.Handler(), "/mcp", `{"tool":"change.locked","input":{}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, "stream errors are terminal events, not statuses")
	frames := ndjsonFrames(t, rec.Body)
	require.Len(t, frames, 3)
	assert.Equal(t, "start", frames[0].Event)
	assert.Equal(t, "error", frames[1].Event)
	assert.Equal(t, "end", frames[2].Event)

	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Hint    string `json:"hint"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(frames[1].Data, &payload))
	assert.Equal(t, fault.CodeLocked, payload.Error.Code)
	assert.Equal(t, "wait it out", payload.Error.Hint)
}

func TestSSEFraming(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	rec := invoke(t, api.Handler(), "/sse", `{"tool":"change.echo","input":{}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	// The keep-alive comment is written before any event.
	assert.True(t, strings.HasPrefix(body, ": keep-alive\n\n"))
	assert.Contains(t, body, "event: start\n")
	assert.Contains(t, body, "event: result\n")
	assert.Contains(t, body, "event: end\n")
	assert.Contains(t, body, "id: "+rec.Header().Get("X-Correlation-Id"))
}

func TestUnknownToolIsTerminalJSON(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	rec := invoke(t, api.Handler(), "/mcp", `{"tool":"nope","input":{}}`, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		CorrelationID string `json:"correlationId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, fault.CodeMethodNotFound, body.Error.Code)
	assert.NotEmpty(t, body.CorrelationID)
}

func TestMalformedBodyRejected(t *testing.T) {
	api := newTestAPI(t, apiOptions{})

	rec := invoke(t, api.Handler(), "/mcp", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = invoke(t, api.Handler(), "/mcp", `{"input":{}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResponseSizeCap(t *testing.T) {
	api := newTestAPI(t, apiOptions{respKB: 1})
	rec := invoke(t, api.Handler(), "/mcp", `{"tool":"change.big","input":{}}`, nil)

	frames := ndjsonFrames(t, rec.Body)
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, "start", frames[0].Event)

	var capErr struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(frames[1].Data, &capErr))
	assert.Equal(t, fault.CodeResponseTooLarge, capErr.Error.Code)
	assert.Equal(t, "error", frames[1].Event)
	assert.Equal(t, "end", frames[2].Event)
}

func TestAuthRequired(t *testing.T) {
	api := newTestAPI(t, apiOptions{tokens: []string{"s3cret"}})
	h := api.Handler()

	rec := invoke(t, h, "/mcp", `{"tool":"change.echo","input":{}}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = invoke(t, h, "/mcp", `{"tool":"change.echo","input":{}}`,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = invoke(t, h, "/mcp", `{"tool":"change.echo","input":{}}`,
		map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitHeadersAndRejection(t *testing.T) {
	api := newTestAPI(t, apiOptions{rpm: 1}) // burst 2
	h := api.Handler()
	body := `{"tool":"change.echo","input":{}}`

	rec := invoke(t, h, "/mcp", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	_ = invoke(t, h, "/mcp", body, nil)

	rec = invoke(t, h, "/mcp", body, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	h := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test", body.Version)

	api.checker.SetShuttingDown()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyzReflectsProbes(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	h := api.Handler()

	// Critical probes have not run yet: not ready.
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, api.checker.Refresh(context.Background()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, apiOptions{tokens: []string{"s3cret"}})
	h := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/security/metrics", nil)
	req.RemoteAddr = "203.0.113.7:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/security/metrics", nil)
	req.RemoteAddr = "203.0.113.7:40000"
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["authEnabled"])
	assert.Contains(t, body, "trackedAddresses")
	assert.Contains(t, body, "rateLimitBuckets")
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	h := api.Handler()

	_ = invoke(t, h, "/mcp", `{"tool":"change.echo","input":{}}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskmcp_requests_total")
}
