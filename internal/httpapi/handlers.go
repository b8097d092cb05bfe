package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/emergent-company/taskmcp/internal/audit"
	"github.com/emergent-company/taskmcp/internal/auth"
	"github.com/emergent-company/taskmcp/internal/correlation"
	"github.com/emergent-company/taskmcp/internal/fault"
	"github.com/emergent-company/taskmcp/internal/mcp"
)

type identityKey struct{}

func withIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) auth.Identity {
	if id, ok := ctx.Value(identityKey{}).(auth.Identity); ok {
		return id
	}
	return auth.Identity{}
}

// invokeRequest is the body of POST /mcp and POST /sse.
type invokeRequest struct {
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input"`
	APIVersion string          `json:"apiVersion"`
}

// handleInvoke runs one tool invocation and streams its event sequence:
// start, zero or more progress, exactly one of result|error, end.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request, sse bool) {
	ctx := r.Context()
	corrID := correlation.ID(ctx)
	identity := identityFrom(ctx)

	// Admission: never queue past the in-flight cap.
	select {
	case s.inflight <- struct{}{}:
		defer func() { <-s.inflight }()
	default:
		s.writeFault(w, r, fault.New(fault.CodeServerBusy, "too many in-flight requests").
			WithHint("retry shortly"))
		return
	}
	if sse {
		select {
		case s.streams <- struct{}{}:
			defer func() { <-s.streams }()
		default:
			s.writeFault(w, r, fault.New(fault.CodeServerBusy, "too many open streams"))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeFault(w, r, fault.Wrap(fault.CodeIO, err, "reading request body"))
		return
	}
	var req invokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeFault(w, r, fault.Wrap(fault.CodeInvalidParams, err, "request body is not valid JSON"))
		return
	}
	if req.Tool == "" {
		s.writeFault(w, r, fault.New(fault.CodeInvalidParams, "tool is required"))
		return
	}
	if req.APIVersion == "" {
		req.APIVersion = "1.0"
	}

	tool := s.registry.Get(req.Tool)
	if tool == nil {
		s.writeFault(w, r, fault.Newf(fault.CodeMethodNotFound, "tool not found: %s", req.Tool))
		return
	}

	em, err := newEmitter(w, sse, corrID, s.cfg.Limits.MaxResponseBytes())
	if err != nil {
		s.writeFault(w, r, fault.From(err))
		return
	}
	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()
	defer func() { s.metrics.ResponseBytes.Observe(float64(em.bytesWritten())) }()

	if sse {
		// Heartbeats ride alongside the event sequence until the request
		// finishes or the client goes away.
		hbCtx, stopHB := context.WithCancel(ctx)
		defer stopHB()
		go func() {
			ticker := time.NewTicker(time.Duration(s.cfg.HTTP.HeartbeatMs) * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					em.heartbeat()
				case <-hbCtx.Done():
					return
				}
			}
		}()
	}

	startedAt := nowMillis()
	if err := em.emit(eventStart, map[string]any{
		"tool":       req.Tool,
		"apiVersion": req.APIVersion,
		"ts":         startedAt,
	}); err != nil {
		return
	}

	s.logger.Info("invoking tool",
		"tool", req.Tool,
		"transport", transportName(sse),
		"correlation_id", corrID,
	)

	result, execErr := tool.Execute(ctx, req.Input)

	if ctx.Err() != nil {
		// Client went away; subprocesses were cancelled through the
		// context. Nothing more may be emitted.
		s.logger.Info("request cancelled by client", "tool", req.Tool, "correlation_id", corrID)
		s.metrics.Requests.WithLabelValues(req.Tool, "cancelled").Inc()
		return
	}

	if execErr != nil {
		f := fault.From(execErr)
		errPayload := map[string]any{
			"code":    f.Code,
			"message": f.Message,
		}
		if f.Hint != "" {
			errPayload["hint"] = f.Hint
		}
		_ = em.emit(eventError, map[string]any{
			"apiVersion": req.APIVersion,
			"tool":       req.Tool,
			"startedAt":  startedAt,
			"error":      errPayload,
		})
		s.metrics.Requests.WithLabelValues(req.Tool, "error").Inc()
		s.auditor.Emit(audit.Record{
			Event:         audit.EventRequestError,
			CorrelationID: corrID,
			Identity:      identity.Key,
			Tool:          req.Tool,
			ArgsHash:      audit.HashArgs(req.Input),
			Code:          f.Code,
		})
	} else {
		err := em.emit(eventResult, map[string]any{
			"apiVersion": req.APIVersion,
			"tool":       req.Tool,
			"startedAt":  startedAt,
			"result":     resultPayload(result),
			"duration":   nowMillis() - startedAt,
		})
		if err != nil {
			s.metrics.Requests.WithLabelValues(req.Tool, "too_large").Inc()
			return
		}
		s.metrics.Requests.WithLabelValues(req.Tool, "success").Inc()
		s.auditor.Emit(audit.Record{
			Event:         audit.EventRequestSuccess,
			CorrelationID: corrID,
			Identity:      identity.Key,
			Tool:          req.Tool,
			ArgsHash:      audit.HashArgs(req.Input),
		})
	}

	_ = em.emit(eventEnd, map[string]any{"ts": nowMillis()})
}

// resultPayload unwraps a single-text-block tool result back into its
// JSON object form so HTTP clients get structured data, not a quoted
// string.
func resultPayload(res *mcp.ToolsCallResult) any {
	if res != nil && len(res.Content) == 1 && res.Content[0].Type == "text" {
		var obj json.RawMessage
		if json.Unmarshal([]byte(res.Content[0].Text), &obj) == nil {
			return obj
		}
	}
	return res
}

func transportName(sse bool) string {
	if sse {
		return "sse"
	}
	return "ndjson"
}
