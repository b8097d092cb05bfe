package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/emergent-company/taskmcp/internal/fault"
)

// Event types, emitted strictly in the order start, progress*, one of
// result|error, end.
const (
	eventStart    = "start"
	eventProgress = "progress"
	eventResult   = "result"
	eventError    = "error"
	eventEnd      = "end"
)

// errStreamCapped marks a stream terminated by the response-size cap.
var errStreamCapped = fault.New(fault.CodeResponseTooLarge, "response exceeds the configured size cap")

// emitter streams the semantic events of one request as either NDJSON
// lines or SSE frames. It flushes after every event and accounts every
// byte against the per-request cap; the first event that would exceed it
// terminates the stream with RESPONSE_TOO_LARGE.
type emitter struct {
	w      http.ResponseWriter
	flush  http.Flusher
	sse    bool
	corrID string
	cap    int64

	mu      sync.Mutex
	written int64
	capped  bool
}

// newEmitter prepares the response headers for the chosen framing. The
// SSE form emits an immediate keep-alive comment so proxies open the
// stream promptly.
func newEmitter(w http.ResponseWriter, sse bool, corrID string, maxBytes int64) (*emitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fault.New(fault.CodeInternal, "response writer does not support streaming")
	}

	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set("X-Correlation-Id", corrID)

	e := &emitter{w: w, flush: flusher, sse: sse, corrID: corrID, cap: maxBytes}
	if sse {
		e.heartbeat()
	}
	return e, nil
}

// heartbeat writes an SSE keep-alive comment line. No-op for NDJSON.
func (e *emitter) heartbeat() {
	if !e.sse {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capped {
		return
	}
	fmt.Fprint(e.w, ": keep-alive\n\n")
	e.flush.Flush()
}

// emit writes one event. It returns errStreamCapped once the accumulated
// body would exceed the cap; the caller stops emitting.
func (e *emitter) emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, err, "encoding stream event")
	}

	var frame []byte
	if e.sse {
		frame = []byte(fmt.Sprintf("event: %s\nid: %s\ndata: %s\n\n", event, e.corrID, data))
	} else {
		line := struct {
			Event         string          `json:"event"`
			CorrelationID string          `json:"correlationId"`
			Data          json.RawMessage `json:"data"`
		}{Event: event, CorrelationID: e.corrID, Data: data}
		frame, err = json.Marshal(line)
		if err != nil {
			return fault.Wrap(fault.CodeInternal, err, "encoding stream frame")
		}
		frame = append(frame, '\n')
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capped {
		return errStreamCapped
	}
	if e.cap > 0 && e.written+int64(len(frame)) > e.cap {
		e.capped = true
		// The terminal cap error itself is small and always sent.
		e.writeCapError()
		return errStreamCapped
	}
	e.written += int64(len(frame))
	if _, err := e.w.Write(frame); err != nil {
		return fault.Wrap(fault.CodeIO, err, "writing stream event")
	}
	e.flush.Flush()
	return nil
}

// writeCapError emits the RESPONSE_TOO_LARGE terminal error and end
// events, bypassing cap accounting. Callers hold e.mu.
func (e *emitter) writeCapError() {
	payload := map[string]any{
		"error": map[string]any{
			"code":    fault.CodeResponseTooLarge,
			"message": "response exceeds the configured size cap",
		},
	}
	for _, frame := range [][]byte{
		e.rawFrame(eventError, payload),
		e.rawFrame(eventEnd, map[string]any{"ts": nowMillis()}),
	} {
		e.w.Write(frame)
	}
	e.flush.Flush()
}

func (e *emitter) rawFrame(event string, payload any) []byte {
	data, _ := json.Marshal(payload)
	if e.sse {
		return []byte(fmt.Sprintf("event: %s\nid: %s\ndata: %s\n\n", event, e.corrID, data))
	}
	line, _ := json.Marshal(struct {
		Event         string          `json:"event"`
		CorrelationID string          `json:"correlationId"`
		Data          json.RawMessage `json:"data"`
	}{Event: event, CorrelationID: e.corrID, Data: data})
	return append(line, '\n')
}

// bytesWritten reports the accounted body size for metrics.
func (e *emitter) bytesWritten() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.written
}
