// Package audit emits one structured JSON line per security-relevant
// event. Records are buffered and flushed on a timer and at shutdown;
// tool arguments are recorded as a hash of their canonical (RFC 8785)
// form, never verbatim.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Event types covering the security surface.
const (
	EventAuthSuccess     = "auth_success"
	EventAuthInvalid     = "auth_invalid"
	EventAuthMissing     = "auth_missing"
	EventAuthRateLimited = "auth_rate_limited"
	EventRequestSuccess  = "request_success"
	EventRequestError    = "request_error"
	EventRequestBlocked  = "request_blocked"
	EventSecurityRefusal = "security_refusal"
)

// Record is one audit line.
type Record struct {
	ID            string         `json:"id"`
	Time          string         `json:"time"`
	Event         string         `json:"event"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Identity      string         `json:"identity,omitempty"` // token hash or client address
	Tool          string         `json:"tool,omitempty"`
	ArgsHash      string         `json:"argsHash,omitempty"`
	Code          string         `json:"code,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Logger buffers audit records and writes them as JSON lines.
type Logger struct {
	mu     sync.Mutex
	buf    []Record
	out    io.WriteCloser
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates an audit logger writing to path with size-based
// rotation. An empty path writes to stderr (development).
func NewLogger(path string, logger *slog.Logger) *Logger {
	var out io.WriteCloser
	if path == "" {
		out = nopCloser{os.Stderr}
	} else {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	return &Logger{out: out, logger: logger, now: time.Now}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Emit buffers one record, stamping ID and time.
func (l *Logger) Emit(rec Record) {
	rec.ID = uuid.NewString()
	rec.Time = l.now().UTC().Format(time.RFC3339Nano)
	l.mu.Lock()
	l.buf = append(l.buf, rec)
	l.mu.Unlock()
}

// Flush writes all buffered records. Safe to call concurrently with Emit.
func (l *Logger) Flush() error {
	l.mu.Lock()
	pending := l.buf
	l.buf = nil
	l.mu.Unlock()

	for _, rec := range pending {
		line, err := json.Marshal(rec)
		if err != nil {
			l.logger.Error("encoding audit record", "error", err)
			continue
		}
		line = append(line, '\n')
		if _, err := l.out.Write(line); err != nil {
			l.logger.Error("writing audit record", "error", err)
			return err
		}
	}
	return nil
}

// Close flushes and releases the output.
func (l *Logger) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	return l.out.Close()
}

// Buffered returns the number of unflushed records.
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// HashArgs returns the sha256 of the JCS-canonicalised JSON arguments, so
// audit lines identify calls without storing payloads. Non-JSON input
// hashes the raw bytes.
func HashArgs(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
