// Package correlation generates per-request correlation IDs and threads
// them through context. An ID is assigned once at transport ingress and is
// immutable for the request's lifetime: every log line, terminal event and
// subprocess spawned on behalf of the request carries it.
package correlation

import (
	"context"
	"crypto/rand"
	"strconv"
	"strings"
	"time"
)

type ctxKey struct{}

const (
	prefix     = "openspec"
	randomLen  = 16
	base36Set  = "0123456789abcdefghijklmnopqrstuvwxyz"
	base36Bits = 36
)

// NewID returns a fresh correlation ID of the form
// openspec_<base36-timestamp>_<16-char-random>.
func NewID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), base36Bits)

	buf := make([]byte, randomLen)
	// crypto/rand never fails on supported platforms; a short read would
	// surface as a panic below rather than a weak ID.
	if _, err := rand.Read(buf); err != nil {
		panic("correlation: rand.Read: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = base36Set[int(b)%base36Bits]
	}

	var sb strings.Builder
	sb.Grow(len(prefix) + 1 + len(ts) + 1 + randomLen)
	sb.WriteString(prefix)
	sb.WriteByte('_')
	sb.WriteString(ts)
	sb.WriteByte('_')
	sb.Write(buf)
	return sb.String()
}

// WithID returns a context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// ID returns the correlation ID bound to ctx, or "" if none was assigned.
func ID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Ensure returns ctx unchanged if it already carries an ID, otherwise a
// derived context with a fresh one. The returned string is the bound ID
// either way.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}
