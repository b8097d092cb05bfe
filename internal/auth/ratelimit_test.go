package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/taskmcp/internal/fault"
)

func TestLimiterBurstThenReject(t *testing.T) {
	// 2 rpm gives a burst of ceil(1.5*2) = 3.
	l := NewLimiter(2)

	for i := 0; i < 3; i++ {
		hdrs, err := l.Allow("client-a")
		require.NoError(t, err, "burst request %d", i)
		assert.Equal(t, 2, hdrs.Limit)
	}

	hdrs, err := l.Allow("client-a")
	require.Error(t, err)
	f := fault.From(err)
	assert.Equal(t, fault.CodeRateLimited, f.Code)
	assert.True(t, f.Retry)
	assert.Equal(t, 0, hdrs.Remaining)

	retryAfter, ok := f.Context["retryAfterSeconds"].(int)
	require.True(t, ok)
	assert.Equal(t, 30, retryAfter)
}

func TestLimiterIsolatesIdentities(t *testing.T) {
	l := NewLimiter(1) // burst 2

	_, err := l.Allow("client-a")
	require.NoError(t, err)
	_, err = l.Allow("client-a")
	require.NoError(t, err)
	_, err = l.Allow("client-a")
	require.Error(t, err)

	// A different identity has its own bucket.
	_, err = l.Allow("client-b")
	require.NoError(t, err)
	assert.Equal(t, 2, l.Tracked())
}

func TestHeadersApply(t *testing.T) {
	reset := time.Unix(1700000000, 0)
	h := Headers{Limit: 60, Remaining: 42, Reset: reset}

	rec := httptest.NewRecorder()
	h.Apply(rec.Header().Set)

	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "42", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000000", rec.Header().Get("X-RateLimit-Reset"))
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l := NewLimiter(60)
	_, err := l.Allow("client-a")
	require.NoError(t, err)
	_, err = l.Allow("client-b")
	require.NoError(t, err)

	l.now = func() time.Time { return time.Now().Add(time.Hour) }
	removed := l.Sweep(30 * time.Minute)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, l.Tracked())
}

func TestHeadersPresentOnSuccess(t *testing.T) {
	l := NewLimiter(60)
	hdrs, err := l.Allow("client-x")
	require.NoError(t, err)
	assert.Equal(t, 60, hdrs.Limit)
	assert.GreaterOrEqual(t, hdrs.Remaining, 0)
	assert.False(t, hdrs.Reset.IsZero())
}
