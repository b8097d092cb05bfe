package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/taskmcp/internal/fault"
)

func request(opts ...func(*http.Request)) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.RemoteAddr = "203.0.113.7:54321"
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withCookie(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "auth_token", Value: token})
	}
}

func TestDisabledModeAdmitsEveryone(t *testing.T) {
	a := New(nil)
	assert.False(t, a.Enabled())

	id, err := a.Authenticate(request())
	require.NoError(t, err)
	assert.True(t, id.Disabled)
	assert.Equal(t, "addr:203.0.113.7", id.Key)
}

func TestBearerToken(t *testing.T) {
	a := New([]string{"s3cret"})
	require.True(t, a.Enabled())

	id, err := a.Authenticate(request(withBearer("s3cret")))
	require.NoError(t, err)
	assert.True(t, id.HasToken)
	assert.NotEqual(t, "s3cret", id.Key, "the key is the token hash, never the token")
	assert.Equal(t, id.TokenHash, id.Key)
}

func TestCookieToken(t *testing.T) {
	a := New([]string{"s3cret"})

	id, err := a.Authenticate(request(withCookie("s3cret")))
	require.NoError(t, err)
	assert.True(t, id.HasToken)
}

func TestMissingToken(t *testing.T) {
	a := New([]string{"s3cret"})

	_, err := a.Authenticate(request())
	require.Error(t, err)
	assert.Equal(t, fault.CodeAuthMissing, fault.From(err).Code)
	assert.Equal(t, 1, a.FailureCount("203.0.113.7"))
}

func TestInvalidToken(t *testing.T) {
	a := New([]string{"s3cret"})

	_, err := a.Authenticate(request(withBearer("wrong")))
	require.Error(t, err)
	assert.Equal(t, fault.CodeAuthInvalid, fault.From(err).Code)
}

func TestMalformedAuthorizationHeader(t *testing.T) {
	a := New([]string{"s3cret"})

	_, err := a.Authenticate(request(func(r *http.Request) {
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	}))
	require.Error(t, err)
	assert.Equal(t, fault.CodeAuthMissing, fault.From(err).Code)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	a := New([]string{"s3cret"})

	for i := 0; i < 10; i++ {
		_, err := a.Authenticate(request(withBearer("wrong")))
		require.Error(t, err)
		assert.Equal(t, fault.CodeAuthInvalid, fault.From(err).Code, "attempt %d", i)
	}

	// The 11th attempt is refused before the token is even considered,
	// valid credentials included.
	_, err := a.Authenticate(request(withBearer("s3cret")))
	require.Error(t, err)
	assert.Equal(t, fault.CodeRateLimited, fault.From(err).Code)
	assert.Equal(t, 1, a.TrackedAddresses())
}

func TestLockoutExpiresWithWindow(t *testing.T) {
	a := New([]string{"s3cret"})
	current := time.Now()
	a.now = func() time.Time { return current }

	for i := 0; i < 10; i++ {
		_, _ = a.Authenticate(request(withBearer("wrong")))
	}
	_, err := a.Authenticate(request(withBearer("s3cret")))
	assert.Equal(t, fault.CodeRateLimited, fault.From(err).Code)

	current = current.Add(16 * time.Minute)
	id, err := a.Authenticate(request(withBearer("s3cret")))
	require.NoError(t, err)
	assert.True(t, id.HasToken)
	assert.Equal(t, 0, a.TrackedAddresses())
}

func TestFailuresTrackedPerAddress(t *testing.T) {
	a := New([]string{"s3cret"})

	for i := 0; i < 10; i++ {
		_, _ = a.Authenticate(request(withBearer("wrong")))
	}

	other := request(withBearer("s3cret"))
	other.RemoteAddr = "198.51.100.9:1000"
	id, err := a.Authenticate(other)
	require.NoError(t, err)
	assert.True(t, id.HasToken)
}
