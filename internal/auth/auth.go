// Package auth implements bearer/cookie token authentication, per-address
// failed-attempt tracking, and per-identity token-bucket rate limiting.
// All state is explicit and injected; tests construct their own instances.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emergent-company/taskmcp/internal/fault"
)

const (
	// maxFailures within failureWindow marks a client address rate-limited.
	maxFailures   = 10
	failureWindow = 15 * time.Minute
)

// Identity is the admission key for a request: the token hash when a
// token was presented, else the client address.
type Identity struct {
	Key       string // sha256 hex of the token, or "addr:<ip>"
	Addr      string
	HasToken  bool
	Disabled  bool // auth disabled (empty token set)
	Token     string
	TokenHash string
}

// Authenticator validates tokens and tracks failed attempts by address.
type Authenticator struct {
	tokens map[string]struct{} // keyed by sha256 hex of each configured token

	mu       sync.Mutex
	failures map[string][]time.Time // addr -> failure timestamps
	now      func() time.Time
}

// New creates an Authenticator. An empty token set disables
// authentication (development mode).
func New(tokens []string) *Authenticator {
	a := &Authenticator{
		tokens:   make(map[string]struct{}, len(tokens)),
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
	for _, t := range tokens {
		a.tokens[hashToken(t)] = struct{}{}
	}
	return a
}

// Enabled reports whether a token set is configured.
func (a *Authenticator) Enabled() bool { return len(a.tokens) > 0 }

// Authenticate admits or rejects a request. The returned Identity keys
// rate limiting; rejections are AUTH_MISSING, AUTH_INVALID, or
// RATE_LIMITED once the address accumulated too many failures.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	addr := clientAddr(r)

	if a.lockedOut(addr) {
		return Identity{}, fault.New(fault.CodeRateLimited, "too many failed authentication attempts").
			WithHint("wait for the failure window to elapse").
			WithContext("addr", addr)
	}

	token := extractToken(r)

	if !a.Enabled() {
		return Identity{Key: "addr:" + addr, Addr: addr, Disabled: true, Token: token}, nil
	}

	if token == "" {
		a.recordFailure(addr)
		return Identity{}, fault.New(fault.CodeAuthMissing, "authentication required").
			WithHint("send Authorization: Bearer <token> or an auth_token cookie")
	}

	h := hashToken(token)
	if _, ok := a.tokens[h]; !ok {
		a.recordFailure(addr)
		return Identity{}, fault.New(fault.CodeAuthInvalid, "invalid token")
	}

	return Identity{Key: h, Addr: addr, HasToken: true, Token: token, TokenHash: h}, nil
}

// lockedOut reports whether addr has accumulated maxFailures within the
// window; expired failures are pruned as a side effect.
func (a *Authenticator) lockedOut(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-failureWindow)
	recent := a.failures[addr][:0]
	for _, t := range a.failures[addr] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(a.failures, addr)
		return false
	}
	a.failures[addr] = recent
	return len(recent) >= maxFailures
}

func (a *Authenticator) recordFailure(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[addr] = append(a.failures[addr], a.now())
}

// FailureCount returns the live failure count for addr, for the security
// metrics endpoint.
func (a *Authenticator) FailureCount(addr string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-failureWindow)
	n := 0
	for _, t := range a.failures[addr] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// TrackedAddresses returns how many client addresses currently carry
// failed attempts.
func (a *Authenticator) TrackedAddresses() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.failures)
}

// extractToken pulls the bearer token from the Authorization header or
// the auth_token cookie.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const bearerPrefix = "Bearer "
		if strings.HasPrefix(auth, bearerPrefix) {
			return strings.TrimPrefix(auth, bearerPrefix)
		}
		return ""
	}
	if c, err := r.Cookie("auth_token"); err == nil {
		return c.Value
	}
	return ""
}

func clientAddr(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
