package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	authFailLimit     = 5
	authFailWindow    = 60 * time.Second
	authLockoutPeriod = 15 * time.Minute
)

type authFailState struct {
	count         int
	windowResetAt time.Time
	lockoutUntil  time.Time
}

// AdminAuth guards admin routes with a bearer token, per-IP failure
// counting and a lockout window.
type AdminAuth struct {
	mu    sync.Mutex
	token string
	clock clock.Clock
	fails map[string]*authFailState
}

func NewAdminAuth(token string, c clock.Clock) *AdminAuth {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	return &AdminAuth{
		token: token,
		clock: c,
		fails: make(map[string]*authFailState),
	}
}

// Require checks the request's admin credential. allowQueryToken admits
// a ?token= query parameter with the same constant-time check, for the
// dashboard. Nil means authorized.
func (a *AdminAuth) Require(req *http.Request, allowQueryToken bool) *Error {
	if a.token == "" {
		return NewError(http.StatusServiceUnavailable, CodeUnauthorized, "Admin endpoint not available")
	}

	ip := clientIP(req)

	a.mu.Lock()
	now := a.clock.Now()
	state := a.fails[ip]
	if state != nil && now.Before(state.lockoutUntil) {
		a.mu.Unlock()
		return NewError(http.StatusTooManyRequests, CodeRateLimited, "too many failed attempts, try again later")
	}
	a.mu.Unlock()

	provided := ""
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		provided = strings.TrimPrefix(auth, "Bearer ")
	} else if allowQueryToken {
		provided = req.URL.Query().Get("token")
	}

	if TimingSafeEqual(provided, a.token) {
		a.mu.Lock()
		delete(a.fails, ip)
		a.mu.Unlock()
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now = a.clock.Now()
	state = a.fails[ip]
	if state == nil || now.After(state.windowResetAt) {
		state = &authFailState{windowResetAt: now.Add(authFailWindow)}
		a.fails[ip] = state
	}
	state.count++
	if state.count >= authFailLimit {
		state.lockoutUntil = now.Add(authLockoutPeriod)
		state.count = 0
		return NewError(http.StatusTooManyRequests, CodeRateLimited, "too many failed attempts, try again later")
	}
	return NewError(http.StatusUnauthorized, CodeUnauthorized, "invalid admin token")
}

// TimingSafeEqual compares two strings without short-circuiting on
// length mismatch: the XOR accumulator walks max(|a|,|b|) characters
// and folds in the length difference.
func TimingSafeEqual(a, b string) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	v := len(a) ^ len(b)
	for i := 0; i < n; i++ {
		var ca, cb byte
		if i < len(a) {
			ca = a[i]
		}
		if i < len(b) {
			cb = b[i]
		}
		v |= int(ca ^ cb)
	}
	return v == 0
}

// clientIP resolves the caller address behind the usual proxy headers.
func clientIP(req *http.Request) string {
	if ip := req.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return "unknown"
}

// hashPrefix16 returns the first 16 hex chars of SHA-256 over the
// input.
func hashPrefix16(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}
