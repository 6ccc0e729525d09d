package guest

import (
	"fmt"
	"time"
)

// Session is an anonymous, rate-limited session for callers without a token.
// Sessions live entirely in redis and die by TTL; a login never promotes one
// in place, the caller gets a Principal and the session expires on its own.
type Session struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Budget reports request-budget standing for one window, for rate limit
// response headers.
type Budget struct {
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// RateLimitedError signals the session exhausted its window budget. The
// session itself survives; retries succeed once the window resets.
type RateLimitedError struct {
	SessionID  string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("guest session %s over budget, retry after %s", e.SessionID, e.RetryAfter)
}
