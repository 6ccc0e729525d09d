package permission

import (
	"fmt"
	"strings"
	"time"
)

// Scope narrows where a permission check applies. An empty Tenant means
// platform scope. Resource optionally pins the check to a single resource id.
type Scope struct {
	Tenant   string
	Resource string
}

// RoleAssignment grants a user every permission the role carries, within the
// assignment's tenant. Revocation is an UPDATE of RevokedAt, never a DELETE,
// so permission history stays reconstructable.
type RoleAssignment struct {
	ID        int64
	UserID    int64
	RoleID    int64
	TenantID  string
	GrantedBy int64
	GrantedAt time.Time
	RevokedAt *time.Time
}

// Grant is a direct user-to-permission grant. TenantID empty means platform
// scope; ResourceID non-empty narrows the grant to a single resource.
type Grant struct {
	ID         int64
	UserID     int64
	TenantID   string
	ResourceID string
	Code       string
	GrantedBy  int64
	GrantedAt  time.Time
	RevokedAt  *time.Time
}

// Pattern is a grant pattern as loaded for matching: a permission code,
// possibly wildcarded with a trailing *, plus an optional resource qualifier.
type Pattern struct {
	Code     string `json:"code"`
	Resource string `json:"resource,omitempty"`
}

// Matches reports whether the pattern satisfies a request for the given
// concrete code under the given scope. users:* satisfies users:read,
// users:update and users:* itself, but never orders:read. A resource
// qualifier on the pattern restricts it to that resource alone.
func (p Pattern) Matches(code string, scope Scope) bool {
	if p.Resource != "" && p.Resource != scope.Resource {
		return false
	}
	return codeMatches(p.Code, code)
}

func codeMatches(pattern, code string) bool {
	if pattern == code {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(code, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// MatchBest returns the most specific pattern satisfying the request, by
// longest matching prefix. The bool reports whether anything matched.
func MatchBest(patterns []Pattern, code string, scope Scope) (Pattern, bool) {
	best := -1
	for i, p := range patterns {
		if !p.Matches(code, scope) {
			continue
		}
		if best == -1 || specificity(p.Code) > specificity(patterns[best].Code) {
			best = i
		}
	}
	if best == -1 {
		return Pattern{}, false
	}
	return patterns[best], true
}

func specificity(pattern string) int {
	if strings.HasSuffix(pattern, "*") {
		return len(pattern) - 1
	}
	// An exact code outranks any wildcard of the same length.
	return len(pattern) + 1
}

// UnavailableError signals that the permission store or cache backend could
// not answer. Checks fail closed on it: the caller sees a denial plus this
// distinguishable error so it can degrade gracefully instead of failing open.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("authorization unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
