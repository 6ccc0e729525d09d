package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/guest"
	"github.com/platinummonkey/gatehouse/pkg/permission"
)

// TenantHeader names the tenant the request claims to belong to.
const TenantHeader = "X-Tenant-ID"

// Authenticator is the orchestrator surface the middleware needs.
type Authenticator interface {
	AuthenticateRequest(ctx context.Context, tenantID, bearer, fingerprint string) (*auth.Result, error)
	Authorize(ctx context.Context, principal *auth.Principal, code string, scope permission.Scope) error
}

// AuthMiddleware authenticates every request, falling back to a rate-limited
// guest session when no token is presented.
type AuthMiddleware struct {
	orchestrator Authenticator
	logger       *logrus.Logger
}

// NewAuthMiddleware creates the authentication middleware.
func NewAuthMiddleware(orchestrator Authenticator, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{orchestrator: orchestrator, logger: logger}
}

// Handler wraps an HTTP handler with authentication. The response for any
// authentication failure is a uniform 401; which stage failed is visible
// only in logs and audit events.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantHeader)
		if tenantID == "" {
			unauthorizedResponse(w)
			return
		}

		bearer, ok := bearerToken(r)
		if !ok {
			unauthorizedResponse(w)
			return
		}

		fingerprint := getClientIP(r) + "|" + r.UserAgent()
		result, err := m.orchestrator.AuthenticateRequest(r.Context(), tenantID, bearer, fingerprint)
		if err != nil {
			m.failedRequest(w, r, tenantID, result, err)
			return
		}

		ctx := contextkeys.WithTenant(r.Context(), tenantID)
		if result.Principal != nil {
			ctx = contextkeys.WithPrincipal(ctx, result.Principal)
		}
		if result.Guest != nil {
			ctx = contextkeys.WithGuestSession(ctx, result.Guest)
			writeBudgetHeaders(w, result.GuestBudget)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission gates a route on a permission code, scoped to the
// request's tenant. Denials are a generic 403; a degraded permission store
// is a 503, never a denial.
func (m *AuthMiddleware) RequirePermission(code string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r)
			scope := permission.Scope{Tenant: contextkeys.GetTenant(r.Context())}

			err := m.orchestrator.Authorize(r.Context(), principal, code, scope)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			var unavailable *permission.UnavailableError
			if errors.As(err, &unavailable) {
				m.logger.WithError(err).Warn("Permission check degraded")
				degradedResponse(w)
				return
			}
			forbiddenResponse(w)
		})
	}
}

func (m *AuthMiddleware) failedRequest(w http.ResponseWriter, r *http.Request, tenantID string, result *auth.Result, err error) {
	var limited *guest.RateLimitedError
	if errors.As(err, &limited) {
		if result != nil {
			writeBudgetHeaders(w, result.GuestBudget)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", limited.RetryAfter.Seconds()))
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded"}`))
		return
	}

	var unauthenticated *auth.UnauthenticatedError
	if errors.As(err, &unauthenticated) {
		unauthorizedResponse(w)
		return
	}

	m.logger.WithError(err).WithField("tenant_id", tenantID).Error("Authentication degraded")
	degradedResponse(w)
}

// bearerToken extracts the bearer token. An absent header is a guest
// request; a malformed one is a failure.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", true
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GetPrincipal extracts the authenticated principal, nil for guests.
func GetPrincipal(r *http.Request) *auth.Principal {
	principal, _ := r.Context().Value(contextkeys.PrincipalKey).(*auth.Principal)
	return principal
}

// GetGuestSession extracts the guest session, nil for authenticated requests.
func GetGuestSession(r *http.Request) *guest.Session {
	session, _ := r.Context().Value(contextkeys.GuestSessionKey).(*guest.Session)
	return session
}

func writeBudgetHeaders(w http.ResponseWriter, budget *guest.Budget) {
	if budget == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", budget.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", budget.Remaining))
	if budget.ResetAfter > 0 {
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(budget.ResetAfter).Unix()))
	}
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"authentication required"}`))
}

func forbiddenResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"error":"access denied"}`))
}

func degradedResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(`{"error":"service temporarily unavailable"}`))
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
