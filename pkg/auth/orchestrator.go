package auth

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/guest"
	"github.com/platinummonkey/gatehouse/pkg/identity"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/permission"
	"github.com/platinummonkey/gatehouse/pkg/realm"
	"github.com/platinummonkey/gatehouse/pkg/token"
)

// RealmResolver resolves tenant ids to realm snapshots.
type RealmResolver interface {
	Resolve(ctx context.Context, tenantID string) (*realm.Config, error)
}

// TokenValidator verifies bearer tokens against a realm snapshot.
type TokenValidator interface {
	ValidateWithRefresh(ctx context.Context, rawToken string, cfg *realm.Config) (*token.VerifiedClaims, error)
}

// IdentityResolver maps external subjects to platform user ids.
type IdentityResolver interface {
	Resolve(ctx context.Context, realmID, externalSubject string, profile identity.Profile) (int64, error)
}

// GuestManager issues and rate-limits sessions for callers without a token.
type GuestManager interface {
	GetOrCreate(ctx context.Context, fingerprint, tenantID string) (*guest.Session, error)
	CheckRateLimit(ctx context.Context, session *guest.Session) (*guest.Budget, error)
}

// Result is the outcome of request authentication: exactly one of Principal
// or Guest is set.
type Result struct {
	Principal   *Principal
	Guest       *guest.Session
	GuestBudget *guest.Budget
}

// Orchestrator wires the auth components together. All dependencies are
// constructed at startup and passed in; the orchestrator holds no mutable
// state of its own.
type Orchestrator struct {
	realms      RealmResolver
	validator   TokenValidator
	identities  IdentityResolver
	permissions permission.Checker
	guests      GuestManager
	emitter     audit.Emitter
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(
	realms RealmResolver,
	validator TokenValidator,
	identities IdentityResolver,
	permissions permission.Checker,
	guests GuestManager,
	emitter audit.Emitter,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	return &Orchestrator{
		realms:      realms,
		validator:   validator,
		identities:  identities,
		permissions: permissions,
		guests:      guests,
		emitter:     emitter,
		logger:      logger.WithField("component", "orchestrator"),
		metrics:     metrics,
	}
}

// Authenticate turns a bearer token into a Principal. Every failure comes
// back as *UnauthenticatedError with the same outward message, whether the
// tenant has no realm, the realm is unreachable, or the token is bad; the
// distinction lives in audit events and logs, not in the response.
func (o *Orchestrator) Authenticate(ctx context.Context, tenantID, bearer string) (*Principal, error) {
	start := time.Now()
	outcome := "failure"
	defer func() {
		o.metrics.AuthDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	cfg, err := o.realms.Resolve(ctx, tenantID)
	if err != nil {
		return nil, o.authFailure(ctx, tenantID, "", err)
	}

	claims, err := o.validator.ValidateWithRefresh(ctx, bearer, cfg)
	if err != nil {
		return nil, o.authFailure(ctx, tenantID, "", err)
	}

	userID, err := o.identities.Resolve(ctx, cfg.TenantID, claims.Subject, identity.Profile{
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		DisplayName:   claims.DisplayName,
	})
	if err != nil {
		var conflict *identity.ConflictError
		if errors.As(err, &conflict) {
			// Ambiguous linking is escalated as-is, never folded into the
			// uniform unauthenticated shape.
			o.metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
			return nil, err
		}
		return nil, o.authFailure(ctx, tenantID, claims.Subject, err)
	}

	principal := &Principal{
		UserID:          userID,
		TenantID:        tenantID,
		ExternalSubject: claims.Subject,
		DisplayName:     claims.DisplayName,
		Email:           claims.Email,
		IssuedAt:        time.Now().UTC(),
	}

	outcome = "success"
	o.metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	o.emitter.Emit(ctx, audit.NewEvent(audit.EventTypeAuthSuccess, audit.ReasonNone, tenantID).
		WithUser(userID).
		WithSubject(claims.Subject))
	return principal, nil
}

// AuthenticateRequest is Authenticate plus the guest fallback: an absent
// bearer yields a rate-limited guest session instead of a Principal. When the
// guest is over budget the error is *guest.RateLimitedError and the Result
// still carries the session and its budget for response headers.
func (o *Orchestrator) AuthenticateRequest(ctx context.Context, tenantID, bearer, fingerprint string) (*Result, error) {
	if bearer != "" {
		principal, err := o.Authenticate(ctx, tenantID, bearer)
		if err != nil {
			return nil, err
		}
		return &Result{Principal: principal}, nil
	}

	session, err := o.guests.GetOrCreate(ctx, fingerprint, tenantID)
	if err != nil {
		o.metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	o.metrics.AuthAttemptsTotal.WithLabelValues("guest").Inc()

	budget, err := o.guests.CheckRateLimit(ctx, session)
	result := &Result{Guest: session, GuestBudget: budget}
	if err != nil {
		var limited *guest.RateLimitedError
		if errors.As(err, &limited) {
			o.emitter.Emit(ctx, audit.NewEvent(audit.EventTypeAuthFailure, audit.ReasonRateLimited, tenantID).
				WithSubject(session.ID))
		}
		return result, err
	}
	return result, nil
}

// Authorize answers whether the principal holds the permission in the given
// scope. Denials are generic; an unreachable permission store fails closed
// and surfaces *permission.UnavailableError so callers can degrade instead
// of conflating it with a denial.
func (o *Orchestrator) Authorize(ctx context.Context, principal *Principal, code string, scope permission.Scope) error {
	start := time.Now()
	decision := "denied"
	defer func() {
		o.metrics.AuthzDuration.WithLabelValues(decision).Observe(time.Since(start).Seconds())
	}()

	if principal == nil {
		o.metrics.AuthzChecksTotal.WithLabelValues("denied").Inc()
		return ErrDenied
	}

	allowed, err := o.permissions.Check(ctx, principal.UserID, code, scope)
	if err != nil {
		decision = "unavailable"
		o.metrics.AuthzChecksTotal.WithLabelValues("unavailable").Inc()
		o.logger.WithError(err).WithTenant(scope.Tenant).WithField("user_id", principal.UserID).
			Error("Permission check unavailable")
		o.emitter.Emit(ctx, audit.NewEvent(audit.EventTypeAuthzUnavailable, audit.ReasonStoreUnavailable, scope.Tenant).
			WithUser(principal.UserID))
		return err
	}
	if !allowed {
		o.metrics.AuthzChecksTotal.WithLabelValues("denied").Inc()
		o.emitter.Emit(ctx, audit.NewEvent(audit.EventTypeAuthzDenied, audit.ReasonPermissionDenied, scope.Tenant).
			WithUser(principal.UserID))
		return ErrDenied
	}

	decision = "allowed"
	o.metrics.AuthzChecksTotal.WithLabelValues("allowed").Inc()
	return nil
}

func (o *Orchestrator) authFailure(ctx context.Context, tenantID, subject string, cause error) error {
	o.metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
	reason := failureReason(cause)
	o.logger.WithError(cause).WithTenant(tenantID).Debug("Authentication failed")
	o.emitter.Emit(ctx, audit.NewEvent(audit.EventTypeAuthFailure, reason, tenantID).WithSubject(subject))
	return &UnauthenticatedError{cause: cause}
}

func failureReason(err error) audit.ReasonCode {
	var notFound *realm.NotFoundError
	var unavailable *realm.UnavailableError
	var unknownKey *token.UnknownKeyError
	switch {
	case errors.As(err, &notFound):
		return audit.ReasonRealmNotFound
	case errors.As(err, &unavailable):
		return audit.ReasonRealmUnavailable
	case errors.As(err, &unknownKey):
		return audit.ReasonUnknownKey
	case token.IsExpired(err):
		return audit.ReasonTokenExpired
	default:
		return audit.ReasonTokenInvalid
	}
}
