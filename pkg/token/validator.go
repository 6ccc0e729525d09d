// Package token verifies bearer tokens against a resolved realm snapshot.
//
// Verification is purely local: signature against the realm's cached key set,
// plus expiry, issuer and audience checks. The output carries identity only.
// Any roles or permissions embedded in the token are discarded: the database
// is the sole source of truth for authorization, so a stale or tampered token
// can never grant elevated access.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/gatehouse/pkg/realm"
)

// VerifiedClaims is the identity extracted from a valid token.
// It deliberately has no role or permission fields.
type VerifiedClaims struct {
	Subject   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time

	// Profile attributes, used only for opportunistic identity sync.
	Email         string
	EmailVerified bool
	DisplayName   string
}

// InvalidError indicates a token that can never validate: bad signature,
// expired, wrong issuer or audience. Permanent for that token; no retry.
type InvalidError struct {
	Err error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid token: %v", e.Err)
}

// IsExpired reports whether a validation failure was an expiry, for callers
// that attach coarse reason codes without re-parsing the token.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}

func (e *InvalidError) Unwrap() error {
	return e.Err
}

// UnknownKeyError indicates the token's key ID is absent from the realm's
// cached key set. Recoverable once via a forced key-set refresh.
type UnknownKeyError struct {
	Kid string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("token signed with unknown key id %q", e.Kid)
}

// KeyRefresher forces a realm key-set refresh; satisfied by *realm.Registry
type KeyRefresher interface {
	ForceRefresh(ctx context.Context, tenantID string) (*realm.Config, error)
}

// Validator verifies tokens against realm snapshots
type Validator struct {
	refresher KeyRefresher
	clockSkew time.Duration
}

// NewValidator creates a token validator. The refresher handles key rotation;
// pass nil to disable forced refreshes (single-pass validation only).
func NewValidator(refresher KeyRefresher, clockSkew time.Duration) *Validator {
	return &Validator{
		refresher: refresher,
		clockSkew: clockSkew,
	}
}

// idClaims is the claim subset we read. Role/permission claims the provider
// may embed are intentionally not represented here.
type idClaims struct {
	jwt.RegisteredClaims
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

// Validate verifies a token against the given realm snapshot in one pass.
// Returns *UnknownKeyError when the key ID is not in the snapshot and
// *InvalidError for everything terminally wrong with the token.
func (v *Validator) Validate(ctx context.Context, rawToken string, cfg *realm.Config) (*VerifiedClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(cfg.IssuerURL),
		jwt.WithAudience(cfg.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.clockSkew),
	)

	claims := &idClaims{}
	_, err := parser.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no key id header")
		}

		key := cfg.Key(kid)
		if key == nil {
			return nil, &UnknownKeyError{Kid: kid}
		}

		return key, nil
	})

	if err != nil {
		var unknownKey *UnknownKeyError
		if errors.As(err, &unknownKey) {
			return nil, unknownKey
		}
		return nil, &InvalidError{Err: err}
	}

	if claims.Subject == "" {
		return nil, &InvalidError{Err: fmt.Errorf("token has no subject")}
	}

	verified := &VerifiedClaims{
		Subject:       claims.Subject,
		Issuer:        claims.Issuer,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		DisplayName:   claims.Name,
	}
	if verified.DisplayName == "" {
		verified.DisplayName = claims.PreferredUsername
	}
	if claims.IssuedAt != nil {
		verified.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		verified.ExpiresAt = claims.ExpiresAt.Time
	}

	return verified, nil
}

// ValidateWithRefresh verifies a token, handling key rotation: an unknown key
// ID triggers exactly one forced key-set refresh and one retry. A key the
// provider doesn't know either rejects as *InvalidError without looping.
func (v *Validator) ValidateWithRefresh(ctx context.Context, rawToken string, cfg *realm.Config) (*VerifiedClaims, error) {
	claims, err := v.Validate(ctx, rawToken, cfg)

	var unknownKey *UnknownKeyError
	if !errors.As(err, &unknownKey) {
		return claims, err
	}

	if v.refresher == nil {
		return nil, &InvalidError{Err: err}
	}

	refreshed, refreshErr := v.refresher.ForceRefresh(ctx, cfg.TenantID)
	if refreshErr != nil {
		return nil, &InvalidError{Err: fmt.Errorf("key-set refresh after unknown key: %w", refreshErr)}
	}

	claims, err = v.Validate(ctx, rawToken, refreshed)
	if errors.As(err, &unknownKey) {
		// Still unknown after a fresh key set: the token is garbage.
		return nil, &InvalidError{Err: err}
	}

	return claims, err
}
