package realm

import (
	"crypto/rsa"
	"fmt"
	"time"
)

// Status represents whether a realm accepts logins
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Definition is the stored description of a tenant's identity-provider realm.
// Definitions live in the system of record (database or seed file); the
// registry turns them into resolved Config snapshots.
type Definition struct {
	TenantID     string `json:"tenant_id"`
	IssuerURL    string `json:"issuer_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"` // Never expose secret in JSON
	Status       Status `json:"status"`

	// TokenURL, if set, is used with client credentials to authenticate
	// key-set fetches against providers that gate their JWKS endpoint.
	TokenURL string `json:"token_url,omitempty"`
}

// Config is an immutable, resolved realm snapshot: the definition plus the
// provider's current signing key set. A snapshot is replaced wholesale on
// refresh and must never be mutated in place, so concurrent readers can never
// observe a half-updated key set.
type Config struct {
	TenantID  string
	IssuerURL string
	ClientID  string
	Status    Status

	// Keys maps key ID (kid) to the provider's RSA public key.
	Keys map[string]*rsa.PublicKey

	// FetchedAt is when this snapshot's key set was retrieved.
	FetchedAt time.Time
}

// Key returns the public key for a kid, or nil if the snapshot doesn't have it
func (c *Config) Key(kid string) *rsa.PublicKey {
	return c.Keys[kid]
}

// Age returns how long ago the snapshot was fetched
func (c *Config) Age() time.Duration {
	return time.Since(c.FetchedAt)
}

// NotFoundError indicates no active realm is configured for a tenant.
// This is a permanent configuration error, not a transient failure.
type NotFoundError struct {
	TenantID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no active realm configured for tenant %q", e.TenantID)
}

// UnavailableError indicates the upstream identity provider could not be
// reached and no cached snapshot exists to serve instead.
type UnavailableError struct {
	TenantID string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("realm for tenant %q unavailable: %v", e.TenantID, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
