package identity

import (
	"fmt"
	"time"
)

// Mapping ties an identity provider subject to a platform user. Mapping rows
// are append-only: a misbehaving subject is soft-disabled via DisabledAt,
// never deleted, so audit history keeps resolving.
type Mapping struct {
	UserID          int64
	RealmID         string
	ExternalSubject string
	CreatedAt       time.Time
	LastLoginAt     time.Time
	DisabledAt      *time.Time
}

// Profile carries the mutable attributes synced from token claims onto the
// platform user record. Sync is best-effort and never blocks resolution.
type Profile struct {
	Email         string
	EmailVerified bool
	DisplayName   string
}

// ConflictError indicates ambiguous subject-to-user linking: more than one
// existing user matched the linking policy. It is escalated to an operator,
// never auto-resolved.
type ConflictError struct {
	RealmID         string
	ExternalSubject string
	Email           string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity conflict for subject %s in realm %s: multiple users match email %s",
		e.ExternalSubject, e.RealmID, e.Email)
}

// DisabledError indicates the mapping exists but has been soft-disabled.
type DisabledError struct {
	RealmID         string
	ExternalSubject string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("identity mapping for subject %s in realm %s is disabled", e.ExternalSubject, e.RealmID)
}
