package audit

import (
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeAuthSuccess EventType = "auth.success"
	EventTypeAuthFailure EventType = "auth.failure"
	EventTypeGuestIssued EventType = "auth.guest_issued"

	// Authorization events
	EventTypeAuthzDenied      EventType = "authz.denied"
	EventTypeAuthzUnavailable EventType = "authz.unavailable"

	// Identity events
	EventTypeIdentityMappingCreated EventType = "identity.mapping_created"
	EventTypeIdentityConflict       EventType = "identity.conflict"

	// Realm events
	EventTypeRealmRefreshFailed EventType = "realm.refresh_failed"
)

// ReasonCode is a coarse machine-readable explanation attached to an event.
// Fine-grained details stay in server logs; reason codes are safe to ship to
// external audit sinks without leaking token contents or the permission
// catalog.
type ReasonCode string

const (
	ReasonTokenInvalid    ReasonCode = "token_invalid"
	ReasonTokenExpired    ReasonCode = "token_expired"
	ReasonUnknownKey      ReasonCode = "unknown_key"
	ReasonRealmNotFound   ReasonCode = "realm_not_found"
	ReasonRealmUnavailable ReasonCode = "realm_unavailable"
	ReasonPermissionDenied ReasonCode = "permission_denied"
	ReasonScopeMismatch    ReasonCode = "scope_mismatch"
	ReasonStoreUnavailable ReasonCode = "store_unavailable"
	ReasonRateLimited      ReasonCode = "rate_limited"
	ReasonNone             ReasonCode = ""
)

// Event represents a single audit event emitted by the auth core.
// Storage of events is a collaborator concern; the core only emits them.
type Event struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	EventType EventType  `json:"event_type"`
	Reason    ReasonCode `json:"reason,omitempty"`

	TenantID string `json:"tenant_id,omitempty"`
	UserID   *int64 `json:"user_id,omitempty"`
	Subject  string `json:"subject,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	RemoteIP  string `json:"remote_ip,omitempty"`
}
