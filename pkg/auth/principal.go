package auth

import (
	"errors"
	"time"
)

// Principal is the resolved, authenticated identity for one request. It is
// created per successful authentication and never persisted.
type Principal struct {
	UserID          int64
	TenantID        string // empty for platform-scope actors
	ExternalSubject string
	DisplayName     string
	Email           string
	IssuedAt        time.Time
}

// ErrDenied is the generic authorization denial. It never says which
// permission was missing, so a probing caller cannot map the permission
// catalog.
var ErrDenied = errors.New("access denied")

// UnauthenticatedError is the uniform outward shape for every authentication
// failure. Its message never reveals whether the tenant or realm exists; the
// underlying cause is reachable via Unwrap for internal logging only.
type UnauthenticatedError struct {
	cause error
}

func (e *UnauthenticatedError) Error() string {
	return "authentication required"
}

func (e *UnauthenticatedError) Unwrap() error {
	return e.cause
}
