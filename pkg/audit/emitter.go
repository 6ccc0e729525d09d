// Package audit defines the audit event contract for the auth core.
//
// The core emits events for authentication outcomes, denied or unavailable
// authorization, identity mapping creation, and realm refresh failures.
// Persisting or forwarding those events is the job of whatever Emitter the
// caller wires in; the default implementation just writes them to the
// structured log.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Emitter receives audit events from the auth core
type Emitter interface {
	// Emit records an audit event. Implementations must not block the
	// calling request path for longer than a local buffer append; slow
	// sinks should buffer and flush asynchronously.
	Emit(ctx context.Context, event *Event)
}

// NewEvent constructs an event with ID and timestamp filled in
func NewEvent(eventType EventType, reason ReasonCode, tenantID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Reason:    reason,
		TenantID:  tenantID,
	}
}

// WithUser attaches a known platform user id
func (e *Event) WithUser(userID int64) *Event {
	e.UserID = &userID
	return e
}

// WithSubject attaches the external subject identifier
func (e *Event) WithSubject(subject string) *Event {
	e.Subject = subject
	return e
}

// WithRequest attaches request correlation fields
func (e *Event) WithRequest(requestID, remoteIP string) *Event {
	e.RequestID = requestID
	e.RemoteIP = remoteIP
	return e
}

// LogEmitter writes audit events to the structured log
type LogEmitter struct {
	logger *observability.Logger
}

// NewLogEmitter creates an emitter backed by the structured logger
func NewLogEmitter(logger *observability.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit writes the event as a structured log line
func (e *LogEmitter) Emit(ctx context.Context, event *Event) {
	fields := map[string]interface{}{
		"audit_id":   event.ID,
		"event_type": string(event.EventType),
		"tenant_id":  event.TenantID,
	}
	if event.Reason != ReasonNone {
		fields["reason"] = string(event.Reason)
	}
	if event.UserID != nil {
		fields["user_id"] = *event.UserID
	}
	if event.Subject != "" {
		fields["subject"] = event.Subject
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}

	e.logger.WithFields(fields).Info("audit event")
}

// NopEmitter discards all events (for tests and library embedding)
type NopEmitter struct{}

// Emit does nothing
func (NopEmitter) Emit(ctx context.Context, event *Event) {}
