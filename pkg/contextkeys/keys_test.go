package contextkeys

import (
	"context"
	"testing"
)

func TestTenantRoundTrip(t *testing.T) {
	ctx := WithTenant(context.Background(), "acme")
	if got := GetTenant(ctx); got != "acme" {
		t.Errorf("Expected acme, got %q", got)
	}
	if got := GetTenant(context.Background()); got != "" {
		t.Errorf("Expected empty tenant on a bare context, got %q", got)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("Expected req-1, got %q", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("Expected empty request id on a bare context, got %q", got)
	}
}

func TestPrincipalAndGuestKeysDoNotCollide(t *testing.T) {
	type principal struct{ id int64 }
	type session struct{ id string }

	ctx := WithPrincipal(context.Background(), &principal{id: 42})
	ctx = WithGuestSession(ctx, &session{id: "g-1"})

	p, ok := ctx.Value(PrincipalKey).(*principal)
	if !ok || p.id != 42 {
		t.Errorf("Expected principal 42, got %+v", ctx.Value(PrincipalKey))
	}
	s, ok := ctx.Value(GuestSessionKey).(*session)
	if !ok || s.id != "g-1" {
		t.Errorf("Expected guest session g-1, got %+v", ctx.Value(GuestSessionKey))
	}
}
