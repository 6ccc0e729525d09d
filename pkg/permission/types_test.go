package permission

import "testing"

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern Pattern
		code    string
		scope   Scope
		want    bool
	}{
		{"exact match", Pattern{Code: "users:read"}, "users:read", Scope{Tenant: "acme"}, true},
		{"exact mismatch", Pattern{Code: "users:read"}, "users:update", Scope{Tenant: "acme"}, false},
		{"wildcard satisfies read", Pattern{Code: "users:*"}, "users:read", Scope{Tenant: "acme"}, true},
		{"wildcard satisfies update", Pattern{Code: "users:*"}, "users:update", Scope{Tenant: "acme"}, true},
		{"wildcard satisfies itself", Pattern{Code: "users:*"}, "users:*", Scope{Tenant: "acme"}, true},
		{"wildcard does not cross resource", Pattern{Code: "users:*"}, "orders:read", Scope{Tenant: "acme"}, false},
		{"full wildcard", Pattern{Code: "*"}, "anything:at-all", Scope{}, true},
		{"resource qualifier matches", Pattern{Code: "docs:read", Resource: "doc-1"}, "docs:read", Scope{Tenant: "acme", Resource: "doc-1"}, true},
		{"resource qualifier rejects other resource", Pattern{Code: "docs:read", Resource: "doc-1"}, "docs:read", Scope{Tenant: "acme", Resource: "doc-2"}, false},
		{"resource qualifier rejects unscoped check", Pattern{Code: "docs:read", Resource: "doc-1"}, "docs:read", Scope{Tenant: "acme"}, false},
		{"unqualified grant covers any resource", Pattern{Code: "docs:read"}, "docs:read", Scope{Tenant: "acme", Resource: "doc-9"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pattern.Matches(tt.code, tt.scope); got != tt.want {
				t.Errorf("Pattern %q matching %q: got %v, want %v", tt.pattern.Code, tt.code, got, tt.want)
			}
		})
	}
}

func TestMatchBest(t *testing.T) {
	patterns := []Pattern{
		{Code: "*"},
		{Code: "users:*"},
		{Code: "users:read"},
	}

	best, ok := MatchBest(patterns, "users:read", Scope{Tenant: "acme"})
	if !ok {
		t.Fatal("Expected a match")
	}
	if best.Code != "users:read" {
		t.Errorf("Expected the exact grant to win, got %q", best.Code)
	}

	best, ok = MatchBest(patterns, "users:update", Scope{Tenant: "acme"})
	if !ok {
		t.Fatal("Expected a match")
	}
	if best.Code != "users:*" {
		t.Errorf("Expected the longest prefix to win, got %q", best.Code)
	}

	if _, ok := MatchBest(patterns[1:], "orders:read", Scope{Tenant: "acme"}); ok {
		t.Error("Expected no match for orders:read")
	}
}
