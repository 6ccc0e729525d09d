package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

type fakePublisher struct {
	mu    sync.Mutex
	users []string
	roles []string
	err   error
}

func (f *fakePublisher) InvalidateUser(ctx context.Context, tenantID string, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, tenantID)
	return f.err
}

func (f *fakePublisher) InvalidateRole(ctx context.Context, tenantID string, roleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles = append(f.roles, tenantID)
	return f.err
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, *fakePublisher, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	publisher := &fakePublisher{}
	cfg := config.PermissionConfig{QueryTimeout: time.Second}
	store := NewStore(db, publisher, cfg, observability.NopLogger())
	return store, mock, publisher, func() { db.Close() }
}

func TestStore_EffectivePatterns(t *testing.T) {
	store, mock, _, cleanup := newTestStore(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"code", "resource_id"}).
		AddRow("billing:*", "").
		AddRow("users:read", "").
		AddRow("docs:read", "doc-1")
	mock.ExpectQuery("SELECT g.code").WithArgs(int64(1), "acme").WillReturnRows(rows)

	patterns, err := store.EffectivePatterns(context.Background(), 1, "acme")
	if err != nil {
		t.Fatalf("EffectivePatterns failed: %v", err)
	}
	if len(patterns) != 3 {
		t.Fatalf("Expected 3 patterns, got %d", len(patterns))
	}
	if patterns[0].Code != "billing:*" {
		t.Errorf("Unexpected first pattern: %+v", patterns[0])
	}
	if patterns[2].Resource != "doc-1" {
		t.Errorf("Expected resource qualifier on third pattern, got %+v", patterns[2])
	}
}

func TestStore_CheckAllowsAndDenies(t *testing.T) {
	store, mock, _, cleanup := newTestStore(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"code", "resource_id"}).AddRow("billing:*", "")
	mock.ExpectQuery("SELECT g.code").WithArgs(int64(1), "acme").WillReturnRows(rows)

	allowed, err := store.Check(context.Background(), 1, "billing:refund", Scope{Tenant: "acme"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !allowed {
		t.Error("Expected billing:* to allow billing:refund")
	}

	mock.ExpectQuery("SELECT g.code").WithArgs(int64(1), "other-tenant").
		WillReturnRows(sqlmock.NewRows([]string{"code", "resource_id"}))

	allowed, err = store.Check(context.Background(), 1, "billing:refund", Scope{Tenant: "other-tenant"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if allowed {
		t.Error("Expected a denial outside the granted tenant")
	}
}

func TestStore_CheckUnavailable(t *testing.T) {
	store, mock, _, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT g.code").WithArgs(int64(1), "acme").
		WillReturnError(errors.New("connection refused"))

	allowed, err := store.Check(context.Background(), 1, "billing:refund", Scope{Tenant: "acme"})
	if allowed {
		t.Error("An unavailable store must never allow")
	}
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Expected UnavailableError, got %v", err)
	}
}

func TestStore_CreateGrantPublishesInvalidation(t *testing.T) {
	store, mock, publisher, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("INSERT INTO permission_grants").
		WithArgs(int64(1), "acme", sqlmock.AnyArg(), "billing:*", int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "granted_at"}).AddRow(10, time.Now()))

	grant := &Grant{UserID: 1, TenantID: "acme", Code: "billing:*", GrantedBy: 99}
	if err := store.CreateGrant(context.Background(), grant); err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}
	if grant.ID != 10 {
		t.Errorf("Expected grant id 10, got %d", grant.ID)
	}
	if len(publisher.users) != 1 || publisher.users[0] != "acme" {
		t.Errorf("Expected one user invalidation for acme, got %v", publisher.users)
	}
}

func TestStore_RevokeGrant(t *testing.T) {
	store, mock, publisher, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("UPDATE permission_grants SET revoked_at").WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id"}).AddRow(1, "acme"))

	if err := store.RevokeGrant(context.Background(), 10); err != nil {
		t.Fatalf("RevokeGrant failed: %v", err)
	}
	if len(publisher.users) != 1 {
		t.Errorf("Expected one user invalidation, got %v", publisher.users)
	}
}

func TestStore_RevokeGrantAlreadyRevoked(t *testing.T) {
	store, mock, publisher, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("UPDATE permission_grants SET revoked_at").WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id"}))

	if err := store.RevokeGrant(context.Background(), 10); err == nil {
		t.Fatal("Expected an error revoking an already revoked grant")
	}
	if len(publisher.users) != 0 {
		t.Error("A failed revocation must not publish an invalidation")
	}
}

func TestStore_AssignAndRevokeRole(t *testing.T) {
	store, mock, publisher, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("INSERT INTO role_assignments").
		WithArgs(int64(1), int64(3), "acme", int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "granted_at"}).AddRow(20, time.Now()))
	mock.ExpectQuery("UPDATE role_assignments SET revoked_at").WithArgs(int64(20)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id"}).AddRow(1, "acme"))

	assignment := &RoleAssignment{UserID: 1, RoleID: 3, TenantID: "acme", GrantedBy: 99}
	if err := store.AssignRole(context.Background(), assignment); err != nil {
		t.Fatalf("AssignRole failed: %v", err)
	}
	if err := store.RevokeRole(context.Background(), assignment.ID); err != nil {
		t.Fatalf("RevokeRole failed: %v", err)
	}
	if len(publisher.users) != 2 {
		t.Errorf("Expected two user invalidations, got %v", publisher.users)
	}
}

func TestStore_UpdateRolePermissions(t *testing.T) {
	store, mock, publisher, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM role_permissions").WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO role_permissions").WithArgs(int64(3), "users:read").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO role_permissions").WithArgs(int64(3), "users:update").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := store.UpdateRolePermissions(context.Background(), 3, "acme", []string{"users:read", "users:update"})
	if err != nil {
		t.Fatalf("UpdateRolePermissions failed: %v", err)
	}
	if len(publisher.roles) != 1 || publisher.roles[0] != "acme" {
		t.Errorf("Expected one role invalidation for acme, got %v", publisher.roles)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
