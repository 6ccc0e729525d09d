//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/permission"
)

func permissionConfig() config.PermissionConfig {
	return config.PermissionConfig{
		L1Size:           128,
		L1TTL:            time.Minute,
		L2TTL:            time.Minute,
		QueryTimeout:     5 * time.Second,
		PropagationBound: 2 * time.Second,
	}
}

func TestPermissionStore_GrantLifecycle(t *testing.T) {
	db := setupPostgres(t)
	store := permission.NewStore(db, nil, permissionConfig(), observability.NopLogger())
	ctx := context.Background()

	grant := &permission.Grant{
		UserID:    1,
		TenantID:  "acme",
		Code:      "billing:*",
		GrantedBy: 99,
	}
	require.NoError(t, store.CreateGrant(ctx, grant))
	require.NotZero(t, grant.ID)
	require.False(t, grant.GrantedAt.IsZero())

	allowed, err := store.Check(ctx, 1, "billing:refund", permission.Scope{Tenant: "acme"})
	require.NoError(t, err)
	assert.True(t, allowed, "Wildcard grant should cover billing:refund")

	allowed, err = store.Check(ctx, 1, "billing:refund", permission.Scope{Tenant: "globex"})
	require.NoError(t, err)
	assert.False(t, allowed, "A tenant grant must not leak into another tenant")

	allowed, err = store.Check(ctx, 2, "billing:refund", permission.Scope{Tenant: "acme"})
	require.NoError(t, err)
	assert.False(t, allowed, "Another user must not inherit the grant")

	require.NoError(t, store.RevokeGrant(ctx, grant.ID))

	allowed, err = store.Check(ctx, 1, "billing:refund", permission.Scope{Tenant: "acme"})
	require.NoError(t, err)
	assert.False(t, allowed, "Revoked grant must stop matching")

	assert.Error(t, store.RevokeGrant(ctx, grant.ID), "Double revocation is an error")
}

func TestPermissionStore_PlatformGrantSpansTenants(t *testing.T) {
	db := setupPostgres(t)
	store := permission.NewStore(db, nil, permissionConfig(), observability.NopLogger())
	ctx := context.Background()

	grant := &permission.Grant{UserID: 7, Code: "support:impersonate", GrantedBy: 99}
	require.NoError(t, store.CreateGrant(ctx, grant))

	for _, tenant := range []string{"acme", "globex", ""} {
		allowed, err := store.Check(ctx, 7, "support:impersonate", permission.Scope{Tenant: tenant})
		require.NoError(t, err)
		assert.True(t, allowed, "Platform grant should hold in tenant %q", tenant)
	}
}

func TestPermissionStore_RoleDerivation(t *testing.T) {
	db := setupPostgres(t)
	store := permission.NewStore(db, nil, permissionConfig(), observability.NopLogger())
	ctx := context.Background()

	const roleID = int64(10)
	require.NoError(t, store.UpdateRolePermissions(ctx, roleID, "acme", []string{"orders:read", "orders:ship"}))

	assignment := &permission.RoleAssignment{UserID: 3, RoleID: roleID, TenantID: "acme", GrantedBy: 99}
	require.NoError(t, store.AssignRole(ctx, assignment))

	allowed, err := store.Check(ctx, 3, "orders:ship", permission.Scope{Tenant: "acme"})
	require.NoError(t, err)
	assert.True(t, allowed, "Role-derived permission should allow")

	allowed, err = store.Check(ctx, 3, "orders:cancel", permission.Scope{Tenant: "acme"})
	require.NoError(t, err)
	assert.False(t, allowed)

	// Shrinking the role takes permissions away from every holder.
	require.NoError(t, store.UpdateRolePermissions(ctx, roleID, "acme", []string{"orders:read"}))
	allowed, err = store.Check(ctx, 3, "orders:ship", permission.Scope{Tenant: "acme"})
	require.NoError(t, err)
	assert.False(t, allowed, "Removed role permission should stop deriving")

	require.NoError(t, store.RevokeRole(ctx, assignment.ID))
	allowed, err = store.Check(ctx, 3, "orders:read", permission.Scope{Tenant: "acme"})
	require.NoError(t, err)
	assert.False(t, allowed, "Revoked assignment should stop deriving")
}

// TestPermissionCache_ConvergesAfterRevocation runs the full write path
// against postgres and the invalidation path through redis pub/sub, and
// asserts the cache converges to the store's answer within the propagation
// bound.
func TestPermissionCache_ConvergesAfterRevocation(t *testing.T) {
	db := setupPostgres(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := permissionConfig()
	logger := observability.NopLogger()
	metrics := observability.NewTestMetrics()

	invalidator := permission.NewInvalidator(client, logger)
	store := permission.NewStore(db, invalidator, cfg, logger)
	cache := permission.NewCache(store, client, cfg, logger, metrics)

	runCtx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	go cache.Run(runCtx)

	deadline := time.Now().Add(cfg.PropagationBound)
	for {
		n, err := client.PubSubNumSub(context.Background(), permission.InvalidationChannel).Result()
		require.NoError(t, err)
		if n[permission.InvalidationChannel] >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Cache never subscribed to the invalidation channel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx := context.Background()
	grant := &permission.Grant{UserID: 5, TenantID: "acme", Code: "docs:read", GrantedBy: 99}
	require.NoError(t, store.CreateGrant(ctx, grant))

	scope := permission.Scope{Tenant: "acme"}
	allowed, err := cache.Check(ctx, 5, "docs:read", scope)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, store.RevokeGrant(ctx, grant.ID))

	deadline = time.Now().Add(cfg.PropagationBound)
	for {
		allowed, err = cache.Check(ctx, 5, "docs:read", scope)
		require.NoError(t, err)
		if !allowed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Cache did not converge to the revocation within the propagation bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
