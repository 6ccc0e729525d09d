//go:build integration

package integration

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const schema = `
CREATE TABLE users (
	id           BIGSERIAL PRIMARY KEY,
	email        TEXT,
	display_name TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE identity_mappings (
	realm_id         TEXT        NOT NULL,
	external_subject TEXT        NOT NULL,
	user_id          BIGINT      NOT NULL REFERENCES users(id),
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_login_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	disabled_at      TIMESTAMPTZ,
	PRIMARY KEY (realm_id, external_subject)
);

CREATE TABLE permission_grants (
	id          BIGSERIAL PRIMARY KEY,
	user_id     BIGINT NOT NULL,
	tenant_id   TEXT,
	resource_id TEXT,
	code        TEXT   NOT NULL,
	granted_by  BIGINT NOT NULL,
	granted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at  TIMESTAMPTZ
);

CREATE TABLE role_assignments (
	id         BIGSERIAL PRIMARY KEY,
	user_id    BIGINT NOT NULL,
	role_id    BIGINT NOT NULL,
	tenant_id  TEXT,
	granted_by BIGINT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at TIMESTAMPTZ
);

CREATE TABLE role_permissions (
	role_id BIGINT NOT NULL,
	code    TEXT   NOT NULL,
	PRIMARY KEY (role_id, code)
);

CREATE TABLE realms (
	tenant_id     TEXT PRIMARY KEY,
	issuer_url    TEXT NOT NULL,
	client_id     TEXT NOT NULL DEFAULT '',
	client_secret TEXT NOT NULL DEFAULT '',
	token_url     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'active'
);
`

// setupPostgres starts a throwaway postgres container, applies the schema and
// returns a connected handle. The container and its volumes are removed on
// cleanup.
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker not available, skipping integration tests")
	}
	provider.Close()

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("gatehouse_test"),
		postgres.WithUsername("gatehouse"),
		postgres.WithPassword("gatehouse_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("Failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	_, err = db.Exec(schema)
	require.NoError(t, err, "Failed to apply schema")

	t.Cleanup(func() {
		db.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})
	return db
}
