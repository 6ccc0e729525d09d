package permission

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// InvalidationPublisher is notified after every successful write so caches
// platform-wide can advance their epochs. Writes succeed even if publishing
// fails; the cache TTL is the safety net for a lost notice.
type InvalidationPublisher interface {
	InvalidateUser(ctx context.Context, tenantID string, userID int64) error
	InvalidateRole(ctx context.Context, tenantID string, roleID int64) error
}

// Store is the database-backed source of truth for role assignments and
// permission grants. Every answer the cache gives must be reconstructable
// from here.
type Store struct {
	db           *sql.DB
	publisher    InvalidationPublisher
	logger       *observability.Logger
	queryTimeout time.Duration
}

// NewStore creates a permission store. The publisher may be nil for callers
// that only read.
func NewStore(db *sql.DB, publisher InvalidationPublisher, cfg config.PermissionConfig, logger *observability.Logger) *Store {
	return &Store{
		db:           db,
		publisher:    publisher,
		logger:       logger.WithField("component", "permission_store"),
		queryTimeout: cfg.QueryTimeout,
	}
}

// EffectivePatterns loads every active grant pattern for the user visible in
// the given tenant: direct grants plus role-derived grants, both tenant-scoped
// and platform-scoped. Revoked rows never contribute.
func (s *Store) EffectivePatterns(ctx context.Context, userID int64, tenantID string) ([]Pattern, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT g.code, COALESCE(g.resource_id, '')
		 FROM permission_grants g
		 WHERE g.user_id = $1 AND g.revoked_at IS NULL
		   AND (g.tenant_id = $2 OR g.tenant_id IS NULL)
		 UNION
		 SELECT rp.code, ''
		 FROM role_assignments ra
		 JOIN role_permissions rp ON rp.role_id = ra.role_id
		 WHERE ra.user_id = $1 AND ra.revoked_at IS NULL
		   AND (ra.tenant_id = $2 OR ra.tenant_id IS NULL)`,
		userID, nullableTenant(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to load effective permissions: %w", err)
	}
	defer rows.Close()

	var patterns []Pattern
	for rows.Next() {
		var p Pattern
		if err := rows.Scan(&p.Code, &p.Resource); err != nil {
			return nil, fmt.Errorf("failed to scan permission pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load effective permissions: %w", err)
	}
	return patterns, nil
}

// Check answers a permission question directly against the database,
// bypassing every cache level. The cache's answers must agree with this
// modulo the documented propagation delay.
func (s *Store) Check(ctx context.Context, userID int64, code string, scope Scope) (bool, error) {
	patterns, err := s.EffectivePatterns(ctx, userID, scope.Tenant)
	if err != nil {
		return false, &UnavailableError{Err: err}
	}
	_, ok := MatchBest(patterns, code, scope)
	return ok, nil
}

// CreateGrant records a direct grant and invalidates the affected user.
func (s *Store) CreateGrant(ctx context.Context, grant *Grant) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.db.QueryRowContext(ctx,
		`INSERT INTO permission_grants (user_id, tenant_id, resource_id, code, granted_by, granted_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 RETURNING id, granted_at`,
		grant.UserID, nullableTenant(grant.TenantID), nullableString(grant.ResourceID),
		grant.Code, grant.GrantedBy).Scan(&grant.ID, &grant.GrantedAt); err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}

	s.publishUser(ctx, grant.TenantID, grant.UserID)
	return nil
}

// RevokeGrant soft-revokes a grant. Revoking an already revoked or unknown
// grant is an error.
func (s *Store) RevokeGrant(ctx context.Context, grantID int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var userID int64
	var tenantID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`UPDATE permission_grants SET revoked_at = now()
		 WHERE id = $1 AND revoked_at IS NULL
		 RETURNING user_id, tenant_id`,
		grantID).Scan(&userID, &tenantID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no active grant with id %d", grantID)
	}
	if err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}

	s.publishUser(ctx, tenantID.String, userID)
	return nil
}

// AssignRole records a role assignment and invalidates the affected user.
func (s *Store) AssignRole(ctx context.Context, assignment *RoleAssignment) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.db.QueryRowContext(ctx,
		`INSERT INTO role_assignments (user_id, role_id, tenant_id, granted_by, granted_at)
		 VALUES ($1, $2, $3, $4, now())
		 RETURNING id, granted_at`,
		assignment.UserID, assignment.RoleID, nullableTenant(assignment.TenantID),
		assignment.GrantedBy).Scan(&assignment.ID, &assignment.GrantedAt); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}

	s.publishUser(ctx, assignment.TenantID, assignment.UserID)
	return nil
}

// RevokeRole soft-revokes a role assignment and invalidates the affected user.
func (s *Store) RevokeRole(ctx context.Context, assignmentID int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var userID int64
	var tenantID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`UPDATE role_assignments SET revoked_at = now()
		 WHERE id = $1 AND revoked_at IS NULL
		 RETURNING user_id, tenant_id`,
		assignmentID).Scan(&userID, &tenantID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no active role assignment with id %d", assignmentID)
	}
	if err != nil {
		return fmt.Errorf("failed to revoke role assignment: %w", err)
	}

	s.publishUser(ctx, tenantID.String, userID)
	return nil
}

// UpdateRolePermissions replaces the permission codes a role carries and
// invalidates every holder at once via the role's tenant epoch.
func (s *Store) UpdateRolePermissions(ctx context.Context, roleID int64, tenantID string, codes []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear role permissions: %w", err)
	}
	for _, code := range codes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, code) VALUES ($1, $2)`, roleID, code); err != nil {
			return fmt.Errorf("failed to add role permission %s: %w", code, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.InvalidateRole(ctx, tenantID, roleID); err != nil {
			s.logger.WithError(err).WithField("role_id", roleID).Warn("Failed to publish role invalidation")
		}
	}
	return nil
}

func (s *Store) publishUser(ctx context.Context, tenantID string, userID int64) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.InvalidateUser(ctx, tenantID, userID); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("Failed to publish user invalidation")
	}
}

func nullableTenant(tenantID string) sql.NullString {
	return nullableString(tenantID)
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
