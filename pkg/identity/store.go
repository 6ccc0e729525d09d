package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Store persists identity mappings and user records in PostgreSQL.
type Store struct {
	db           *sql.DB
	logger       *observability.Logger
	queryTimeout time.Duration
	linkByEmail  bool
}

// NewStore creates an identity store backed by the given database handle.
func NewStore(db *sql.DB, cfg config.IdentityConfig, logger *observability.Logger) *Store {
	return &Store{
		db:           db,
		logger:       logger.WithField("component", "identity_store"),
		queryTimeout: cfg.QueryTimeout,
		linkByEmail:  cfg.LinkByVerifiedEmail,
	}
}

// Lookup returns the mapping for (realmID, externalSubject), or nil if no
// mapping exists yet.
func (s *Store) Lookup(ctx context.Context, realmID, externalSubject string) (*Mapping, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, created_at, last_login_at, disabled_at
		 FROM identity_mappings
		 WHERE realm_id = $1 AND external_subject = $2`,
		realmID, externalSubject)

	m, err := scanMapping(row, realmID, externalSubject)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up identity mapping: %w", err)
	}
	return m, nil
}

// Upsert resolves (realmID, externalSubject) to a mapping, creating the
// platform user and mapping row on first sight. The unique constraint on
// (realm_id, external_subject) arbitrates concurrent first logins: the
// losing writer discards its own user row and re-reads the winner's mapping.
// The returned bool reports whether this call created the mapping.
func (s *Store) Upsert(ctx context.Context, realmID, externalSubject string, profile Profile) (*Mapping, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT user_id, created_at, last_login_at, disabled_at
		 FROM identity_mappings
		 WHERE realm_id = $1 AND external_subject = $2`,
		realmID, externalSubject)

	existing, err := scanMapping(row, realmID, externalSubject)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to look up identity mapping: %w", err)
	}
	if existing != nil {
		if existing.DisabledAt != nil {
			return nil, false, &DisabledError{RealmID: realmID, ExternalSubject: externalSubject}
		}
		if err := tx.QueryRowContext(ctx,
			`UPDATE identity_mappings SET last_login_at = now()
			 WHERE realm_id = $1 AND external_subject = $2
			 RETURNING last_login_at`,
			realmID, externalSubject).Scan(&existing.LastLoginAt); err != nil {
			return nil, false, fmt.Errorf("failed to record login: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return existing, false, nil
	}

	userID, err := s.chooseUser(ctx, tx, realmID, externalSubject, profile)
	if err != nil {
		return nil, false, err
	}

	mapping := &Mapping{RealmID: realmID, ExternalSubject: externalSubject}
	var mappedUserID int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO identity_mappings (realm_id, external_subject, user_id, created_at, last_login_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (realm_id, external_subject) DO UPDATE SET last_login_at = now()
		 RETURNING user_id, created_at, last_login_at`,
		realmID, externalSubject, userID).Scan(&mappedUserID, &mapping.CreatedAt, &mapping.LastLoginAt); err != nil {
		return nil, false, fmt.Errorf("failed to upsert identity mapping: %w", err)
	}

	if mappedUserID != userID {
		// A concurrent first login won the constraint. Roll back our user row
		// and take the winner's mapping.
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			return nil, false, fmt.Errorf("failed to roll back transaction: %w", err)
		}
		winner, err := s.Lookup(ctx, realmID, externalSubject)
		if err != nil {
			return nil, false, err
		}
		if winner == nil {
			return nil, false, fmt.Errorf("identity mapping vanished after losing upsert race")
		}
		if winner.DisabledAt != nil {
			return nil, false, &DisabledError{RealmID: realmID, ExternalSubject: externalSubject}
		}
		return winner, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	mapping.UserID = mappedUserID
	return mapping, true, nil
}

// chooseUser picks the platform user for a first-seen subject: an existing
// user matched by verified email when that policy is on, a fresh user row
// otherwise. Two or more email matches is a conflict.
func (s *Store) chooseUser(ctx context.Context, tx *sql.Tx, realmID, externalSubject string, profile Profile) (int64, error) {
	if s.linkByEmail && profile.EmailVerified && profile.Email != "" {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM users WHERE lower(email) = lower($1)`, profile.Email)
		if err != nil {
			return 0, fmt.Errorf("failed to match users by email: %w", err)
		}
		defer rows.Close()

		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return 0, fmt.Errorf("failed to scan user id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("failed to match users by email: %w", err)
		}
		if len(ids) > 1 {
			return 0, &ConflictError{RealmID: realmID, ExternalSubject: externalSubject, Email: profile.Email}
		}
		if len(ids) == 1 {
			return ids[0], nil
		}
	}

	var userID int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO users (email, display_name, created_at, updated_at)
		 VALUES ($1, $2, now(), now())
		 RETURNING id`,
		profile.Email, profile.DisplayName).Scan(&userID); err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return userID, nil
}

// SyncProfile copies mutable claim attributes onto the user record.
func (s *Store) SyncProfile(ctx context.Context, userID int64, profile Profile) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = $1, display_name = $2, updated_at = now() WHERE id = $3`,
		profile.Email, profile.DisplayName, userID); err != nil {
		return fmt.Errorf("failed to sync user profile: %w", err)
	}
	return nil
}

// Disable soft-disables a mapping. The row stays for audit continuity.
func (s *Store) Disable(ctx context.Context, realmID, externalSubject string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`UPDATE identity_mappings SET disabled_at = now()
		 WHERE realm_id = $1 AND external_subject = $2 AND disabled_at IS NULL`,
		realmID, externalSubject)
	if err != nil {
		return fmt.Errorf("failed to disable identity mapping: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to disable identity mapping: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no active mapping for subject %s in realm %s", externalSubject, realmID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMapping(row rowScanner, realmID, externalSubject string) (*Mapping, error) {
	m := &Mapping{RealmID: realmID, ExternalSubject: externalSubject}
	var disabledAt sql.NullTime
	if err := row.Scan(&m.UserID, &m.CreatedAt, &m.LastLoginAt, &disabledAt); err != nil {
		return nil, err
	}
	if disabledAt.Valid {
		m.DisabledAt = &disabledAt.Time
	}
	return m, nil
}
