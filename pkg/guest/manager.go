package guest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Manager issues and rate-limits guest sessions. All state lives in redis:
// the session record and the per-window request counter each carry their own
// TTL, so expiry needs no sweeper.
type Manager struct {
	client  *redis.Client
	cfg     config.GuestConfig
	emitter audit.Emitter
	logger  *observability.Logger
	metrics *observability.Metrics

	// test seams around the SETNX race window
	beforeSetNX    func()
	afterLostSetNX func()
}

// NewManager creates a guest session manager.
func NewManager(client *redis.Client, cfg config.GuestConfig, emitter audit.Emitter, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		client:  client,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.WithField("component", "guest_manager"),
		metrics: metrics,
	}
}

// GetOrCreate returns the live session for (fingerprint, tenant), minting one
// when none exists. Concurrent first requests race on SETNX; the loser reads
// the winner's session. A winner that expires between a lost SETNX and the
// re-read is retried once, then reported as an error.
func (m *Manager) GetOrCreate(ctx context.Context, fingerprint, tenantID string) (*Session, error) {
	key := sessionKey(tenantID, fingerprint)

	for attempt := 0; attempt < 2; attempt++ {
		if session, err := m.lookup(ctx, key); err != nil {
			return nil, err
		} else if session != nil {
			return session, nil
		}

		now := time.Now().UTC()
		session := &Session{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			Fingerprint: fingerprint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(m.cfg.SessionTTL),
		}
		payload, err := json.Marshal(session)
		if err != nil {
			return nil, fmt.Errorf("failed to encode guest session: %w", err)
		}

		if m.beforeSetNX != nil {
			m.beforeSetNX()
		}
		created, err := m.client.SetNX(ctx, key, payload, m.cfg.SessionTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to store guest session: %w", err)
		}
		if !created {
			if m.afterLostSetNX != nil {
				m.afterLostSetNX()
			}
			winner, err := m.lookup(ctx, key)
			if err != nil {
				return nil, err
			}
			if winner != nil {
				return winner, nil
			}
			// The winner expired between our SETNX and the re-read.
			continue
		}

		m.metrics.GuestSessionsCreatedTotal.Inc()
		m.logger.WithTenant(tenantID).WithField("session_id", session.ID).Debug("Issued guest session")
		m.emitter.Emit(ctx, audit.NewEvent(audit.EventTypeGuestIssued, audit.ReasonNone, tenantID).
			WithSubject(session.ID))
		return session, nil
	}
	return nil, fmt.Errorf("failed to settle guest session for tenant %s", tenantID)
}

// CheckRateLimit spends one unit of the session's window budget. Request N
// within the window is allowed, request N+1 comes back as *RateLimitedError,
// and the next window starts fresh. The returned Budget is valid either way.
func (m *Manager) CheckRateLimit(ctx context.Context, session *Session) (*Budget, error) {
	key := budgetKey(session.ID)

	count, err := m.client.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count guest request: %w", err)
	}
	if count == 1 {
		if err := m.client.Expire(ctx, key, m.cfg.WindowDuration).Err(); err != nil {
			return nil, fmt.Errorf("failed to start guest window: %w", err)
		}
	}

	budget := &Budget{
		Limit:      m.cfg.RequestBudget,
		Remaining:  m.cfg.RequestBudget - int(count),
		ResetAfter: m.windowReset(ctx, key),
	}
	if budget.Remaining < 0 {
		budget.Remaining = 0
	}

	if count > int64(m.cfg.RequestBudget) {
		m.metrics.GuestThrottledTotal.Inc()
		return budget, &RateLimitedError{SessionID: session.ID, RetryAfter: budget.ResetAfter}
	}
	return budget, nil
}

// Revoke drops a session and its counter ahead of TTL, e.g. on explicit
// logout.
func (m *Manager) Revoke(ctx context.Context, session *Session) error {
	if err := m.client.Del(ctx, sessionKey(session.TenantID, session.Fingerprint), budgetKey(session.ID)).Err(); err != nil {
		return fmt.Errorf("failed to revoke guest session: %w", err)
	}
	return nil
}

func (m *Manager) lookup(ctx context.Context, key string) (*Session, error) {
	raw, err := m.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read guest session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("failed to decode guest session: %w", err)
	}
	return &session, nil
}

func (m *Manager) windowReset(ctx context.Context, key string) time.Duration {
	ttl, err := m.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		return m.cfg.WindowDuration
	}
	return ttl
}

func sessionKey(tenantID, fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return fmt.Sprintf("gatehouse:guest:session:%s:%s", tenantID, hex.EncodeToString(sum[:16]))
}

func budgetKey(sessionID string) string {
	return fmt.Sprintf("gatehouse:guest:budget:%s", sessionID)
}
