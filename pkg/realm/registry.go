// Package realm resolves tenants to identity-provider realm configuration.
//
// The registry keeps immutable Config snapshots (definition + signing key
// set) in an in-process LRU. Expired snapshots are served stale while a
// single-flight background refresh runs; a failed refresh never evicts the
// previous snapshot, it only extends its effective staleness. Forced
// refreshes exist for key rotation: a token signed with an unknown kid
// triggers exactly one before the token is rejected.
package realm

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Registry resolves tenant IDs to realm Config snapshots
type Registry struct {
	source  Source
	fetcher KeySetFetcher

	snapshots *lru.Cache[string, *Config]
	group     singleflight.Group

	snapshotTTL    time.Duration
	refreshTimeout time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
	emitter audit.Emitter
}

// NewRegistry creates a realm registry
func NewRegistry(source Source, fetcher KeySetFetcher, cfg config.RealmConfig, logger *observability.Logger, metrics *observability.Metrics, emitter audit.Emitter) (*Registry, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NewTestMetrics()
	}
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}

	snapshots, err := lru.New[string, *Config](cfg.MaxSnapshots)
	if err != nil {
		return nil, err
	}

	return &Registry{
		source:         source,
		fetcher:        fetcher,
		snapshots:      snapshots,
		snapshotTTL:    cfg.SnapshotTTL,
		refreshTimeout: cfg.RefreshTimeout,
		logger:         logger,
		metrics:        metrics,
		emitter:        emitter,
	}, nil
}

// Resolve returns the realm Config for a tenant.
//
// A fresh snapshot is returned directly. An expired one is returned
// immediately while a background refresh runs (bounded staleness, no
// stampede: concurrent resolvers collapse into one upstream call). With no
// snapshot at all the caller waits for the single in-flight refresh and gets
// a *NotFoundError or *UnavailableError on failure.
func (r *Registry) Resolve(ctx context.Context, tenantID string) (*Config, error) {
	if snap, ok := r.snapshots.Get(tenantID); ok {
		if snap.Age() < r.snapshotTTL {
			return snap, nil
		}

		// Stale: serve it and refresh behind the caller's back.
		r.metrics.RealmStaleServesTotal.Inc()
		go func() {
			_, _, _ = r.group.Do(tenantID, func() (interface{}, error) {
				return r.refresh(tenantID)
			})
		}()
		return snap, nil
	}

	result, err, _ := r.group.Do(tenantID, func() (interface{}, error) {
		return r.refresh(tenantID)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Config), nil
}

// ForceRefresh discards snapshot freshness and fetches the current key set.
// Used by the token validator when a token carries an unknown key ID, so key
// rotation is picked up without waiting out the snapshot TTL. Concurrent
// forced refreshes for the same tenant collapse into one upstream call.
func (r *Registry) ForceRefresh(ctx context.Context, tenantID string) (*Config, error) {
	r.metrics.RealmForcedRefreshTotal.Inc()

	result, err, _ := r.group.Do(tenantID, func() (interface{}, error) {
		return r.refresh(tenantID)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Config), nil
}

// RefreshStale refreshes every cached snapshot older than the TTL. Called by
// the janitor so hot tenants rarely hit the stale-serve path at all. The
// caller's context bounds the whole sweep; a cancelled context stops it
// between tenants.
func (r *Registry) RefreshStale(ctx context.Context) {
	for _, tenantID := range r.snapshots.Keys() {
		if ctx.Err() != nil {
			r.logger.WithError(ctx.Err()).Warn("Realm refresh sweep stopped early")
			return
		}
		snap, ok := r.snapshots.Get(tenantID)
		if !ok || snap.Age() < r.snapshotTTL {
			continue
		}

		tenant := tenantID
		_, _, _ = r.group.Do(tenant, func() (interface{}, error) {
			return r.refresh(tenant)
		})
	}
}

// refresh performs one upstream lookup + key-set fetch for a tenant.
//
// Runs under the registry's own timeout rather than any single caller's
// context: the result is shared by every caller collapsed into this flight.
// On failure an existing snapshot is returned as-is (degraded mode); the
// error surfaces only when there is nothing cached to fall back on.
func (r *Registry) refresh(tenantID string) (*Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.refreshTimeout)
	defer cancel()

	def, err := r.source.Lookup(ctx, tenantID)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			r.metrics.RealmRefreshTotal.WithLabelValues("not_found").Inc()
			return nil, err
		}
		return r.degraded(tenantID, err)
	}

	if def.Status != StatusActive {
		r.metrics.RealmRefreshTotal.WithLabelValues("not_found").Inc()
		r.snapshots.Remove(tenantID)
		return nil, &NotFoundError{TenantID: tenantID}
	}

	keys, err := r.fetcher.Fetch(ctx, def)
	if err != nil {
		return r.degraded(tenantID, err)
	}

	snap := &Config{
		TenantID:  def.TenantID,
		IssuerURL: def.IssuerURL,
		ClientID:  def.ClientID,
		Status:    def.Status,
		Keys:      keys,
		FetchedAt: time.Now(),
	}

	r.snapshots.Add(tenantID, snap)
	r.metrics.RealmRefreshTotal.WithLabelValues("success").Inc()

	return snap, nil
}

// degraded handles a refresh failure: keep serving the old snapshot if one
// exists, otherwise report the realm as unavailable.
func (r *Registry) degraded(tenantID string, cause error) (*Config, error) {
	r.metrics.RealmRefreshTotal.WithLabelValues("error").Inc()
	r.logger.WithTenant(tenantID).WithError(cause).Warn("Realm refresh failed, serving degraded")
	r.emitter.Emit(context.Background(), audit.NewEvent(audit.EventTypeRealmRefreshFailed, audit.ReasonRealmUnavailable, tenantID))

	if snap, ok := r.snapshots.Get(tenantID); ok {
		return snap, nil
	}

	return nil, &UnavailableError{TenantID: tenantID, Err: cause}
}
