package identity

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// MappingStore is the persistence surface the resolver needs.
type MappingStore interface {
	Upsert(ctx context.Context, realmID, externalSubject string, profile Profile) (*Mapping, bool, error)
	SyncProfile(ctx context.Context, userID int64, profile Profile) error
}

// Resolver maps (realm, external subject) pairs to platform user ids.
// Concurrent first logins for the same subject collapse in-process via
// singleflight; cross-process races are arbitrated by the store's unique
// constraint.
type Resolver struct {
	store   MappingStore
	emitter audit.Emitter
	logger  *observability.Logger
	metrics *observability.Metrics
	group   singleflight.Group

	syncTimeout time.Duration

	// invoked after a profile sync attempt finishes; tests only
	syncHook func()
}

// NewResolver creates an identity resolver.
func NewResolver(store MappingStore, emitter audit.Emitter, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		store:       store,
		emitter:     emitter,
		logger:      logger.WithField("component", "identity_resolver"),
		metrics:     metrics,
		syncTimeout: 5 * time.Second,
	}
}

// Resolve returns the platform user id for an external subject, creating the
// mapping on first sight. Profile attributes from the claims are synced onto
// the user record opportunistically; a sync failure is logged and never
// propagated.
func (r *Resolver) Resolve(ctx context.Context, realmID, externalSubject string, profile Profile) (int64, error) {
	start := time.Now()
	defer observability.ObserveDuration(r.metrics.IdentityResolveDuration, start)

	type result struct {
		mapping *Mapping
		created bool
	}

	v, err, _ := r.group.Do(realmID+"|"+externalSubject, func() (interface{}, error) {
		mapping, created, err := r.store.Upsert(ctx, realmID, externalSubject, profile)
		if err != nil {
			return nil, err
		}
		return result{mapping: mapping, created: created}, nil
	})
	if err != nil {
		if _, ok := err.(*ConflictError); ok {
			r.emitter.Emit(ctx, audit.NewEvent(audit.EventTypeIdentityConflict, audit.ReasonNone, realmID).
				WithSubject(externalSubject))
		}
		return 0, err
	}

	res := v.(result)
	if res.created {
		r.metrics.IdentityMappingsCreatedTotal.Inc()
		r.logger.WithTenant(realmID).WithField("user_id", res.mapping.UserID).Info("Created identity mapping")
		r.emitter.Emit(ctx, audit.NewEvent(audit.EventTypeIdentityMappingCreated, audit.ReasonNone, realmID).
			WithUser(res.mapping.UserID).
			WithSubject(externalSubject))
	}

	go r.syncProfile(res.mapping.UserID, profile)

	return res.mapping.UserID, nil
}

func (r *Resolver) syncProfile(userID int64, profile Profile) {
	ctx, cancel := context.WithTimeout(context.Background(), r.syncTimeout)
	defer cancel()

	if err := r.store.SyncProfile(ctx, userID, profile); err != nil {
		r.logger.WithError(err).WithField("user_id", userID).Warn("Profile sync failed")
	}
	if r.syncHook != nil {
		r.syncHook()
	}
}
