package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the auth core
type Metrics struct {
	// Authentication metrics
	AuthAttemptsTotal *prometheus.CounterVec
	AuthDuration      *prometheus.HistogramVec

	// Authorization metrics
	AuthzChecksTotal *prometheus.CounterVec
	AuthzDuration    *prometheus.HistogramVec

	// Permission cache metrics
	PermCacheHitsTotal       *prometheus.CounterVec
	PermCacheMissesTotal     *prometheus.CounterVec
	PermCacheStaleEpochTotal prometheus.Counter
	PermCacheLoadDuration    prometheus.Histogram

	// Realm registry metrics
	RealmRefreshTotal      *prometheus.CounterVec
	RealmForcedRefreshTotal prometheus.Counter
	RealmStaleServesTotal  prometheus.Counter

	// Identity metrics
	IdentityMappingsCreatedTotal prometheus.Counter
	IdentityResolveDuration      prometheus.Histogram

	// Guest session metrics
	GuestSessionsCreatedTotal prometheus.Counter
	GuestThrottledTotal       prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_auth_attempts_total",
				Help: "Total authentication attempts by outcome",
			},
			[]string{"outcome"},
		),
		AuthDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_auth_duration_seconds",
				Help:    "Authentication duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		AuthzChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_authz_checks_total",
				Help: "Total authorization checks by decision",
			},
			[]string{"decision"},
		),
		AuthzDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_authz_duration_seconds",
				Help:    "Authorization check duration in seconds",
				Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"decision"},
		),
		PermCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_perm_cache_hits_total",
				Help: "Permission cache hits by level",
			},
			[]string{"level"},
		),
		PermCacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_perm_cache_misses_total",
				Help: "Permission cache misses by level",
			},
			[]string{"level"},
		),
		PermCacheStaleEpochTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_perm_cache_stale_epoch_total",
				Help: "Cache entries rejected due to a stale invalidation epoch",
			},
		),
		PermCacheLoadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatehouse_perm_cache_load_duration_seconds",
				Help:    "Duration of permission loads from the store on cache miss",
				Buckets: prometheus.DefBuckets,
			},
		),
		RealmRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_realm_refresh_total",
				Help: "Realm key-set refresh attempts by status",
			},
			[]string{"status"},
		),
		RealmForcedRefreshTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_realm_forced_refresh_total",
				Help: "Forced key-set refreshes triggered by unknown key IDs",
			},
		),
		RealmStaleServesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_realm_stale_serves_total",
				Help: "Realm config reads served from a stale snapshot",
			},
		),
		IdentityMappingsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_identity_mappings_created_total",
				Help: "Identity mappings created for previously unseen subjects",
			},
		),
		IdentityResolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatehouse_identity_resolve_duration_seconds",
				Help:    "Identity resolution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		GuestSessionsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_guest_sessions_created_total",
				Help: "Guest sessions created",
			},
		),
		GuestThrottledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_guest_throttled_total",
				Help: "Guest requests rejected for exceeding the window budget",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.AuthAttemptsTotal,
			m.AuthDuration,
			m.AuthzChecksTotal,
			m.AuthzDuration,
			m.PermCacheHitsTotal,
			m.PermCacheMissesTotal,
			m.PermCacheStaleEpochTotal,
			m.PermCacheLoadDuration,
			m.RealmRefreshTotal,
			m.RealmForcedRefreshTotal,
			m.RealmStaleServesTotal,
			m.IdentityMappingsCreatedTotal,
			m.IdentityResolveDuration,
			m.GuestSessionsCreatedTotal,
			m.GuestThrottledTotal,
		)
	}

	return m
}

// NewTestMetrics creates metrics with a private registry (for tests)
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// Handler returns an HTTP handler exposing the given registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveDuration records elapsed time since start into a histogram
func ObserveDuration(h prometheus.Histogram, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
