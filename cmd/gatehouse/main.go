package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/guest"
	"github.com/platinummonkey/gatehouse/pkg/identity"
	"github.com/platinummonkey/gatehouse/pkg/middleware"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/permission"
	"github.com/platinummonkey/gatehouse/pkg/realm"
	"github.com/platinummonkey/gatehouse/pkg/storage/postgres"
	"github.com/platinummonkey/gatehouse/pkg/token"
)

const tokenClockSkew = 30 * time.Second

var (
	refreshSchedule = flag.String("realm-refresh-schedule", "*/5 * * * *", "Cron schedule for the realm snapshot refresh sweep")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// HTTP middleware logs through logrus; the auth core uses the structured
	// logger above.
	httpLogger := logrus.New()
	httpLogger.SetFormatter(&logrus.JSONFormatter{})

	db, err := postgres.NewConnectionManager(cfg.Postgres, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to postgres")
		os.Exit(1)
	}
	defer db.Close()

	redisClient, err := postgres.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to redis")
		os.Exit(1)
	}
	defer redisClient.Close()

	emitter := audit.NewLogEmitter(logger)

	var source realm.Source
	if cfg.Realm.SeedFile != "" {
		fileSource, err := realm.NewFileSource(cfg.Realm.SeedFile, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to load realm seed file")
			os.Exit(1)
		}
		defer fileSource.Close()
		source = fileSource
	} else {
		source = realm.NewStoreSource(db.Replica())
	}

	realms, err := realm.NewRegistry(source, realm.NewOIDCFetcher(nil), cfg.Realm, logger, metrics, emitter)
	if err != nil {
		logger.WithError(err).Error("Failed to create realm registry")
		os.Exit(1)
	}

	validator := token.NewValidator(realms, tokenClockSkew)

	identityStore := identity.NewStore(db.Primary(), cfg.Identity, logger)
	identities := identity.NewResolver(identityStore, emitter, logger, metrics)

	invalidator := permission.NewInvalidator(redisClient, logger)
	permissionStore := permission.NewStore(db.Primary(), invalidator, cfg.Permission, logger)
	permissionCache := permission.NewCache(permissionStore, redisClient, cfg.Permission, logger, metrics)

	cacheCtx, stopCache := context.WithCancel(context.Background())
	go func() {
		if err := permissionCache.Run(cacheCtx); err != nil && cacheCtx.Err() == nil {
			logger.WithError(err).Error("Permission invalidation listener stopped")
		}
	}()

	guests := guest.NewManager(redisClient, cfg.Guest, emitter, logger, metrics)

	orchestrator := auth.NewOrchestrator(realms, validator, identities, permissionCache, guests, emitter, logger, metrics)

	authMW := middleware.NewAuthMiddleware(orchestrator, httpLogger)
	limiter := middleware.NewDistributedRateLimiter(redisClient, nil, "")
	rateLimitMW := middleware.NewRateLimitMiddleware(limiter, httpLogger)

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RequestID)
	api.Use(middleware.AccessLog(httpLogger))
	api.Use(authMW.Handler)
	api.Use(rateLimitMW.Handler)
	api.HandleFunc("/whoami", whoamiHandler).Methods("GET")
	api.Handle("/admin/realms/refresh",
		authMW.RequirePermission("admin:realms")(http.HandlerFunc(refreshHandler(realms)))).Methods("POST")

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Probes and metrics on a separate listener so they are never gated by
	// auth middleware.
	health := observability.NewHealthChecker(db.Primary(), redisClient)
	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc("/healthz", health.Liveness).Methods("GET")
	healthRouter.HandleFunc("/readyz", health.Readiness).Methods("GET")
	healthRouter.Handle("/metrics", observability.Handler(registry)).Methods("GET")
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthRouter,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(*refreshSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Realm.RefreshTimeout)
		defer cancel()
		realms.RefreshStale(ctx)
	}); err != nil {
		logger.WithError(err).Error("Failed to schedule realm refresh sweep")
		os.Exit(1)
	}
	scheduler.Start()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		stopCache()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		scheduler.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})

	go func() {
		logger.WithField("addr", server.Addr).Info("Gatehouse listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown incomplete")
		os.Exit(1)
	}
}

// whoamiHandler reports the caller's resolved identity, authenticated or
// guest.
func whoamiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if principal := middleware.GetPrincipal(r); principal != nil {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"kind":      "user",
			"user_id":   principal.UserID,
			"tenant_id": principal.TenantID,
			"subject":   principal.ExternalSubject,
		})
		return
	}
	if session := middleware.GetGuestSession(r); session != nil {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"kind":       "guest",
			"session_id": session.ID,
			"tenant_id":  session.TenantID,
			"expires_at": session.ExpiresAt,
		})
		return
	}
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
}

// refreshHandler forces a snapshot refresh for the caller's tenant.
func refreshHandler(realms *realm.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := middleware.GetPrincipal(r)
		if principal == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		cfg, err := realms.ForceRefresh(r.Context(), principal.TenantID)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"error": "refresh failed"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tenant_id":    cfg.TenantID,
			"refreshed_at": cfg.FetchedAt,
		})
	}
}
