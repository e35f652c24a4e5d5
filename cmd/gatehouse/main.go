package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gatehouse-io/gatehouse/pkg/accounts"
	"github.com/gatehouse-io/gatehouse/pkg/audit"
	"github.com/gatehouse-io/gatehouse/pkg/config"
	"github.com/gatehouse-io/gatehouse/pkg/directory"
	"github.com/gatehouse-io/gatehouse/pkg/entitlements"
	"github.com/gatehouse-io/gatehouse/pkg/httputil"
	"github.com/gatehouse-io/gatehouse/pkg/observability"
	"github.com/gatehouse-io/gatehouse/pkg/session"
	"github.com/gatehouse-io/gatehouse/pkg/sso"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithFields(map[string]interface{}{
		"mode": cfg.App.PlatformMode,
		"port": cfg.Server.Port,
	}).Info("Starting gatehouse")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx := context.Background()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store := directory.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure directory schema: %w", err)
	}
	if _, err := store.EnsureRole(ctx, directory.RoleOwner, []string{"*"}); err != nil {
		return err
	}
	if _, err := store.EnsureRole(ctx, "member", []string{"workspace:read"}); err != nil {
		return err
	}

	if err := checkStartupInvariants(ctx, cfg, store, logger); err != nil {
		return err
	}

	resolver, err := entitlements.NewPostgresResolver(db)
	if err != nil {
		return err
	}
	if err := resolver.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure entitlement schema: %w", err)
	}

	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(nil)

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}

	sessionStore, sweeper, redisClient, err := buildSessionStore(cfg, logger)
	if err != nil {
		return err
	}
	if sweeper != nil {
		sweeper.Start()
		defer sweeper.Stop()
	}

	issuer := session.NewTokenIssuer(cfg.Session.Secret, cfg.Session.AccessTTL, cfg.Session.RefreshTTL)
	establisher := session.NewEstablisher(sessionStore, issuer, logger, session.EstablisherConfig{
		SessionTTL:    cfg.Session.TTL,
		SecureCookies: cfg.Session.CookieSecure,
	})

	reconciler := sso.NewReconciler(
		sso.NewStoreDirectory(store),
		accounts.NewRegistrar(),
		resolver,
		auditLog,
		logger,
		metrics,
		cfg.App.PlatformMode,
	)

	registry := sso.NewRegistry()
	auth0 := sso.NewAuth0Provider(cfg.App.BaseURL, cfg.App.AppURL, reconciler, establisher, auditLog, logger, metrics)
	if cfg.SSO.Auth0Domain != "" {
		auth0.SetConfig(&sso.Config{
			Domain:       cfg.SSO.Auth0Domain,
			ClientID:     cfg.SSO.Auth0ClientID,
			ClientSecret: cfg.SSO.Auth0ClientSecret,
		})
	}
	registry.Register(auth0)

	oidcProvider := sso.NewOIDCProvider(cfg.App.BaseURL, cfg.App.AppURL, reconciler, establisher, auditLog, logger, metrics)
	if cfg.SSO.OIDCIssuerURL != "" {
		oidcProvider.SetConfig(&sso.Config{
			Domain:       cfg.SSO.OIDCIssuerURL,
			ClientID:     cfg.SSO.OIDCClientID,
			ClientSecret: cfg.SSO.OIDCClientSecret,
		})
	}
	registry.Register(oidcProvider)

	router := mux.NewRouter()
	registry.InitializeAll(router)
	sso.NewAdminHandler(registry, logger).RegisterRoutes(router)

	var handler http.Handler = router
	if cfg.Observability.MetricsEnabled {
		handler = metrics.Middleware(handler)
	}
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "gatehouse")
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := buildHealthServer(cfg, db, metrics)

	sm := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, logger)
	})
	if redisClient != nil {
		sm.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}

	g := &errgroup.Group{}
	g.Go(func() error {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(sm.WaitForShutdown)

	return g.Wait()
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// checkStartupInvariants enforces mode-level preconditions before serving.
// Open-source deployments require exactly one organization; zero is
// bootstrapped here so the gap is never discovered at login time.
func checkStartupInvariants(ctx context.Context, cfg *config.Config, store *directory.Store, logger *observability.Logger) error {
	if cfg.App.PlatformMode != directory.ModeOpenSource {
		return nil
	}

	count, err := store.CountOrganizations(ctx)
	if err != nil {
		return err
	}
	switch {
	case count > 1:
		return fmt.Errorf("open-source mode requires exactly one organization, found %d", count)
	case count == 1:
		return nil
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	org := &directory.Organization{Name: "Default Organization"}
	if err := tx.CreateOrganization(ctx, org); err != nil {
		return err
	}
	if err := tx.CreateWorkspace(ctx, &directory.Workspace{
		OrganizationID: org.ID,
		Name:           "Default Workspace",
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.WithField("organization_id", org.ID).Info("Bootstrapped default organization and workspace")
	return nil
}

func buildSessionStore(cfg *config.Config, logger *observability.Logger) (session.Store, *session.Sweeper, *redis.Client, error) {
	if cfg.Redis.URL == "" {
		logger.Info("No Redis configured, using in-memory session store")
		store := session.NewMemoryStore()
		sweeper, err := session.NewSweeper(store, logger, "@every 5m")
		if err != nil {
			return nil, nil, nil, err
		}
		return store, sweeper, nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("Using Redis session store")
	return session.NewRedisStore(client), nil, client, nil
}

func buildHealthServer(cfg *config.Config, db *sql.DB, metrics *observability.Metrics) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteSuccess(w, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		httputil.WriteSuccess(w, map[string]string{"status": "ready"})
	}).Methods(http.MethodGet)
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	return &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}
