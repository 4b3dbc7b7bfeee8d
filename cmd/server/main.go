package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/latticehq/tenantgate/internal/config"
	"github.com/latticehq/tenantgate/internal/database"
	"github.com/latticehq/tenantgate/internal/gateway"
	"github.com/latticehq/tenantgate/internal/platform"
	"github.com/latticehq/tenantgate/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	slog.Info("Connecting to platform database")
	pool, err := database.NewPlatformPool(ctx, cfg.DatabaseURL, cfg.MaxConnections)
	if err != nil {
		log.Fatalf("Failed to connect to platform database: %v", err)
	}
	slog.Info("Connected to platform database")

	slog.Info("Running platform migrations")
	if err := database.RunMigrations(ctx, pool, platformMigrations()); err != nil {
		log.Fatalf("Failed to run platform migrations: %v", err)
	}
	slog.Info("Platform migrations complete")

	store := database.NewStore(pool, time.Duration(cfg.ProjectCacheTTLSeconds)*time.Second)

	lookupTimeout := time.Duration(cfg.LookupTimeoutSeconds) * time.Second
	resolver := gateway.NewResolver(store, cfg.SessionSigningSecret, cfg.LatticeAdminToken, lookupTimeout)
	guard := gateway.NewGuard(store, store, lookupTimeout)
	registry := gateway.NewRegistry(store, lookupTimeout)
	filter := gateway.NewTextualFilter()
	executor := database.NewExecutor(pool)
	auditService := platform.NewAuditService(pool)

	tracker := gateway.NewTracker(store, gateway.Budget{
		RequestsPerMinute: cfg.RequestsPerMinute,
		EgressBytesPerDay: cfg.EgressBytesPerDay,
	}, time.Duration(cfg.UsageFlushSeconds)*time.Second)
	tracker.Start()

	var exporter *gateway.Exporter
	if cfg.UsageExportEnabled() {
		exporter, err = gateway.NewExporter(ctx, store, gateway.ExporterConfig{
			Endpoint:  cfg.UsageExportEndpoint,
			Region:    cfg.UsageExportRegion,
			Bucket:    cfg.UsageExportBucket,
			AccessKey: cfg.UsageExportAccessKey,
			SecretKey: cfg.UsageExportSecretKey,
		})
		if err != nil {
			log.Fatalf("Failed to configure usage exporter: %v", err)
		}
		exporter.Start()
		slog.Info("Usage exporter enabled", "bucket", cfg.UsageExportBucket)
	}

	srv := server.New(resolver, guard, registry, filter, tracker, executor, auditService, pool, cfg.QueryMaxConcurrent)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("Shutting down")
		if exporter != nil {
			exporter.Stop()
		}
		tracker.Stop()

		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutCtx)
		pool.Close()
	}()

	slog.Info("Gateway listening", "host", cfg.Host, "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

func platformMigrations() []database.Migration {
	return []database.Migration{
		{
			Name: "001_platform_tables.sql",
			SQL: `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    email TEXT NOT NULL UNIQUE,
    is_admin BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS organizations (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    owner_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS projects (
    id BIGSERIAL PRIMARY KEY,
    org_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    slug TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'active'
        CHECK (status IN ('active','suspended','deleted')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS project_users (
    project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    role TEXT NOT NULL DEFAULT 'member',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (project_id, user_id)
);
`,
		},
		{
			Name: "002_api_keys.sql",
			SQL: `
CREATE TABLE IF NOT EXISTS api_keys (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    key_hash TEXT NOT NULL UNIQUE,
    key_type TEXT NOT NULL DEFAULT 'anon'
        CHECK (key_type IN ('anon','service_role')),
    active BOOLEAN NOT NULL DEFAULT TRUE,
    last_used_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_api_keys_project ON api_keys(project_id);
`,
		},
		{
			Name: "003_table_registry.sql",
			SQL: `
CREATE TABLE IF NOT EXISTS table_registry (
    table_name TEXT PRIMARY KEY,
    project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_table_registry_project ON table_registry(project_id);
`,
		},
		{
			Name: "004_usage_counters.sql",
			SQL: `
CREATE TABLE IF NOT EXISTS usage_counters (
    project_id BIGINT NOT NULL,
    api_key_prefix TEXT NOT NULL DEFAULT '',
    metric_type TEXT NOT NULL,
    period_start TIMESTAMPTZ NOT NULL,
    value BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (project_id, api_key_prefix, metric_type, period_start)
);

CREATE INDEX IF NOT EXISTS idx_usage_counters_period ON usage_counters(period_start);
`,
		},
		{
			Name: "005_security_audit_log.sql",
			SQL: `
CREATE TABLE IF NOT EXISTS security_audit_log (
    id BIGSERIAL PRIMARY KEY,
    request_id TEXT NOT NULL,
    user_id UUID,
    project_id BIGINT,
    action TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_audit_project ON security_audit_log(project_id);
CREATE INDEX IF NOT EXISTS idx_audit_created ON security_audit_log(created_at);
`,
		},
	}
}
