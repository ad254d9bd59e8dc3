package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/decisionfirst/runbookd/internal/auth"
	"github.com/decisionfirst/runbookd/internal/config"
	"github.com/decisionfirst/runbookd/internal/engine"
	"github.com/decisionfirst/runbookd/internal/mcp"
	"github.com/decisionfirst/runbookd/internal/model"
	"github.com/decisionfirst/runbookd/internal/ratelimit"
	"github.com/decisionfirst/runbookd/internal/sandbox"
	"github.com/decisionfirst/runbookd/internal/server"
	"github.com/decisionfirst/runbookd/internal/storage"
	"github.com/decisionfirst/runbookd/internal/telemetry"
	"github.com/decisionfirst/runbookd/internal/timeline"
	"github.com/decisionfirst/runbookd/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RUNBOOKD_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("runbookd starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate
	// real failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Verify critical tables exist after migration so a broken schema
	// fails at startup, not on first request.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'sessions')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("critical table 'sessions' does not exist after migration")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Bootstrap editor account so a fresh deployment is usable without
	// manual SQL. Existing accounts are never modified.
	bootstrapID, err := seedBootstrapUser(ctx, db, cfg, logger)
	if err != nil {
		return fmt.Errorf("bootstrap user: %w", err)
	}

	// Connect to the Docker daemon for execution environments.
	prov, err := sandbox.NewDockerProvisioner(ctx, logger)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	defer func() { _ = prov.Close() }()

	// Assemble the execution engine.
	recorder := timeline.NewStorageRecorder(db)
	eng := engine.New(db, recorder, prov, logger, cfg.MaxConcurrentActions)

	// Create MCP server; sessions driven over MCP run as the bootstrap
	// account.
	mcpSrv := mcp.New(db, eng, bootstrapID, logger)

	// Rate limiter for credential endpoints.
	limiter := ratelimit.NewMemoryLimiter(float64(cfg.AuthRateLimit)/60.0, cfg.AuthRateLimit)
	defer func() { _ = limiter.Close() }()

	// Create and start HTTP server (MCP mounted at /mcp).
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Engine:              eng,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests and drain
	// in-flight ones. Sessions survive a restart — their state is in
	// Postgres and their environments are self-terminating containers.
	slog.Info("runbookd shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("runbookd stopped")
	return nil
}

// seedBootstrapUser ensures the configured bootstrap editor exists and
// returns its id. With no bootstrap password configured, a random one
// is generated and logged once — for development only.
func seedBootstrapUser(ctx context.Context, db *storage.DB, cfg config.Config, logger *slog.Logger) (uuid.UUID, error) {
	password := cfg.BootstrapPassword
	if password == "" {
		password = auth.GeneratePassword()
		logger.Warn("no RUNBOOKD_BOOTSTRAP_PASSWORD configured, generated one (not for production)",
			"username", cfg.BootstrapUsername, "password", password)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return uuid.Nil, err
	}

	user, err := db.EnsureUser(ctx, model.User{
		Username:     cfg.BootstrapUsername,
		Email:        cfg.BootstrapEmail,
		PasswordHash: hash,
		Role:         model.RoleEditor,
		IsActive:     true,
	})
	if err != nil {
		return uuid.Nil, err
	}

	logger.Info("bootstrap user ready", "username", user.Username, "user_id", user.ID)
	return user.ID, nil
}
