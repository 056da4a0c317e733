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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"checkoutcore/internal/checkout/api"
	"checkoutcore/internal/checkout/esc"
	"checkoutcore/internal/checkout/session"
	"checkoutcore/internal/common/database"
	"checkoutcore/internal/common/middleware"
	"checkoutcore/internal/common/nats"
	"checkoutcore/internal/journal"
	"checkoutcore/internal/providers/backend"
	"checkoutcore/internal/siteconfig"
)

// Config holds service configuration
type Config struct {
	Port           int               `envconfig:"CHECKOUT_PORT" default:"8080"`
	Environment    string            `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string            `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string            `envconfig:"LOG_FORMAT" default:"json"`
	APIKeys        map[string]string `envconfig:"API_KEYS" required:"true"`
	JWTSecret      string            `envconfig:"JWT_SECRET" required:"true"`
	CORSOrigins    []string          `envconfig:"CORS_ALLOWED_ORIGINS"`
	SiteConfigPath string            `envconfig:"SITE_CONFIG_PATH"`
	ESCStore       string            `envconfig:"ESC_STORE" default:"memory"`

	Database database.Config
	NATS     nats.Config
	Redis    esc.RedisConfig
	ESC      esc.Config
	Session  session.Config
	Backend  backend.Config
}

func main() {
	// A missing .env file is fine
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("checkout service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sites, err := siteconfig.Load(cfg.SiteConfigPath)
	if err != nil {
		return err
	}

	if err := database.Migrate(cfg.Database.URL, journal.Migrations, "migrations", logger); err != nil {
		return err
	}
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	nc, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	if _, err := nc.EnsureStream(ctx, nats.EventStreamConfig(cfg.NATS.EventsStream)); err != nil {
		return err
	}

	checks := map[string]func(context.Context) error{
		"database": db.HealthCheck,
		"nats":     func(context.Context) error { return nc.HealthCheck() },
	}

	escStore, closeStore, err := openESCStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if rs, ok := escStore.(*esc.RedisStore); ok {
		checks["redis"] = rs.Ping
	}

	sessions := session.NewManager(cfg.Session, session.Deps{
		Adapter:   backend.NewAdapter(cfg.Backend, nc.Conn(), logger),
		ESCStore:  escStore,
		ESC:       cfg.ESC,
		Policy:    sites,
		Publisher: nats.NewPublisher(nc.JetStream(), logger),
		Journal:   journal.New(db),
		Logger:    logger,
	})

	handler := api.NewHandler(sessions, journal.New(db), logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(middleware.CORS(cfg.CORSOrigins))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Get("/ready", readiness(checks))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(middleware.StaticAPIKeys(cfg.APIKeys)))
		r.Use(middleware.PayerAuth([]byte(cfg.JWTSecret)))
		r.Use(chimw.Compress(5))
		r.Mount("/", handler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting checkout service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"esc_store", cfg.ESCStore,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error("session shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// openESCStore builds the ESC store named by cfg.ESCStore
func openESCStore(ctx context.Context, cfg Config, logger *slog.Logger) (esc.Store, func(), error) {
	switch cfg.ESCStore {
	case "memory":
		return esc.NewMemoryStore(), func() {}, nil
	case "redis":
		sealer, err := esc.NewSealer([]byte(cfg.Redis.Secret))
		if err != nil {
			return nil, nil, fmt.Errorf("ESC_SECRET: %w", err)
		}
		client, err := esc.DialRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("esc store on redis", "namespace", cfg.Redis.Namespace)
		return esc.NewRedisStore(client, cfg.Redis.Namespace, sealer), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ESC_STORE %q", cfg.ESCStore)
	}
}

func readiness(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		for name, check := range checks {
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = fmt.Fprintf(w, `{"status":"not_ready","failing":%q}`, name)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
