package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"secure-store/internal/auth"
	"secure-store/internal/config"
	"secure-store/internal/db"
	"secure-store/internal/maintenance"
	"secure-store/internal/observability"
	"secure-store/internal/product"
)

const redisKeyPrefix = "secure-store:"

type Options struct {
	LoadDotEnv bool
	// Config skips environment loading when set.
	Config *config.Config
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Logger  *observability.Logger
	Close   func() error
}

// pinger is anything /health can probe.
type pinger interface {
	PingContext(ctx context.Context) error
}

type redisPinger struct {
	store *auth.RedisTokenStore
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.store.Ping(ctx)
}

// Build wires configuration, storage, services and routes into one handler.
// The returned Close releases everything Build opened.
func Build(options Options) (*Runtime, error) {
	var cfg config.Config
	if options.Config != nil {
		cfg = *options.Config
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		loaded, err := config.Load(options.LoadDotEnv)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	logger := observability.NewLogger(cfg.LogLevel)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		observability.FlushSentry()
		_ = logger.Sync()
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	probes := map[string]pinger{}

	var (
		credentials auth.CredentialStore
		products    product.Store
		memory      *auth.MemoryStore
		repo        *auth.Repository
	)

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		database, err := openDatabase(cfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, database.Close)
		probes["database"] = database

		if cfg.RunMigrations {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			err := db.RunMigrations(ctx, database)
			cancel()
			if err != nil {
				return fail(fmt.Errorf("run migrations: %w", err))
			}
			logger.Info("migrations_applied", nil)
		}

		repo = auth.NewRepository(database)
		credentials = repo
		products = product.NewRepository(database)
	default:
		memory = auth.NewMemoryStore()
		credentials = memory
		products = product.NewMemoryRepository()
	}

	var refreshStore auth.RefreshTokenStore
	switch cfg.RefreshStore {
	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse redis url: %w", err))
		}
		client := redis.NewClient(opts)
		closers = append(closers, client.Close)

		store := auth.NewRedisTokenStore(client, redisKeyPrefix)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = store.Ping(ctx)
		cancel()
		if err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		probes["redis"] = redisPinger{store: store}
		refreshStore = store
	case config.DriverPostgres:
		refreshStore = repo
	default:
		refreshStore = memory
	}

	hasher, err := auth.NewSecretHasher(cfg.PasswordHasher, cfg.BcryptCost)
	if err != nil {
		return fail(fmt.Errorf("init password hasher: %w", err))
	}

	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL)
	ledger := auth.NewLedger(refreshStore, cfg.RefreshTokenTTL)
	authService := auth.NewService(credentials, hasher, tokens, ledger)
	authService.WithResetTTL(cfg.ResetTokenTTL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = authService.BootstrapAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword)
	cancel()
	if err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	authHandler := auth.NewHandler(authService, logger, auth.NewLogDelivery(logger), cfg.ExposeResetToken)
	productHandler := product.NewHandler(products)
	cleanupHandler := maintenance.NewCleanupHandler(authService, logger, cfg.CronSecret, cfg.CleanupBatchSize)

	if cfg.CleanupSchedule != "" {
		scheduler, err := maintenance.NewScheduler(cfg.CleanupSchedule, authService, logger, cfg.CleanupBatchSize)
		if err != nil {
			return fail(err)
		}
		scheduler.Start()
		closers = append(closers, func() error {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			scheduler.Stop(stopCtx)
			return nil
		})
		logger.Info("cleanup_scheduled", map[string]any{"schedule": cfg.CleanupSchedule, "next_run": scheduler.Next().Format(time.RFC3339)})
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(observability.SentryScope)
	r.Use(observability.Recover(logger))
	r.Use(observability.RequestLogging(logger))

	r.Get("/health", healthHandler(probes))
	r.Get("/internal/maintenance/cleanup", cleanupHandler.Handle)
	r.Post("/internal/maintenance/cleanup", cleanupHandler.Handle)

	auth.Routes(r, authHandler, tokens)
	product.Routes(r, productHandler, auth.Middleware(tokens), auth.RequireRole(auth.RoleAdmin))

	logger.Info("runtime_ready", map[string]any{
		"store_driver":  cfg.StoreDriver,
		"refresh_store": cfg.RefreshStore,
		"hasher":        cfg.PasswordHasher,
	})

	return &Runtime{
		Handler: r,
		Config:  cfg,
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

func openDatabase(cfg config.Config) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return database, nil
}

func healthHandler(probes map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}

		checks := map[string]string{}
		for name, probe := range probes {
			if err := probe.PingContext(ctx); err != nil {
				checks[name] = "down"
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				continue
			}
			checks[name] = "up"
		}
		if len(checks) > 0 {
			body["checks"] = checks
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
