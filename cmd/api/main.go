package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"doorbell-platform/internal/audit"
	"doorbell-platform/internal/clock"
	"doorbell-platform/internal/config"
	"doorbell-platform/internal/httpapi"
	"doorbell-platform/internal/meeting"
	"doorbell-platform/internal/notify"
	"doorbell-platform/internal/owner"
	"doorbell-platform/internal/protocol"
	"doorbell-platform/internal/reconcile"
	"doorbell-platform/internal/session"
	"doorbell-platform/internal/visitor"
	"doorbell-platform/pkg/logger"
	"doorbell-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

func main() {
	envFile := pflag.String("env-file", "", "env file to seed the environment from (defaults to $ENV_FILE)")
	pflag.Parse()

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadEnvFile(*envFile); err != nil {
		slog.Error("env file load failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	checks := map[string]func(ctx context.Context) error{}

	var db *sql.DB
	if cfg.NeedsPostgres() {
		db, err = utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		checks["postgres"] = func(ctx context.Context) error { return utils.PostgresHealthCheck(ctx, db, time.Second) }
	}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return utils.RedisHealthCheck(ctx, rdb, time.Second) }
	}

	svc, err := buildServices(rootCtx, cfg, db, rdb, log)
	if err != nil {
		log.Error("service init failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Store:    svc.store,
		Visitors: svc.visitors,
		Owners:   svc.owners,
		Meetings: svc.meetings,
		Checks:   checks,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: event streams stay open for the whole call.
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return rootCtx },
	}

	// Stop owner controllers nobody has used for a while.
	go svc.owners.RunJanitor(rootCtx, cfg.Doorbell.OwnerIdleTimeout/2, cfg.Doorbell.OwnerIdleTimeout)

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env,
			"session_backend", cfg.Doorbell.SessionBackend, "audit_backend", cfg.Doorbell.AuditBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	svc.visitors.Close()
	svc.owners.Close()
}

type services struct {
	store    session.Store
	visitors *visitor.Registry
	owners   *owner.Registry
	meetings *meeting.LinkProvider
}

// buildServices picks a backend per concern and wires the controllers.
// db and rdb are nil when the configured backends do not need them.
func buildServices(ctx context.Context, cfg config.Config, db *sql.DB, rdb *redis.Client, log *slog.Logger) (services, error) {
	d := cfg.Doorbell

	var (
		store    session.Store
		registry protocol.Registry
	)
	switch d.SessionBackend {
	case config.BackendRedis:
		store = session.NewRedisStore(rdb, session.RedisStoreOptions{
			Prefix:     d.KeyPrefix,
			EndedLimit: d.RecentEndedLimit,
			Logger:     log,
		})
		registry = protocol.NewRedisRegistry(rdb, d.KeyPrefix)
	default:
		store = session.NewMemoryStore()
		registry = protocol.NewMemoryRegistry()
	}
	minter := protocol.NewMinter(registry)

	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if d.NotifyBackend == config.BackendRedis {
		notifier = notify.NewRedisQueue(rdb, d.KeyPrefix, d.NotifyTTL)
	}

	var repo audit.Repository
	switch d.AuditBackend {
	case config.BackendPostgres:
		pg := audit.NewPostgresRepo(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return services{}, fmt.Errorf("audit schema: %w", err)
		}
		repo = pg
	default:
		repo = audit.NewMemoryRepo()
	}
	auditSvc := audit.NewService(repo)

	meetings, err := meeting.NewLinkProvider(d.MeetingBaseURL, d.MeetingAuthorized)
	if err != nil {
		return services{}, err
	}

	clk := clock.Real()
	visitors := visitor.NewRegistry(ctx, visitor.Config{EscalationTimeout: d.EscalationTimeout}, visitor.Deps{
		Store:    store,
		Minter:   minter,
		Notifier: notifier,
		Clock:    clk,
		Logger:   log,
	})
	owners := owner.NewRegistry(ctx, owner.Config{AlertInterval: d.AlertInterval}, owner.Deps{
		Store:      store,
		Minter:     minter,
		Meetings:   meetings,
		Audit:      auditSvc,
		Reconciler: reconcile.NewSyncer(store, auditSvc, d.RecentEndedLimit, log),
		Clock:      clk,
		Logger:     log,
	})
	return services{store: store, visitors: visitors, owners: owners, meetings: meetings}, nil
}
