package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hatchq/hatchq/internal/admission"
	"github.com/hatchq/hatchq/internal/api"
	"github.com/hatchq/hatchq/internal/config"
	"github.com/hatchq/hatchq/internal/guard"
	"github.com/hatchq/hatchq/internal/notify"
	"github.com/hatchq/hatchq/internal/queue"
	"github.com/hatchq/hatchq/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := config.NewLogger(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := migrate(cfg); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	pub, err := notify.New(cfg.Notifier, rdb, cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		log.Fatal("notifier init failed", zap.Error(err))
	}
	defer pub.Close()

	store := storage.New(db)
	q := queue.New(rdb)
	limiter := guard.NewLimiter(rdb, log)
	standard := guard.Policy{
		Name:  "standard",
		Rate:  cfg.StandardRate,
		Burst: cfg.StandardBurst,
		Mode:  guard.ModeDelay,
	}

	ctrl := admission.NewController(store, q, pub, log, admission.Options{
		MaxBacklog:                 cfg.MaxBacklog,
		DefaultMaxRetries:          cfg.DefaultMaxRetries,
		DefaultRetryDelayMs:        cfg.DefaultRetryDelayMs,
		DefaultVisibilityTimeoutMs: cfg.DefaultVisibilityTimeoutMs,
	})

	handlers := api.NewHandlers(ctrl, store, q, limiter, standard, log)
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(handlers, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", zap.Error(err))
		}
	}()

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("api stopped")
}

func migrate(cfg config.Config) error {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, cfg.MigrationsDir)
}
