package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hatchq/hatchq/internal/admission"
	"github.com/hatchq/hatchq/internal/config"
	"github.com/hatchq/hatchq/internal/notify"
	"github.com/hatchq/hatchq/internal/queue"
	"github.com/hatchq/hatchq/internal/reconcile"
	"github.com/hatchq/hatchq/internal/storage"
)

// Advisory lock key for scheduler leader election: only one scheduler
// instance sweeps at a time.
const leaderLockKey = 42

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer pool.Close()

	// Separate session-scoped connection for the advisory lock.
	lockDB, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer lockDB.Close()
	lockDB.SetMaxOpenConns(1)

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	pub, err := notify.New(cfg.Notifier, rdb, cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		log.Fatal("notifier init failed", zap.Error(err))
	}
	defer pub.Close()

	store := storage.New(pool)
	q := queue.New(rdb)

	enforcer := admission.NewController(store, q, pub, log, admission.Options{
		MaxBacklog:                 cfg.MaxBacklog,
		DefaultMaxRetries:          cfg.DefaultMaxRetries,
		DefaultRetryDelayMs:        cfg.DefaultRetryDelayMs,
		DefaultVisibilityTimeoutMs: cfg.DefaultVisibilityTimeoutMs,
	})
	sweeper := reconcile.NewSweeper(store, q, enforcer, pub, log, reconcile.Options{
		StaleAfter: cfg.StaleAfter,
		Batch:      cfg.ReconcileBatch,
	})

	log.Info("scheduler started", zap.Duration("interval", cfg.ReconcileInterval))
	tick := time.NewTicker(cfg.ReconcileInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-tick.C:
			if !acquireLeaderLock(ctx, lockDB, log) {
				continue
			}
			if err := sweeper.Sweep(ctx); err != nil {
				log.Error("sweep failed", zap.Error(err))
			}
			releaseLeaderLock(ctx, lockDB, log)
		}
	}
}

func acquireLeaderLock(ctx context.Context, db *sql.DB, log *zap.Logger) bool {
	var ok bool
	if err := db.QueryRowContext(ctx, `select pg_try_advisory_lock($1)`, leaderLockKey).Scan(&ok); err != nil {
		log.Error("leader lock failed", zap.Error(err))
		return false
	}
	return ok
}

func releaseLeaderLock(ctx context.Context, db *sql.DB, log *zap.Logger) {
	if _, err := db.ExecContext(ctx, `select pg_advisory_unlock($1)`, leaderLockKey); err != nil {
		log.Error("leader unlock failed", zap.Error(err))
	}
}
