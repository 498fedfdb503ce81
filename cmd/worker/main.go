package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hatchq/hatchq/internal/config"
	"github.com/hatchq/hatchq/internal/dispatch"
	"github.com/hatchq/hatchq/internal/domain"
	"github.com/hatchq/hatchq/internal/guard"
	"github.com/hatchq/hatchq/internal/inference"
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
	breaker := guard.NewBreaker(rdb, log, cfg.BreakerThreshold, cfg.BreakerCooldown)
	strict := guard.Policy{
		Name:  "inference",
		Rate:  cfg.InferenceRate,
		Burst: cfg.InferenceBurst,
		Mode:  guard.ModeQueue,
	}
	provider := inference.NewGuarded(
		inference.NewHTTPClient(cfg.InferenceURL, cfg.InferenceTimeout),
		limiter, breaker, strict, cfg.BreakerTimeout,
	)

	registry := dispatch.NewRegistry()
	registry.Register(inference.JobType, inference.NewHandler(provider))
	registry.Register("echo", dispatch.HandlerFunc(
		func(_ context.Context, job *domain.Job) (json.RawMessage, error) {
			return job.InputData, nil
		}))

	retrier := dispatch.NewRetrier(store, q, pub, log, cfg.BackoffCap())
	dispatcher := dispatch.NewDispatcher(store, q, registry, retrier, pub, log, dispatch.Options{
		Concurrency:    cfg.WorkerConcurrency,
		DequeueBlock:   cfg.DequeueBlock,
		IdleWarnCycles: cfg.IdleWarnCycles,
	})

	if err := dispatcher.Run(ctx); err != nil {
		log.Fatal("dispatcher failed", zap.Error(err))
	}
	log.Info("worker stopped")
}
