package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"pricewatch/internal/adapters/repo"
	"pricewatch/internal/domain"
	"pricewatch/internal/infra/config"
	"pricewatch/internal/infra/db"
	applog "pricewatch/internal/infra/log"
	"pricewatch/internal/infra/metrics"
	"pricewatch/internal/infra/queue"
	"pricewatch/internal/usecase/health"
	"pricewatch/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var ingestQueue domain.IngestQueue
	switch {
	case cfg.RabbitURL != "":
		rabbitQueue, err := queue.NewRabbitIngestQueue(cfg.RabbitURL, cfg.Queues.Ingest)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		ingestQueue = rabbitQueue
	case cfg.RedisAddr != "":
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		ingestQueue = queue.NewRedisIngestQueue(redisClient, cfg.Queues.Ingest)
	default:
		logger.Fatal().Msg("scheduler: не указан транспорт очереди (RABBITMQ_URL или REDIS_ADDR)")
	}

	tracker := health.NewTracker(repoAdapter, cfg.Health.FailThreshold, cfg.Health.Cooldown, applog.Component(logger, "health"))
	planner := schedule.NewPlanner(repoAdapter, tracker, ingestQueue, applog.Component(logger, "schedule"))

	logger.Info().Msg("scheduler: запуск планирования")
	planner.Run(ctx, cfg.Scheduler.Tick)
	logger.Info().Msg("scheduler: остановлен")
}
