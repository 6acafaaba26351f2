package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pricewatch/internal/adapters/fetch"
	"pricewatch/internal/adapters/parser"
	"pricewatch/internal/adapters/repo"
	"pricewatch/internal/adapters/sender"
	"pricewatch/internal/domain"
	"pricewatch/internal/infra/archive"
	"pricewatch/internal/infra/config"
	"pricewatch/internal/infra/db"
	"pricewatch/internal/infra/lock"
	applog "pricewatch/internal/infra/log"
	"pricewatch/internal/infra/metrics"
	"pricewatch/internal/infra/queue"
	"pricewatch/internal/infra/ratelimit"
	"pricewatch/internal/infra/retry"
	"pricewatch/internal/usecase/health"
	ingestusecase "pricewatch/internal/usecase/ingest"
	"pricewatch/internal/usecase/notify"
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
		logger.Fatal().Err(err).Msg("ingester: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("ingester: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	var ingestQueue domain.IngestQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitIngestQueue(cfg.RabbitURL, cfg.Queues.Ingest)
		if err != nil {
			logger.Fatal().Err(err).Msg("ingester: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		ingestQueue = rabbitQueue
	} else {
		ingestQueue = queue.NewRedisIngestQueue(redisClient, cfg.Queues.Ingest)
	}

	fetchLock := lock.NewRedisLock(redisClient, cfg.Fetch.LockTTL, cfg.Fetch.LockWait)
	limiter := ratelimit.NewHostLimiter(cfg.Fetch.HostRPS)
	var headless fetch.Renderer
	if cfg.Fetch.HeadlessURL != "" {
		headless = fetch.NewHeadlessClient(cfg.Fetch.HeadlessURL, cfg.Fetch.HeadlessToken, cfg.Fetch.Timeout)
	}
	fetcher, err := fetch.NewFetcher(fetch.Options{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BaseDelay:   cfg.Fetch.BaseDelay,
		MaxDelay:    cfg.Fetch.MaxDelay,
		Timeout:     cfg.Fetch.Timeout,
		CacheTTL:    cfg.Fetch.CacheTTL,
		ProxyURL:    cfg.Fetch.ProxyURL,
		UserAgent:   cfg.Fetch.UserAgent,
	}, fetchLock, limiter, headless, applog.Component(logger, "fetch"))
	if err != nil {
		logger.Fatal().Err(err).Msg("ingester: не удалось создать фетчер")
	}

	tracker := health.NewTracker(repoAdapter, cfg.Health.FailThreshold, cfg.Health.Cooldown, applog.Component(logger, "health"))

	dispatcher := notify.NewDispatcher(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, notify.DispatcherOptions{
		DedupTTL:    cfg.Notify.DedupTTL,
		MaxAttempts: cfg.Notify.MaxAttempts,
		SettingsTTL: cfg.Notify.SettingsTTL,
	}, applog.Component(logger, "notify"))

	ingestService := ingestusecase.NewService(
		parser.NewJSONData(),
		repoAdapter,
		repoAdapter,
		archive.NewFSStore(cfg.Archive.Root),
		dispatcher,
		tracker,
		cfg.Archive.Scope,
		applog.Component(logger, "ingest"),
	)

	senders := map[domain.ChannelKind]domain.ChannelSender{
		domain.ChannelWebhook: sender.NewWebhook(cfg.Fetch.Timeout),
	}
	if cfg.Email.SMTPHost != "" {
		senders[domain.ChannelEmail] = sender.NewEmail(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.Username, cfg.Email.Password, cfg.Email.From)
	}
	if cfg.Telegram.Token != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Fatal().Err(err).Msg("ingester: не удалось создать бота")
		}
		senders[domain.ChannelTelegram] = sender.NewTelegram(botAPI)
	}
	executor := notify.NewExecutor(repoAdapter, repoAdapter, senders, notify.ExecutorOptions{
		Tick:      cfg.Notify.ExecutorTick,
		BatchSize: cfg.Notify.Batch,
		Retry: retry.Policy{
			MaxAttempts: cfg.Notify.MaxAttempts,
			BaseDelay:   cfg.Notify.BaseDelay,
			MaxDelay:    cfg.Notify.MaxDelay,
			Multiplier:  2,
		},
	}, applog.Component(logger, "executor"))
	go executor.Run(ctx)

	worker := &jobWorker{
		log:      logger,
		queue:    ingestQueue,
		statuses: repoAdapter,
		fetcher:  fetcher,
		tracker:  tracker,
		service:  ingestService,
	}

	logger.Info().Msg("ingester: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("ingester: остановлен")
}

type jobWorker struct {
	log      zerolog.Logger
	queue    domain.IngestQueue
	statuses domain.IngestJobStatusRepo
	fetcher  domain.Fetcher
	tracker  *health.Tracker
	service  *ingestusecase.Service
}

const maxJobAttempts = 5

type jobOutcome int

const (
	jobOutcomeCompleted jobOutcome = iota
	jobOutcomeRetry
)

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("ingester: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Str("company", job.CompanyID.String()).
			Str("url", job.SourceURL).
			Str("cause", string(job.Cause)).
			Logger()

		if job.ID == "" {
			jobLog.Error().Msg("ingester: получена задача без идентификатора, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("ingester: не удалось подтвердить задачу без идентификатора")
			}
			continue
		}

		done, attempt, err := w.statuses.EnsureIngestJob(ctx, job.ID)
		if err != nil {
			jobLog.Error().Err(err).Msg("ingester: не удалось зарегистрировать задачу")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("ingester: не удалось вернуть задачу в очередь")
			}
			time.Sleep(time.Second)
			continue
		}

		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		if done {
			jobLog.Info().Msg("ingester: задача уже была выполнена, подтверждаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("ingester: не удалось подтвердить выполненную задачу")
			}
			continue
		}

		outcome := w.handleJob(ctx, job, jobLog)

		if outcome == jobOutcomeRetry && attempt < maxJobAttempts {
			jobLog.Warn().Msg("ingester: задача завершилась ошибкой, повторим позже")
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("ingester: не удалось вернуть задачу после ошибки")
			}
			continue
		}

		if outcome == jobOutcomeRetry {
			jobLog.Error().Msg("ingester: достигнут предел попыток, помечаем задачу как завершённую")
		}

		if err := w.statuses.MarkIngestJobDone(ctx, job.ID); err != nil {
			jobLog.Error().Err(err).Msg("ingester: не удалось пометить задачу выполненной")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("ingester: не удалось вернуть задачу после ошибки статуса")
			}
			time.Sleep(time.Second)
			continue
		}

		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("ingester: не удалось подтвердить задачу")
		}
	}
}

func (w *jobWorker) handleJob(ctx context.Context, job domain.IngestJob, jobLog zerolog.Logger) jobOutcome {
	result, ok, err := w.fetcher.Fetch(ctx, job.SourceURL, job.CompanyID.String())
	if err != nil {
		var terminal *fetch.TerminalError
		if errors.As(err, &terminal) {
			jobLog.Warn().Int("status", terminal.StatusCode).Msg("ingester: источник отвечает терминальной ошибкой")
			// Здоровье источника ведётся по нормализованному URL.
			normalized, normErr := domain.NormalizeSourceURL(job.SourceURL)
			if normErr != nil {
				normalized = job.SourceURL
			}
			if trackErr := w.tracker.RecordTerminalFailure(ctx, job.CompanyID, normalized, job.SourceType, terminal.Error()); trackErr != nil {
				jobLog.Error().Err(trackErr).Msg("ingester: не удалось зафиксировать терминальную ошибку")
			}
			return jobOutcomeCompleted
		}
		if errors.Is(err, context.Canceled) {
			return jobOutcomeRetry
		}
		jobLog.Error().Err(err).Msg("ingester: ошибка выборки страницы")
		return jobOutcomeRetry
	}
	if !ok {
		// Блокировка занята или ретраи исчерпаны: данных нет, задача выполнена.
		jobLog.Info().Msg("ingester: выборка не дала данных, пропускаем цикл")
		return jobOutcomeCompleted
	}

	event, dispatched, err := w.service.Ingest(ctx, job.CompanyID, job.SourceURL, result.Body, job.SourceType)
	if err != nil {
		if errors.Is(err, ingestusecase.ErrCompanyNotFound) {
			jobLog.Warn().Msg("ingester: компания удалена, задача не имеет смысла")
			return jobOutcomeCompleted
		}
		jobLog.Error().Err(err).Msg("ingester: ошибка обработки наблюдения")
		return jobOutcomeRetry
	}

	jobLog.Info().
		Str("event", event.ID.String()).
		Str("status", string(event.ProcessingStatus)).
		Int("dispatched", dispatched).
		Msg("ingester: наблюдение обработано")
	return jobOutcomeCompleted
}
