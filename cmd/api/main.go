package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pricewatch/internal/adapters/repo"
	"pricewatch/internal/domain"
	"pricewatch/internal/infra/cache"
	"pricewatch/internal/infra/config"
	"pricewatch/internal/infra/db"
	httpinfra "pricewatch/internal/infra/http"
	applog "pricewatch/internal/infra/log"
	"pricewatch/internal/infra/metrics"
	"pricewatch/internal/infra/queue"
	"pricewatch/internal/usecase/health"
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
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var manualCooldown *cache.RedisCache
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		manualCooldown = cache.NewRedis(redisClient)
	}

	var ingestQueue domain.IngestQueue
	switch {
	case cfg.RabbitURL != "":
		rabbitQueue, err := queue.NewRabbitIngestQueue(cfg.RabbitURL, cfg.Queues.Ingest)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		ingestQueue = rabbitQueue
	case redisClient != nil:
		ingestQueue = queue.NewRedisIngestQueue(redisClient, cfg.Queues.Ingest)
	default:
		logger.Fatal().Msg("api: не указан транспорт очереди (RABBITMQ_URL или REDIS_ADDR)")
	}

	tracker := health.NewTracker(repoAdapter, cfg.Health.FailThreshold, cfg.Health.Cooldown, applog.Component(logger, "health"))
	dispatcher := notify.NewDispatcher(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, notify.DispatcherOptions{
		DedupTTL:    cfg.Notify.DedupTTL,
		MaxAttempts: cfg.Notify.MaxAttempts,
		SettingsTTL: cfg.Notify.SettingsTTL,
	}, applog.Component(logger, "notify"))

	h := &handlers{
		log:        logger,
		queue:      ingestQueue,
		companies:  repoAdapter,
		events:     repoAdapter,
		tracker:    tracker,
		dispatcher: dispatcher,
		cooldown:   manualCooldown,
	}

	srv := httpinfra.NewServer(applog.Component(logger, "http"))
	srv.Router.Route("/api/v1", func(r chi.Router) {
		r.Post("/ingest", h.enqueueIngest)
		r.Post("/events/{id}/notify", h.notifyEvent)
		r.Get("/companies/{id}/dead-urls", h.deadURLs)
	})

	go func() {
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type handlers struct {
	log        zerolog.Logger
	queue      domain.IngestQueue
	companies  domain.CompanyRepo
	events     domain.EventRepo
	tracker    *health.Tracker
	dispatcher *notify.Dispatcher
	cooldown   *cache.RedisCache
}

// manualCooldownTTL ограничивает частоту ручных запусков одного источника.
const manualCooldownTTL = time.Minute

type ingestRequest struct {
	CompanyID  string `json:"company_id"`
	SourceURL  string `json:"source_url"`
	SourceType string `json:"source_type"`
}

// enqueueIngest ставит ручную задачу обхода источника в очередь.
func (h *handlers) enqueueIngest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "company_id must be a UUID")
		return
	}
	normalized, err := domain.NormalizeSourceURL(req.SourceURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "source_url is invalid")
		return
	}
	sourceType := domain.SourceType(req.SourceType)
	if sourceType == "" {
		sourceType = domain.SourcePricing
	}

	if _, err := h.companies.GetCompany(r.Context(), companyID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "company not found")
			return
		}
		h.log.Error().Err(err).Msg("api: ошибка чтения компании")
		writeError(w, http.StatusInternalServerError, "failed to load company")
		return
	}

	job := domain.IngestJob{
		ID:          uuid.NewString(),
		CompanyID:   companyID,
		SourceURL:   req.SourceURL,
		SourceType:  sourceType,
		RequestedAt: time.Now().UTC(),
		Cause:       domain.IngestCauseManual,
	}
	enqueue := func() error { return h.queue.Enqueue(r.Context(), job) }

	enqueued := true
	if h.cooldown != nil {
		enqueued = false
		cooldownKey := "ingest:manual:" + companyID.String() + ":" + normalized
		err = h.cooldown.Once(r.Context(), cooldownKey, manualCooldownTTL, func() error {
			enqueued = true
			return enqueue()
		})
	} else {
		err = enqueue()
	}
	if err != nil {
		h.log.Error().Err(err).Str("url", normalized).Msg("api: задача не поставлена в очередь")
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	if !enqueued {
		writeJSON(w, map[string]string{"status": "duplicate"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"job_id": job.ID, "status": "queued"})
}

// notifyEvent повторно запускает рассылку для события изменения.
func (h *handlers) notifyEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "event id must be a UUID")
		return
	}
	event, err := h.events.GetEvent(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		h.log.Error().Err(err).Msg("api: ошибка чтения события")
		writeError(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	if event.ProcessingStatus != domain.ProcessingSuccess {
		writeError(w, http.StatusConflict, "event has no changes to notify about")
		return
	}

	dispatched, err := h.dispatcher.Dispatch(r.Context(), event)
	if err != nil {
		h.log.Error().Err(err).Str("event", eventID.String()).Msg("api: ошибка рассылки")
		writeError(w, http.StatusInternalServerError, "failed to dispatch notifications")
		return
	}
	writeJSON(w, map[string]any{"event_id": eventID, "deliveries": dispatched})
}

// deadURLs возвращает отключённые источники компании.
func (h *handlers) deadURLs(w http.ResponseWriter, r *http.Request) {
	companyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "company id must be a UUID")
		return
	}
	if _, err := h.companies.GetCompany(r.Context(), companyID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "company not found")
			return
		}
		h.log.Error().Err(err).Msg("api: ошибка чтения компании")
		writeError(w, http.StatusInternalServerError, "failed to load company")
		return
	}

	dead, err := h.tracker.DeadURLs(r.Context(), companyID)
	if err != nil {
		h.log.Error().Err(err).Msg("api: ошибка чтения отключённых источников")
		writeError(w, http.StatusInternalServerError, "failed to load dead urls")
		return
	}
	urls := make([]string, 0, len(dead))
	for u := range dead {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	writeJSON(w, map[string]any{"company_id": companyID, "dead_urls": urls})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
