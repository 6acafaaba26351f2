package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	FetchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_attempts_total",
		Help: "Попытки выборки страниц по исходу",
	}, []string{"outcome"})

	FetchCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetch_cache_hits_total",
		Help: "Попадания в локальный кэш ответов",
	})

	FetchLockSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetch_lock_skips_total",
		Help: "Выборки, пропущенные из-за занятой блокировки",
	})

	SourceDisabled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "source_disabled_total",
		Help: "Отключения источников circuit breaker-ом",
	}, []string{"kind"})

	IngestRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_runs_total",
		Help: "Запуски ингеста по статусу обработки",
	}, []string{"status"})

	IngestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_duration_seconds",
		Help:    "Время полного цикла ингеста",
		Buckets: prometheus.DefBuckets,
	})

	ChangesDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changes_detected_total",
		Help: "Обнаруженные изменения по типу источника",
	}, []string{"source_type"})

	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_total",
		Help: "Доставки уведомлений по каналу и статусу",
	}, []string{"channel", "status"})

	NotificationsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifications_suppressed_total",
		Help: "Уведомления, подавленные дедупликацией или отсутствием подписок",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_queue_depth",
		Help: "Текущая глубина очереди задач обхода",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		FetchAttempts,
		FetchCacheHits,
		FetchLockSkips,
		SourceDisabled,
		IngestRuns,
		IngestDuration,
		ChangesDetected,
		DeliveriesTotal,
		NotificationsSuppressed,
		QueueDepth,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveDelivery записывает исход одной доставки.
func ObserveDelivery(channel, status string) {
	DeliveriesTotal.WithLabelValues(channel, status).Inc()
}
