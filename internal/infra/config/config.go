package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Fetch struct {
		MaxAttempts   int           `envconfig:"FETCH_MAX_ATTEMPTS" default:"3"`
		BaseDelay     time.Duration `envconfig:"FETCH_BASE_DELAY" default:"500ms"`
		MaxDelay      time.Duration `envconfig:"FETCH_MAX_DELAY" default:"30s"`
		Timeout       time.Duration `envconfig:"FETCH_TIMEOUT" default:"20s"`
		HostRPS       float64       `envconfig:"FETCH_HOST_RPS" default:"1"`
		CacheTTL      time.Duration `envconfig:"FETCH_CACHE_TTL" default:"10m"`
		LockTTL       time.Duration `envconfig:"FETCH_LOCK_TTL" default:"60s"`
		LockWait      time.Duration `envconfig:"FETCH_LOCK_WAIT" default:"15s"`
		ProxyURL      string        `envconfig:"FETCH_PROXY_URL"`
		HeadlessURL   string        `envconfig:"FETCH_HEADLESS_URL"`
		HeadlessToken string        `envconfig:"FETCH_HEADLESS_TOKEN"`
		UserAgent     string        `envconfig:"FETCH_USER_AGENT" default:"pricewatch/1.0"`
	} `envconfig:""`

	Health struct {
		FailThreshold int           `envconfig:"HEALTH_FAIL_THRESHOLD" default:"5"`
		Cooldown      time.Duration `envconfig:"HEALTH_COOLDOWN" default:"24h"`
	} `envconfig:""`

	Notify struct {
		DedupTTL     time.Duration `envconfig:"NOTIFY_DEDUP_TTL" default:"24h"`
		MaxAttempts  int           `envconfig:"NOTIFY_MAX_ATTEMPTS" default:"3"`
		BaseDelay    time.Duration `envconfig:"NOTIFY_BASE_DELAY" default:"1m"`
		MaxDelay     time.Duration `envconfig:"NOTIFY_MAX_DELAY" default:"1h"`
		SettingsTTL  time.Duration `envconfig:"NOTIFY_SETTINGS_TTL" default:"5m"`
		ExecutorTick time.Duration `envconfig:"NOTIFY_EXECUTOR_TICK" default:"30s"`
		Batch        int           `envconfig:"NOTIFY_BATCH" default:"100"`
	} `envconfig:""`

	Email struct {
		SMTPHost string `envconfig:"SMTP_HOST"`
		SMTPPort int    `envconfig:"SMTP_PORT" default:"587"`
		Username string `envconfig:"SMTP_USERNAME"`
		Password string `envconfig:"SMTP_PASSWORD"`
		From     string `envconfig:"SMTP_FROM"`
	} `envconfig:""`

	Telegram struct {
		Token string `envconfig:"TG_BOT_TOKEN"`
	} `envconfig:""`

	Archive struct {
		Root  string `envconfig:"ARCHIVE_ROOT" default:"/var/lib/pricewatch/archive"`
		Scope string `envconfig:"ARCHIVE_SCOPE" default:"snapshots"`
	} `envconfig:""`

	Queues struct {
		Ingest string `envconfig:"INGEST_QUEUE_KEY" default:"ingest_jobs"`
	} `envconfig:""`

	Scheduler struct {
		Tick time.Duration `envconfig:"SCHEDULER_TICK" default:"1m"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
