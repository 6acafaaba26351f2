// Package fetch реализует вежливую выборку страниц: распределённая блокировка
// по нормализованному URL, троттлинг по хосту, локальный кэш ответов, ретраи
// с экспоненциальной задержкой и headless-fallback при блокировке edge-защитой.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/domain"
	"pricewatch/internal/infra/cache"
	"pricewatch/internal/infra/lock"
	"pricewatch/internal/infra/metrics"
	"pricewatch/internal/infra/retry"
)

// TerminalError означает терминальную ошибку выборки (404/410): ретраи
// бессмысленны, источник кандидат на перманентное отключение.
type TerminalError struct {
	StatusCode int
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal fetch error: status %d", e.StatusCode)
}

// Locker выдаёт распределённую блокировку по ключу.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Waiter троттлит запросы к хосту.
type Waiter interface {
	Wait(ctx context.Context, host string) error
}

// Renderer рендерит страницу через headless-браузер.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, int, error)
}

// Options задаёт поведение фетчера.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	CacheTTL    time.Duration
	ProxyURL    string
	UserAgent   string
}

// Fetcher выполняет выборку страниц с учётом блокировок и лимитов.
// Кэш ответов живёт внутри экземпляра и между воркерами не разделяется.
type Fetcher struct {
	client   *http.Client
	lock     Locker
	limiter  Waiter
	headless Renderer
	cache    *cache.TTL[string, domain.FetchResult]
	policy   retry.Policy
	cacheTTL time.Duration
	ua       string
	log      zerolog.Logger
}

var _ domain.Fetcher = (*Fetcher)(nil)

// NewFetcher создаёт фетчер. headless может быть nil — тогда fallback отключён.
func NewFetcher(opts Options, locker Locker, limiter Waiter, headless Renderer, logger zerolog.Logger) (*Fetcher, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "pricewatch/1.0"
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout, Transport: transport},
		lock:     locker,
		limiter:  limiter,
		headless: headless,
		cache:    cache.NewTTL[string, domain.FetchResult](),
		policy: retry.Policy{
			MaxAttempts: opts.MaxAttempts,
			BaseDelay:   opts.BaseDelay,
			MaxDelay:    opts.MaxDelay,
			Multiplier:  2,
			Jitter:      0.2,
		},
		cacheTTL: cacheTTL,
		ua:       ua,
		log:      logger,
	}, nil
}

// Fetch выбирает страницу. Второе значение false без ошибки означает
// «данных нет» (блокировка занята или ретраи исчерпаны); *TerminalError
// возвращается для 404/410.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, companyLabel string) (domain.FetchResult, bool, error) {
	normalized, err := domain.NormalizeSourceURL(rawURL)
	if err != nil {
		return domain.FetchResult{}, false, err
	}

	// Кэш проверяется до блокировки: попадание отвечает мгновенно и не
	// конкурирует за чужую выборку того же URL.
	cacheKey := normalized + "\x00" + companyLabel
	if cached, ok := f.cache.Get(cacheKey); ok {
		metrics.FetchCacheHits.Inc()
		return cached, true, nil
	}

	release, err := f.lock.Acquire(ctx, normalized)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			metrics.FetchLockSkips.Inc()
			f.log.Debug().Str("url", normalized).Msg("fetch: блокировка занята, пропускаем")
			return domain.FetchResult{}, false, nil
		}
		return domain.FetchResult{}, false, fmt.Errorf("получение блокировки: %w", err)
	}
	defer release()

	var result domain.FetchResult
	err = f.policy.Do(ctx, func() error {
		res, attemptErr := f.attempt(ctx, rawURL, normalized)
		if attemptErr != nil {
			return attemptErr
		}
		result = res
		return nil
	})
	if err != nil {
		var terminal *TerminalError
		if errors.As(err, &terminal) {
			metrics.FetchAttempts.WithLabelValues("terminal").Inc()
			return domain.FetchResult{}, false, terminal
		}
		if ctx.Err() != nil {
			return domain.FetchResult{}, false, ctx.Err()
		}
		metrics.FetchAttempts.WithLabelValues("exhausted").Inc()
		f.log.Warn().Err(err).Str("url", normalized).Msg("fetch: ретраи исчерпаны, данных нет")
		return domain.FetchResult{}, false, nil
	}

	metrics.FetchAttempts.WithLabelValues("success").Inc()
	f.cache.Set(cacheKey, result, f.cacheTTL)
	return result, true, nil
}

func (f *Fetcher) attempt(ctx context.Context, rawURL, normalized string) (domain.FetchResult, error) {
	if err := f.limiter.Wait(ctx, domain.HostOfSource(normalized)); err != nil {
		return domain.FetchResult{}, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.FetchResult{}, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", f.ua)

	start := time.Now()
	resp, err := f.client.Do(req)
	metrics.ObserveNetworkRequest("fetch", "get", domain.HostOfSource(normalized), start, err)
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return domain.FetchResult{}, retry.Permanent(&TerminalError{StatusCode: resp.StatusCode})
	case looksEdgeBlocked(resp.StatusCode, body):
		if f.headless == nil {
			return domain.FetchResult{}, fmt.Errorf("edge blocked: status %d", resp.StatusCode)
		}
		rendered, status, renderErr := f.headless.Render(ctx, rawURL)
		if renderErr != nil {
			return domain.FetchResult{}, fmt.Errorf("headless fallback: %w", renderErr)
		}
		return domain.FetchResult{Body: rendered, FinalURL: finalURL(resp, rawURL), StatusCode: status}, nil
	case resp.StatusCode >= 500:
		return domain.FetchResult{}, fmt.Errorf("server error: status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return domain.FetchResult{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return domain.FetchResult{Body: body, FinalURL: finalURL(resp, rawURL), StatusCode: resp.StatusCode}, nil
}

func finalURL(resp *http.Response, fallback string) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return fallback
}

var challengeMarkers = [][]byte{
	[]byte("just a moment"),
	[]byte("cf-chl"),
	[]byte("attention required"),
	[]byte("captcha"),
}

func looksEdgeBlocked(status int, body []byte) bool {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		return true
	}
	if status != http.StatusOK {
		return false
	}
	lowered := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
