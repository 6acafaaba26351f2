package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"pricewatch/internal/infra/metrics"
)

// Webhook доставляет уведомления POST-запросом на URL подписчика.
type Webhook struct {
	client *http.Client
}

// NewWebhook создаёт webhook-отправитель.
func NewWebhook(timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{client: &http.Client{Timeout: timeout}}
}

// Send отправляет тело уведомления как JSON на адрес канала.
func (w *Webhook) Send(ctx context.Context, address string, raw []byte) error {
	target, err := url.Parse(address)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return fmt.Errorf("некорректный URL вебхука %q", address)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := w.client.Do(req)
	metrics.ObserveNetworkRequest("webhook", "post", target.Host, start, err)
	if err != nil {
		return fmt.Errorf("выполнение запроса: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("вебхук вернул статус %d", resp.StatusCode)
	}
	return nil
}
