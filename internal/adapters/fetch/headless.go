package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pricewatch/internal/domain"
	"pricewatch/internal/infra/metrics"
)

// HeadlessClient выполняет рендеринг страницы через внешний headless-сервис.
// Используется как fallback, когда обычный запрос блокируется edge-защитой.
type HeadlessClient struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewHeadlessClient создаёт клиента headless-рендера.
func NewHeadlessClient(baseURL, token string, timeout time.Duration) *HeadlessClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HeadlessClient{
		http:    &http.Client{Timeout: timeout + 5*time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type renderRequest struct {
	URL string `json:"url"`
}

// Render запрашивает отрендеренный HTML страницы.
func (c *HeadlessClient) Render(ctx context.Context, pageURL string) ([]byte, int, error) {
	payload, err := json.Marshal(renderRequest{URL: pageURL})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/content", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("headless", "render", domain.HostOfSource(pageURL), start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("execute render request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read render response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("render failed: status %d", resp.StatusCode)
	}
	return body, http.StatusOK, nil
}
