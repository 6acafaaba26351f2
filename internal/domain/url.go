package domain

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeSourceURL приводит URL источника к ключевой форме: host+path в
// нижнем регистре, без завершающего слэша и без query. Эта форма служит
// ключом блокировки, кэша ответов и записей о здоровье источника.
func NormalizeSourceURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("пустой URL")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("разбор URL: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("URL без хоста: %s", rawURL)
	}
	host := strings.ToLower(parsed.Host)
	path := strings.TrimRight(strings.ToLower(parsed.Path), "/")
	return host + path, nil
}

// HostOfSource возвращает хост нормализованного URL для троттлинга.
func HostOfSource(normalizedURL string) string {
	if idx := strings.IndexByte(normalizedURL, '/'); idx > 0 {
		return normalizedURL[:idx]
	}
	return normalizedURL
}
