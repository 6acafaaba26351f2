// Package sender реализует транспорты доставки уведомлений: email,
// telegram и webhook.
package sender

import (
	"encoding/json"
	"fmt"
)

// payload повторяет структуру тела уведомления, которое формирует диспетчер.
type payload struct {
	EventID    string `json:"event_id"`
	CompanyID  string `json:"company_id"`
	SourceType string `json:"source_type"`
	DetectedAt string `json:"detected_at"`
	Summary    string `json:"summary"`
}

func renderMessage(raw []byte) (subject, body string, err error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", "", fmt.Errorf("разбор тела уведомления: %w", err)
	}
	subject = fmt.Sprintf("%s change detected", p.SourceType)
	body = p.Summary
	if body == "" {
		body = "no changes"
	}
	if p.DetectedAt != "" {
		body = fmt.Sprintf("%s\n\ndetected at %s", body, p.DetectedAt)
	}
	return subject, body, nil
}
