// Package parser извлекает нормализованные тарифы из HTML. Реализация
// рассчитана на страницы со встроенным JSON-блоком данных; другие форматы
// подключаются отдельными реализациями domain.PlanParser.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"pricewatch/internal/domain"
)

const version = "jsondata-v1"

var scriptRe = regexp.MustCompile(`(?is)<script[^>]+(?:id="pricing-data"|type="application/ld\+json")[^>]*>(.*?)</script>`)

// JSONData разбирает встроенный JSON-блок с тарифами.
type JSONData struct{}

var _ domain.PlanParser = (*JSONData)(nil)

// NewJSONData создаёт парсер.
func NewJSONData() *JSONData {
	return &JSONData{}
}

// Version возвращает версию парсера, сохраняемую в срезе.
func (p *JSONData) Version() string {
	return version
}

type payload struct {
	Plans []planEntry `json:"plans"`
}

type planEntry struct {
	Name         string              `json:"name"`
	Price        float64             `json:"price"`
	Currency     string              `json:"currency"`
	BillingCycle string              `json:"billing_cycle"`
	Features     []string            `json:"features,omitempty"`
	FeatureMap   map[string][]string `json:"feature_groups,omitempty"`
}

// Parse извлекает тарифы из HTML. Пустой список без ошибки означает,
// что данные на странице не найдены.
func (p *JSONData) Parse(html []byte) ([]domain.Plan, []string, error) {
	var warnings []string

	raw := extractJSON(html)
	if raw == nil {
		return nil, []string{"pricing data block not found"}, nil
	}

	var data payload
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, nil, fmt.Errorf("разбор блока тарифов: %w", err)
	}

	plans := make([]domain.Plan, 0, len(data.Plans))
	for _, entry := range data.Plans {
		if strings.TrimSpace(entry.Name) == "" {
			warnings = append(warnings, "plan without name skipped")
			continue
		}
		plan := domain.Plan{
			Name:         strings.TrimSpace(entry.Name),
			Price:        entry.Price,
			Currency:     strings.ToUpper(strings.TrimSpace(entry.Currency)),
			BillingCycle: strings.ToLower(strings.TrimSpace(entry.BillingCycle)),
		}
		for _, value := range entry.Features {
			if value == "" {
				continue
			}
			plan.Features = append(plan.Features, domain.PlanFeature{Group: "general", Value: value})
		}
		for group, values := range entry.FeatureMap {
			for _, value := range values {
				if value == "" {
					continue
				}
				plan.Features = append(plan.Features, domain.PlanFeature{Group: group, Value: value})
			}
		}
		plans = append(plans, plan)
	}
	return plans, warnings, nil
}

func extractJSON(html []byte) []byte {
	if match := scriptRe.FindSubmatch(html); match != nil {
		return match[1]
	}
	trimmed := strings.TrimSpace(string(html))
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed)
	}
	return nil
}
