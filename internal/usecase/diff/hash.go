package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"pricewatch/internal/domain"
)

// ComputeHash возвращает стабильный SHA-256 канонического JSON списка тарифов.
// Канонизация идёт через map-ы: encoding/json сортирует их ключи, поэтому
// хэш не зависит от порядка полей.
func ComputeHash(plans []domain.Plan) (string, error) {
	canonical := make([]map[string]any, 0, len(plans))
	for _, p := range plans {
		features := make([]map[string]any, 0, len(p.Features))
		for _, f := range p.Features {
			features = append(features, map[string]any{
				"group": f.Group,
				"value": f.Value,
			})
		}
		canonical = append(canonical, map[string]any{
			"name":          p.Name,
			"price":         p.Price,
			"currency":      p.Currency,
			"billing_cycle": p.BillingCycle,
			"features":      features,
		})
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal plans: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// ContentHash возвращает SHA-256 от конкатенации URL и HTML.
// Используется как ключ контент-адресуемого архива страниц.
func ContentHash(url string, html []byte) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write(html)
	return hex.EncodeToString(h.Sum(nil))
}
