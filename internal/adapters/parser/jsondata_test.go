package parser

import (
	"strings"
	"testing"
)

const samplePage = `<html><head>
<script id="pricing-data" type="application/json">
{"plans":[
  {"name":"Free","price":0,"currency":"usd","billing_cycle":"Monthly","features":["1 user"]},
  {"name":" Pro ","price":10,"currency":"USD","billing_cycle":"monthly","feature_groups":{"limits":["10 users","api access"]}},
  {"name":"","price":99}
]}
</script>
</head><body></body></html>`

func TestParseExtractsPlans(t *testing.T) {
	p := NewJSONData()

	plans, warnings, err := p.Parse([]byte(samplePage))
	if err != nil {
		t.Fatalf("парсинг: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("ожидались 2 тарифа, получили %d", len(plans))
	}
	if plans[0].Name != "Free" || plans[0].Currency != "USD" || plans[0].BillingCycle != "monthly" {
		t.Fatalf("тариф не нормализован: %+v", plans[0])
	}
	if plans[1].Name != "Pro" {
		t.Fatalf("имя тарифа должно быть без пробелов по краям: %q", plans[1].Name)
	}
	if len(plans[1].Features) != 2 || plans[1].Features[0].Group != "limits" {
		t.Fatalf("фичи из групп не извлечены: %+v", plans[1].Features)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "without name") {
		t.Fatalf("безымянный тариф должен давать предупреждение: %v", warnings)
	}
}

func TestParseMissingBlock(t *testing.T) {
	p := NewJSONData()

	plans, warnings, err := p.Parse([]byte("<html><body>no data here</body></html>"))
	if err != nil {
		t.Fatalf("отсутствие блока не ошибка: %v", err)
	}
	if len(plans) != 0 {
		t.Fatalf("без блока данных тарифов быть не должно")
	}
	if len(warnings) != 1 {
		t.Fatalf("ожидалось предупреждение об отсутствии блока, получили %v", warnings)
	}
}

func TestParseMalformedJSON(t *testing.T) {
	p := NewJSONData()

	if _, _, err := p.Parse([]byte(`<script id="pricing-data">{broken</script>`)); err == nil {
		t.Fatalf("битый JSON должен давать ошибку парсинга")
	}
}

func TestParseBareJSONBody(t *testing.T) {
	p := NewJSONData()

	plans, _, err := p.Parse([]byte(`{"plans":[{"name":"Solo","price":5,"currency":"eur","billing_cycle":"YEARLY"}]}`))
	if err != nil {
		t.Fatalf("парсинг голого JSON: %v", err)
	}
	if len(plans) != 1 || plans[0].Currency != "EUR" || plans[0].BillingCycle != "yearly" {
		t.Fatalf("голый JSON должен разбираться напрямую: %+v", plans)
	}
}
