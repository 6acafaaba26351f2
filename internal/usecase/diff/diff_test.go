package diff

import (
	"testing"

	"pricewatch/internal/domain"
)

func plansFixture() []domain.Plan {
	return []domain.Plan{
		{Name: "Free", Price: 0, Currency: "USD", BillingCycle: "monthly"},
		{Name: "Pro", Price: 10, Currency: "USD", BillingCycle: "monthly", Features: []domain.PlanFeature{
			{Group: "limits", Value: "10 projects"},
			{Group: "support", Value: "email"},
		}},
	}
}

func TestDiffIdentical(t *testing.T) {
	plans := plansFixture()
	d := Diff(plans, plans)
	if !d.Empty() {
		t.Fatalf("ожидали пустую разницу для идентичных списков, получили %+v", d)
	}
	if HasChanges(d) {
		t.Fatalf("HasChanges должен быть false для пустой разницы")
	}
}

func TestDiffPriceChange(t *testing.T) {
	prev := plansFixture()
	curr := plansFixture()
	curr[1].Price = 12

	d := Diff(prev, curr)
	if len(d.Added) != 0 || len(d.Removed) != 0 {
		t.Fatalf("не ожидали добавленных или удалённых тарифов: %+v", d)
	}
	if len(d.Updated) != 1 {
		t.Fatalf("ожидали 1 изменённый тариф, получили %d", len(d.Updated))
	}
	change := d.Updated[0]
	if change.Name != "Pro" {
		t.Fatalf("ожидали изменение тарифа Pro, получили %s", change.Name)
	}
	if len(change.Fields) != 1 || change.Fields[0].Field != "price" {
		t.Fatalf("ожидали одно изменение поля price, получили %+v", change.Fields)
	}
	if change.Fields[0].Previous != 10.0 || change.Fields[0].Current != 12.0 {
		t.Fatalf("ожидали переход цены 10 → 12, получили %+v", change.Fields[0])
	}
}

func TestDiffPriceWithinTolerance(t *testing.T) {
	prev := plansFixture()
	curr := plansFixture()
	curr[1].Price = 10.005

	if d := Diff(prev, curr); !d.Empty() {
		t.Fatalf("разница цены в пределах допуска не должна считаться изменением: %+v", d)
	}
}

func TestDiffAddedAndRemoved(t *testing.T) {
	prev := plansFixture()
	curr := []domain.Plan{
		prev[1],
		{Name: "Enterprise", Price: 99, Currency: "USD", BillingCycle: "monthly"},
	}

	d := Diff(prev, curr)
	if len(d.Added) != 1 || d.Added[0].Name != "Enterprise" {
		t.Fatalf("ожидали добавленный Enterprise, получили %+v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0].Name != "Free" {
		t.Fatalf("ожидали удалённый Free, получили %+v", d.Removed)
	}
	if len(d.Updated) != 0 {
		t.Fatalf("не ожидали изменённых тарифов: %+v", d.Updated)
	}
}

func TestDiffPlanNameCaseInsensitive(t *testing.T) {
	prev := []domain.Plan{{Name: "Pro", Price: 10, Currency: "USD", BillingCycle: "monthly"}}
	curr := []domain.Plan{{Name: " pro ", Price: 10, Currency: "USD", BillingCycle: "monthly"}}

	if d := Diff(prev, curr); !d.Empty() {
		t.Fatalf("имя тарифа должно сравниваться без учёта регистра и пробелов: %+v", d)
	}
}

func TestDiffFeatureChanges(t *testing.T) {
	prev := plansFixture()
	curr := plansFixture()
	curr[1].Features = []domain.PlanFeature{
		{Group: "limits", Value: "10 projects"},
		{Group: "support", Value: "priority"},
	}

	d := Diff(prev, curr)
	if len(d.Updated) != 1 {
		t.Fatalf("ожидали 1 изменённый тариф, получили %d", len(d.Updated))
	}
	change := d.Updated[0]
	if len(change.AddedFeatures) != 1 || change.AddedFeatures[0].Value != "priority" {
		t.Fatalf("ожидали добавленную фичу priority, получили %+v", change.AddedFeatures)
	}
	if len(change.RemovedFeatures) != 1 || change.RemovedFeatures[0].Value != "email" {
		t.Fatalf("ожидали удалённую фичу email, получили %+v", change.RemovedFeatures)
	}
}

func TestDiffEmptyFeatureValuesIgnored(t *testing.T) {
	prev := []domain.Plan{{Name: "Pro", Price: 10, Currency: "USD", BillingCycle: "monthly",
		Features: []domain.PlanFeature{{Group: "support", Value: ""}}}}
	curr := []domain.Plan{{Name: "Pro", Price: 10, Currency: "USD", BillingCycle: "monthly"}}

	if d := Diff(prev, curr); !d.Empty() {
		t.Fatalf("фичи с пустым значением не должны участвовать в сравнении: %+v", d)
	}
}

func TestDiffEmptinessSymmetric(t *testing.T) {
	p1 := plansFixture()
	p2 := plansFixture()
	p2[1].Price = 15

	forward := HasChanges(Diff(p1, p2))
	backward := HasChanges(Diff(p2, p1))
	if forward != backward {
		t.Fatalf("предикат наличия изменений должен быть симметричным: %v != %v", forward, backward)
	}
}

func TestChangedFields(t *testing.T) {
	prev := plansFixture()
	curr := []domain.Plan{
		{Name: "Pro", Price: 12, Currency: "USD", BillingCycle: "monthly", Features: []domain.PlanFeature{
			{Group: "limits", Value: "10 projects"},
			{Group: "support", Value: "email"},
		}},
		{Name: "Enterprise", Price: 99, Currency: "USD", BillingCycle: "monthly"},
	}

	fields := ChangedFields(Diff(prev, curr))
	expected := []string{"added:enterprise", "removed:free", "pro.price"}
	if len(fields) != len(expected) {
		t.Fatalf("ожидали %d полей, получили %v", len(expected), fields)
	}
	for i, f := range expected {
		if fields[i] != f {
			t.Fatalf("на позиции %d ожидали %s, получили %s", i, f, fields[i])
		}
	}
}

func TestBuildSummaryOrder(t *testing.T) {
	prev := plansFixture()
	curr := []domain.Plan{
		{Name: "Pro", Price: 12, Currency: "USD", BillingCycle: "monthly", Features: []domain.PlanFeature{
			{Group: "limits", Value: "10 projects"},
			{Group: "support", Value: "email"},
		}},
		{Name: "Enterprise", Price: 99, Currency: "USD", BillingCycle: "monthly"},
	}

	summary := BuildSummary(Diff(prev, curr))
	want := `added plan "Enterprise" (99 USD/monthly); removed plan "Free"; "Pro": price 10 → 12`
	if summary != want {
		t.Fatalf("ожидали %q, получили %q", want, summary)
	}
}

func TestBuildSummaryEmpty(t *testing.T) {
	if got := BuildSummary(domain.PlanDiff{}); got != "no changes" {
		t.Fatalf("ожидали 'no changes', получили %q", got)
	}
}
