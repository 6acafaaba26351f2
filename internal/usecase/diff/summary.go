package diff

import (
	"fmt"
	"strings"

	"pricewatch/internal/domain"
)

// BuildSummary строит человекочитаемое описание разницы. Порядок
// детерминирован: сначала добавленные тарифы, затем удалённые, затем
// изменения по тарифам в порядке их появления в diff-е.
func BuildSummary(d domain.PlanDiff) string {
	var parts []string

	for _, plan := range d.Added {
		parts = append(parts, fmt.Sprintf("added plan %q (%s %s/%s)",
			plan.Name, formatPrice(plan.Price), plan.Currency, plan.BillingCycle))
	}
	for _, plan := range d.Removed {
		parts = append(parts, fmt.Sprintf("removed plan %q", plan.Name))
	}
	for _, change := range d.Updated {
		parts = append(parts, planClause(change))
	}

	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, "; ")
}

func planClause(change domain.PlanChange) string {
	var clauses []string
	for _, f := range change.Fields {
		clauses = append(clauses, fmt.Sprintf("%s %v → %v", f.Field, f.Previous, f.Current))
	}
	for _, f := range change.AddedFeatures {
		clauses = append(clauses, fmt.Sprintf("+%s: %s", f.Group, f.Value))
	}
	for _, f := range change.RemovedFeatures {
		clauses = append(clauses, fmt.Sprintf("-%s: %s", f.Group, f.Value))
	}
	return fmt.Sprintf("%q: %s", change.Name, strings.Join(clauses, ", "))
}

func formatPrice(price float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", price), "0"), ".")
}
