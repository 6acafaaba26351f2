// Package diff сравнивает два среза тарифов и строит структурное описание
// изменений. Все функции чистые, без побочных эффектов.
package diff

import (
	"math"
	"strings"

	"pricewatch/internal/domain"
)

// PriceTolerance — минимальная разница цены, считающаяся изменением.
const PriceTolerance = 0.01

// Diff сравнивает два упорядоченных списка тарифов по ключу имени
// (без учёта регистра) и возвращает добавленные, удалённые и изменённые.
func Diff(previous, current []domain.Plan) domain.PlanDiff {
	prevByKey := indexPlans(previous)
	currByKey := indexPlans(current)

	var result domain.PlanDiff

	for _, plan := range current {
		if _, ok := prevByKey[plan.Key()]; !ok {
			result.Added = append(result.Added, plan)
		}
	}
	for _, plan := range previous {
		if _, ok := currByKey[plan.Key()]; !ok {
			result.Removed = append(result.Removed, plan)
		}
	}
	for _, plan := range current {
		prev, ok := prevByKey[plan.Key()]
		if !ok {
			continue
		}
		if change, changed := Compare(prev, plan); changed {
			result.Updated = append(result.Updated, change)
		}
	}
	return result
}

// Compare сравнивает две версии одного тарифа. Возвращает описание
// изменений и признак, что изменения есть.
func Compare(prev, curr domain.Plan) (domain.PlanChange, bool) {
	change := domain.PlanChange{Name: curr.Name}

	if math.Abs(prev.Price-curr.Price) > PriceTolerance {
		change.Fields = append(change.Fields, domain.FieldChange{
			Field: "price", Previous: prev.Price, Current: curr.Price,
		})
	}
	if !strings.EqualFold(prev.Currency, curr.Currency) {
		change.Fields = append(change.Fields, domain.FieldChange{
			Field: "currency", Previous: prev.Currency, Current: curr.Currency,
		})
	}
	if !strings.EqualFold(prev.BillingCycle, curr.BillingCycle) {
		change.Fields = append(change.Fields, domain.FieldChange{
			Field: "billing_cycle", Previous: prev.BillingCycle, Current: curr.BillingCycle,
		})
	}

	prevFeatures := featureSet(prev.Features)
	currFeatures := featureSet(curr.Features)
	for _, f := range curr.Features {
		if f.Value == "" {
			continue
		}
		if _, ok := prevFeatures[featureKey(f)]; !ok {
			change.AddedFeatures = append(change.AddedFeatures, f)
		}
	}
	for _, f := range prev.Features {
		if f.Value == "" {
			continue
		}
		if _, ok := currFeatures[featureKey(f)]; !ok {
			change.RemovedFeatures = append(change.RemovedFeatures, f)
		}
	}

	changed := len(change.Fields) > 0 || len(change.AddedFeatures) > 0 || len(change.RemovedFeatures) > 0
	return change, changed
}

// HasChanges сообщает, содержит ли разница хотя бы одно изменение.
func HasChanges(d domain.PlanDiff) bool {
	return !d.Empty()
}

// ChangedFields возвращает плоский список затронутых полей в детерминированном порядке.
func ChangedFields(d domain.PlanDiff) []string {
	var fields []string
	for _, plan := range d.Added {
		fields = append(fields, "added:"+plan.Key())
	}
	for _, plan := range d.Removed {
		fields = append(fields, "removed:"+plan.Key())
	}
	for _, change := range d.Updated {
		key := strings.ToLower(strings.TrimSpace(change.Name))
		for _, f := range change.Fields {
			fields = append(fields, key+"."+f.Field)
		}
		if len(change.AddedFeatures) > 0 || len(change.RemovedFeatures) > 0 {
			fields = append(fields, key+".features")
		}
	}
	return fields
}

func indexPlans(plans []domain.Plan) map[string]domain.Plan {
	byKey := make(map[string]domain.Plan, len(plans))
	for _, p := range plans {
		byKey[p.Key()] = p
	}
	return byKey
}

func featureKey(f domain.PlanFeature) string {
	return strings.ToLower(strings.TrimSpace(f.Group)) + "\x00" + strings.ToLower(strings.TrimSpace(f.Value))
}

// featureSet индексирует фичи по паре (group, value); пустые значения не участвуют.
func featureSet(features []domain.PlanFeature) map[string]struct{} {
	set := make(map[string]struct{}, len(features))
	for _, f := range features {
		if f.Value == "" {
			continue
		}
		set[featureKey(f)] = struct{}{}
	}
	return set
}
