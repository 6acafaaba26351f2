package domain

// FieldChange описывает изменение одного поля тарифа.
type FieldChange struct {
	Field    string `json:"field"`
	Previous any    `json:"previous"`
	Current  any    `json:"current"`
}

// PlanChange описывает изменения одного тарифа, присутствующего в обоих срезах.
type PlanChange struct {
	Name            string        `json:"name"`
	Fields          []FieldChange `json:"fields,omitempty"`
	AddedFeatures   []PlanFeature `json:"added_features,omitempty"`
	RemovedFeatures []PlanFeature `json:"removed_features,omitempty"`
}

// PlanDiff — структурная разница между двумя срезами тарифов.
type PlanDiff struct {
	Added   []Plan       `json:"added,omitempty"`
	Removed []Plan       `json:"removed,omitempty"`
	Updated []PlanChange `json:"updated,omitempty"`
}

// Empty сообщает, что разница не содержит ни одного изменения.
func (d PlanDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}
