package datatypes

import "time"

// ModelType identifies a family of detector models. Each type has at
// most one production version at any time.
type ModelType string

const (
	ModelTypeVulnerability ModelType = "vulnerability"
	ModelTypeExploit       ModelType = "exploit"
	ModelTypePatch         ModelType = "patch"
	ModelTypeRisk          ModelType = "risk"
	ModelTypeSimilarity    ModelType = "similarity"
)

// AllModelTypes lists the known model families in a stable order.
func AllModelTypes() []ModelType {
	return []ModelType{
		ModelTypeVulnerability,
		ModelTypeExploit,
		ModelTypePatch,
		ModelTypeRisk,
		ModelTypeSimilarity,
	}
}

// Valid reports whether the model type is one of the known families.
func (m ModelType) Valid() bool {
	switch m {
	case ModelTypeVulnerability, ModelTypeExploit, ModelTypePatch, ModelTypeRisk, ModelTypeSimilarity:
		return true
	}
	return false
}

// ModelStatus is the lifecycle state of a model version.
type ModelStatus string

const (
	ModelStatusTrained    ModelStatus = "trained"
	ModelStatusProduction ModelStatus = "production"
	ModelStatusArchived   ModelStatus = "archived"
)

// ModelVersion is one trained instance of a model type.
//
// Versions are created by the training pipeline, promoted/demoted by the
// rollback controller or experiment manager, and never deleted (only
// archived). Invariant: per ModelType at most one version has
// IsProduction set.
type ModelVersion struct {
	ID            string             `json:"id"`
	ModelType     ModelType          `json:"model_type"`
	Version       int                `json:"version"`
	TrainingJobID string             `json:"training_job_id,omitempty"`
	SampleCount   int                `json:"sample_count"`
	Metrics       map[string]float64 `json:"metrics"`
	Status        ModelStatus        `json:"status"`
	IsProduction  bool               `json:"is_production"`
	IsChampion    bool               `json:"is_champion"`
	CreatedAt     time.Time          `json:"created_at"`
	DeployedAt    *time.Time         `json:"deployed_at,omitempty"`
}

// Accuracy returns the version's training-time accuracy metric, or 0 if
// it was never recorded. This is the baseline for drift thresholds.
func (v *ModelVersion) Accuracy() float64 {
	if v.Metrics == nil {
		return 0
	}
	return v.Metrics["accuracy"]
}

// Clone returns a deep copy so callers can mutate flags without racing
// readers of the stored version.
func (v *ModelVersion) Clone() *ModelVersion {
	cp := *v
	if v.Metrics != nil {
		cp.Metrics = make(map[string]float64, len(v.Metrics))
		for k, val := range v.Metrics {
			cp.Metrics[k] = val
		}
	}
	if v.DeployedAt != nil {
		t := *v.DeployedAt
		cp.DeployedAt = &t
	}
	return &cp
}

// RollbackTrigger distinguishes operator-initiated rollbacks from ones
// fired by the monitor.
type RollbackTrigger string

const (
	RollbackTriggerAutomatic RollbackTrigger = "automatic"
	RollbackTriggerManual    RollbackTrigger = "manual"
)

// RollbackRecord is one entry in the append-only promotion/rollback
// audit log. Records are never mutated after being written.
type RollbackRecord struct {
	ID            string             `json:"id"`
	ModelType     ModelType          `json:"model_type"`
	FromVersionID string             `json:"from_version_id"`
	ToVersionID   string             `json:"to_version_id"`
	Reason        string             `json:"reason"`
	Trigger       RollbackTrigger    `json:"trigger"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}
