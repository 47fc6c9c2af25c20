package datatypes

import "time"

// TrainingStatus is the lifecycle state of a training job.
type TrainingStatus string

const (
	TrainingStatusPending   TrainingStatus = "pending"
	TrainingStatusRunning   TrainingStatus = "running"
	TrainingStatusCompleted TrainingStatus = "completed"
	TrainingStatusFailed    TrainingStatus = "failed"
)

// TrainingStage names the pipeline stages in execution order. Each
// stage is gated on the previous one succeeding.
type TrainingStage string

const (
	StageCollect    TrainingStage = "collect"
	StageValidate   TrainingStage = "validate"
	StageFeatures   TrainingStage = "feature_engineering"
	StageTrain      TrainingStage = "train"
	StageEvaluate   TrainingStage = "evaluate"
	StageExperiment TrainingStage = "experiment"
	StageDeploy     TrainingStage = "deploy_decision"
)

// StageResult records the outcome of one pipeline stage.
type StageResult struct {
	Stage      TrainingStage  `json:"stage"`
	Succeeded  bool           `json:"succeeded"`
	Detail     map[string]any `json:"detail,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs float64        `json:"duration_ms"`
}

// TrainingJob tracks one run of the staged training pipeline.
// Failures are recorded in the job state (FailedStage, ErrorMessage)
// and never crash the host process.
type TrainingJob struct {
	ID             string         `json:"id"`
	ModelType      ModelType      `json:"model_type"`
	Trigger        string         `json:"trigger"` // "scheduled" | "manual" | "incremental"
	Status         TrainingStatus `json:"status"`
	Stages         []StageResult  `json:"stages"`
	FailedStage    TrainingStage  `json:"failed_stage,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ModelVersionID string         `json:"model_version_id,omitempty"`
	ExperimentID   string         `json:"experiment_id,omitempty"`
	Deployed       bool           `json:"deployed"`
	CreatedAt      time.Time      `json:"created_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// FeedbackRecord is one labeled outcome attached to a prediction. It is
// both a training sample and a monitoring sample.
type FeedbackRecord struct {
	ID             string         `json:"id"`
	PredictionID   string         `json:"prediction_id"`
	ModelType      ModelType      `json:"model_type"`
	ModelVersionID string         `json:"model_version_id"`
	Correct        bool           `json:"correct"`
	Positive       bool           `json:"positive"` // label class, used for balance ratio
	IsError        bool           `json:"is_error"` // serving-side failure, not a label
	LatencyMs      float64        `json:"latency_ms"`
	Features       map[string]any `json:"features,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
