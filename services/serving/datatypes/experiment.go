package datatypes

import "time"

// ABTestStatus is the lifecycle state of an A/B test.
type ABTestStatus string

const (
	ABTestStatusDraft     ABTestStatus = "draft"
	ABTestStatusRunning   ABTestStatus = "running"
	ABTestStatusCompleted ABTestStatus = "completed"
)

// Arm identifies one side of an A/B test.
type Arm string

const (
	ArmA Arm = "a"
	ArmB Arm = "b"
)

// ArmMetrics are the per-arm aggregates recomputed by updateMetrics.
type ArmMetrics struct {
	Predictions  int     `json:"predictions"`
	Feedback     int     `json:"feedback"`
	Correct      int     `json:"correct"`
	Accuracy     float64 `json:"accuracy"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// ABTest is a controlled experiment between two versions of the same
// model type. Invariant: no model version participates in two running
// tests at once.
type ABTest struct {
	ID           string        `json:"id"`
	ModelType    ModelType     `json:"model_type"`
	ModelAID     string        `json:"model_a_id"`
	ModelBID     string        `json:"model_b_id"`
	TrafficSplit float64       `json:"traffic_split"` // percent routed to arm B, [0,100)
	Duration     time.Duration `json:"duration"`
	Status       ABTestStatus  `json:"status"`
	MetricsA     ArmMetrics    `json:"metrics_a"`
	MetricsB     ArmMetrics    `json:"metrics_b"`
	Significance float64       `json:"significance"` // p-value from the last winner check
	WinnerID     string        `json:"winner_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// VersionID returns the model version serving the given arm.
func (t *ABTest) VersionID(arm Arm) string {
	if arm == ArmB {
		return t.ModelBID
	}
	return t.ModelAID
}

// ABTestPrediction links one prediction outcome to its test and arm.
// Feedback is attached later and makes the sample usable for the
// significance test.
type ABTestPrediction struct {
	ID          string    `json:"id"`
	TestID      string    `json:"test_id"`
	Arm         Arm       `json:"arm"`
	RequestID   string    `json:"request_id"`
	LatencyMs   float64   `json:"latency_ms"`
	HasFeedback bool      `json:"has_feedback"`
	Correct     bool      `json:"correct"`
	CreatedAt   time.Time `json:"created_at"`
}
