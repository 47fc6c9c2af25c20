package datatypes

import "time"

// AlertType classifies why a monitoring window raised an alert.
type AlertType string

const (
	AlertAccuracyDrop AlertType = "accuracy_drop"
	AlertHighLatency  AlertType = "high_latency"
	AlertErrorRate    AlertType = "error_rate"
)

// MonitoringWindow is one evaluation of a production model version over
// a fixed time range.
type MonitoringWindow struct {
	ModelVersionID string    `json:"model_version_id"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	Predictions    int       `json:"predictions"`
	Accuracy       float64   `json:"accuracy"`
	P50LatencyMs   float64   `json:"p50_latency_ms"`
	P95LatencyMs   float64   `json:"p95_latency_ms"`
	P99LatencyMs   float64   `json:"p99_latency_ms"`
	ErrorRate      float64   `json:"error_rate"`
	AlertTriggered bool      `json:"alert_triggered"`
	AlertType      AlertType `json:"alert_type,omitempty"`
	AlertMessage   string    `json:"alert_message,omitempty"`
}
