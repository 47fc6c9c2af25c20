package datatypes

// PredictionType selects which detector capability serves a request.
// The values mirror ModelType; a separate type keeps the serving path
// independent of registry concerns.
type PredictionType string

const (
	PredictionVulnerability PredictionType = "vulnerability"
	PredictionExploit       PredictionType = "exploit"
	PredictionPatch         PredictionType = "patch"
	PredictionRisk          PredictionType = "risk"
	PredictionSimilarity    PredictionType = "similarity"
)

// Valid reports whether the prediction type is known.
func (p PredictionType) Valid() bool {
	switch p {
	case PredictionVulnerability, PredictionExploit, PredictionPatch, PredictionRisk, PredictionSimilarity:
		return true
	}
	return false
}

// ModelType returns the model family that serves this prediction type.
func (p PredictionType) ModelType() ModelType {
	return ModelType(p)
}

// PredictionRequest is one inference request entering the predictor.
// Features are canonicalized (sorted key order) before cache hashing so
// semantically identical requests always collide.
type PredictionRequest struct {
	ID       string         `json:"id"`
	Type     PredictionType `json:"type" binding:"required"`
	Features map[string]any `json:"features" binding:"required"`
}

// Finding is a single prediction item. Findings are ordered by
// descending confidence when confidences are present, otherwise by
// severity rank.
type Finding struct {
	Type        string  `json:"type"`
	FilePath    string  `json:"file_path,omitempty"`
	Line        int     `json:"line,omitempty"`
	Severity    string  `json:"severity"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description,omitempty"`
}

// SeverityRank maps a severity label to its ordering rank:
// critical=4, high=3, medium=2, low=1, info=0. Unknown labels rank 0.
func SeverityRank(severity string) int {
	switch severity {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}

// Timing is the per-phase latency breakdown of one prediction, in
// milliseconds.
type Timing struct {
	PreprocessMs  float64 `json:"preprocess_ms"`
	InferenceMs   float64 `json:"inference_ms"`
	PostprocessMs float64 `json:"postprocess_ms"`
	TotalMs       float64 `json:"total_ms"`
}

// PredictionResult is the predictor's answer to one request.
type PredictionResult struct {
	RequestID      string         `json:"request_id"`
	Type           PredictionType `json:"type"`
	ModelVersionID string         `json:"model_version_id,omitempty"`
	Findings       []Finding      `json:"findings"`
	Confidence     float64        `json:"confidence"`
	Timing         Timing         `json:"timing"`
	Cached         bool           `json:"cached"`
}

// Clone returns a copy safe to hand to callers after a cache hit.
func (r *PredictionResult) Clone() *PredictionResult {
	cp := *r
	cp.Findings = make([]Finding, len(r.Findings))
	copy(cp.Findings, r.Findings)
	return &cp
}
