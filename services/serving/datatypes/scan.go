package datatypes

import "time"

// ScanType selects the wall-clock budget for a scan job.
type ScanType string

const (
	ScanTypeQuick    ScanType = "quick"
	ScanTypeStandard ScanType = "standard"
	ScanTypeDeep     ScanType = "deep"
)

// Valid reports whether the scan type is known.
func (s ScanType) Valid() bool {
	switch s {
	case ScanTypeQuick, ScanTypeStandard, ScanTypeDeep:
		return true
	}
	return false
}

// ScanStatus is the lifecycle state of a scan job.
//
// pending -(start)-> running -(all targets done | deadline)-> completed
// running -(panic/unrecoverable)-> failed
// running -(user cancel)-> cancelled
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s ScanStatus) Terminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed || s == ScanStatusCancelled
}

// ScanTarget is one unit of work inside a scan job: a file's content
// plus enough metadata for the detector.
type ScanTarget struct {
	Path     string `json:"path" binding:"required"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

// ExploitInfo is the best-effort exploit chained onto a finding.
type ExploitInfo struct {
	FindingType string `json:"finding_type"`
	Code        string `json:"code"`
	Language    string `json:"language"`
}

// PatchInfo is the best-effort patch chained onto a finding.
type PatchInfo struct {
	FindingType string `json:"finding_type"`
	Diff        string `json:"diff"`
}

// ScanResult holds everything produced for a single target. Results are
// appended in target order; a failed target carries Error but does not
// fail the job.
type ScanResult struct {
	Target     string        `json:"target"`
	Findings   []Finding     `json:"findings"`
	Exploits   []ExploitInfo `json:"exploits,omitempty"`
	Patches    []PatchInfo   `json:"patches,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs float64       `json:"duration_ms"`
}

// ScanJob is the externally visible state of one scan. The engine owns
// the job for its lifetime; after a terminal state the job is read-only
// until the janitor evicts it.
type ScanJob struct {
	ID              string       `json:"id"`
	ScanType        ScanType     `json:"scan_type"`
	Targets         []ScanTarget `json:"targets"`
	Status          ScanStatus   `json:"status"`
	Progress        float64      `json:"progress"`
	TotalFiles      int          `json:"total_files"`
	FilesScanned    int          `json:"files_scanned"`
	Vulnerabilities int          `json:"vulnerabilities"`
	Results         []ScanResult `json:"results"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
}

// ScanEventType tags entries in a scan's result stream.
type ScanEventType string

const (
	ScanEventProgress  ScanEventType = "progress"
	ScanEventResult    ScanEventType = "result"
	ScanEventCompleted ScanEventType = "completed"
)

// ScanEvent is one entry in the streaming view of a running scan.
type ScanEvent struct {
	Type      ScanEventType `json:"type"`
	ScanID    string        `json:"scan_id"`
	Status    ScanStatus    `json:"status,omitempty"`
	Progress  float64       `json:"progress,omitempty"`
	Result    *ScanResult   `json:"result,omitempty"`
	CreatedAt int64         `json:"created_at"`
}
