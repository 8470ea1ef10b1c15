// Package model defines the domain types shared by every component, as
// described in spec.md §3. Types here are plain data; behavior (state
// transitions, persistence, evaluation) lives in the owning component
// packages (failoverstore, scheduler, rules, ...).
package model

import "time"

// JobState is a PreviewJob lifecycle state (spec §3).
type JobState string

const (
	JobQueued    JobState = "Queued"
	JobLeased    JobState = "Leased"
	JobRunning   JobState = "Running"
	JobCompleted JobState = "Completed"
	JobFailed    JobState = "Failed"
	JobCancelled JobState = "Cancelled"
)

// Terminal reports whether s is a terminal job state.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Priority is a PreviewJob scheduling priority band (spec §4.6).
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityNormal Priority = "Normal"
	PriorityLow    Priority = "Low"
)

// AttachmentSourceKind classifies how an Attachment's bytes are resolved.
type AttachmentSourceKind string

const (
	SourceURL   AttachmentSourceKind = "url"
	SourceData  AttachmentSourceKind = "data"
	SourceStore AttachmentSourceKind = "store"
)

// Attachment is a single file referenced by a Material.
type Attachment struct {
	Name       string
	MimeHint   string
	SourceKind AttachmentSourceKind
	Source     string // raw URL, data URI, or store handle, depending on SourceKind
	SizeHint   int64
}

// MaterialRef is a logical document required (or optional) for a matter.
type MaterialRef struct {
	Code        string
	DisplayName string
	Required    bool
	Attachments []Attachment
}

// PreviewRequest is the immutable submission record (spec §3).
type PreviewRequest struct {
	InternalID        string
	ExternalID        string
	SubmitterClientID string
	MatterID          string
	MatterName        string
	Applicant         map[string]any
	Materials         []MaterialRef
	CallbackURL       string
	ReceivedAt        time.Time
	SignatureMeta     SignatureMeta
}

// SignatureMeta records the verified signature envelope for audit purposes.
type SignatureMeta struct {
	AccessKey string
	Timestamp int64
	Nonce     string
}

// PreviewJob is the mutable lifecycle record driven by the scheduler/fabric.
type PreviewJob struct {
	InternalID       string
	State            JobState
	Priority         Priority
	Attempts         int
	Version          int64 // CAS version, incremented on every transition
	LeaseOwner       string
	LeaseExpiresAt   time.Time
	CancelRequested  bool
	EnqueuedAt       time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
	LastError        string
}

// MaterialStatus is the per-material pre-review outcome (spec §3).
type MaterialStatus string

const (
	StatusPassed  MaterialStatus = "Passed"
	StatusWarning MaterialStatus = "Warning"
	StatusFailed  MaterialStatus = "Failed"
	StatusSkipped MaterialStatus = "Skipped"
)

// Severity classifies a Finding (spec §3).
type Severity string

const (
	SeverityInfo    Severity = "Info"
	SeverityWarning Severity = "Warning"
	SeverityError   Severity = "Error"
)

// Finding is a single rule-engine observation attached to a material.
type Finding struct {
	RuleID   string
	Severity Severity
	Message  string
	Evidence string
}

// OCRLine is one recognized line of text with its bounding box (spec §4.4).
type OCRLine struct {
	Text       string
	BBox       [4]float64 // x, y, w, h
	Confidence float64
}

// MaterialResult is the per-material outcome persisted at job completion.
type MaterialResult struct {
	Code     string
	OCRText  string
	OCRLines []OCRLine
	Status   MaterialStatus
	Findings []Finding
}

// JobResult bundles the per-material results with the overall verdict.
type JobResult struct {
	InternalID string
	Overall    MaterialStatus
	Materials  []MaterialResult
}

// RuleConfig is the per-matter decision graph (spec §3, §4.5).
type RuleConfig struct {
	MatterID string
	Version  int64
	Checksum string
	Enabled  bool
	Graph    RuleGraph
}

// BackendKind identifies which failover-protected backend a BackendHealth
// record describes.
type BackendKind string

const (
	BackendPrimaryStore   BackendKind = "primary_store"
	BackendFallbackStore  BackendKind = "fallback_store"
	BackendObjectStore    BackendKind = "object_store"
	BackendLocalBlobStore BackendKind = "local_blob_store"
)

// HealthState is a BackendHealth state (spec §3).
type HealthState string

const (
	HealthHealthy   HealthState = "Healthy"
	HealthDegraded  HealthState = "Degraded"
	HealthUnhealthy HealthState = "Unhealthy"
)

// BackendHealth tracks the liveness of one failover-protected backend.
type BackendHealth struct {
	Kind                BackendKind
	State               HealthState
	LastProbeAt         time.Time
	ConsecutiveFailures int
	LastError           string
}

// MonitorSession is an operator session token (spec §3, §4.10).
type MonitorSession struct {
	Token     string
	Role      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// APICallRecord is an append-only audit row for submission attempts.
type APICallRecord struct {
	ClientID      string
	Endpoint      string
	Status        int
	DurationMS    int64
	ReceivedAt    time.Time
	CorrelationID string
}
