package models

import (
	"strings"
	"time"
)

// SignalType identifies where an incident was raised from.
type SignalType string

const (
	SignalManual SignalType = "manual"
	SignalSlack  SignalType = "slack"
	SignalLog    SignalType = "log"
	SignalGitHub SignalType = "github"
)

// Valid reports whether s is a known signal type.
func (s SignalType) Valid() bool {
	switch s {
	case SignalManual, SignalSlack, SignalLog, SignalGitHub:
		return true
	}
	return false
}

// Severity ranks the urgency of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities from 0 (low) to 3 (critical).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// SeverityFromLevel maps a log level name to an incident severity.
// Unknown levels map to medium.
func SeverityFromLevel(level string) Severity {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info":
		return SeverityLow
	case "warning", "warn":
		return SeverityMedium
	case "error":
		return SeverityHigh
	case "critical", "fatal":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentQueued           IncidentStatus = "queued"
	IncidentProcessing       IncidentStatus = "processing"
	IncidentAwaitingApproval IncidentStatus = "awaiting_approval"
	IncidentResolved         IncidentStatus = "resolved"
)

// Well-known metadata keys written by the pipeline.
const (
	MetaOccurredAt  = "occurred_at"
	MetaResolvedAt  = "resolved_at"
	MetaSteps       = "steps"
	MetaLastError   = "last_error"
	MetaPRURL       = "pr_url"
	MetaPRBranch    = "pr_branch"
	MetaPendingPlan = "pending_plan"
	MetaApproval    = "approval"
	MetaAttempts    = "attempts"
)

// Approval decisions recorded under MetaApproval.
const (
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Incident is a unit of work describing a detected problem.
type Incident struct {
	ID          string         `json:"id"`
	SignalType  SignalType     `json:"signal_type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	RepoID      string         `json:"repo_id,omitempty"`
	Severity    Severity       `json:"severity"`
	Status      IncidentStatus `json:"status"`
	SourceRef   string         `json:"source_ref,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// OccurredAt returns the signal's occurrence time from metadata, falling back to CreatedAt.
func (i *Incident) OccurredAt() time.Time {
	if raw, ok := i.Metadata[MetaOccurredAt].(string); ok && raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return i.CreatedAt
}

// MetaString returns the string value stored under key, or "".
func (i *Incident) MetaString(key string) string {
	if i.Metadata == nil {
		return ""
	}
	s, _ := i.Metadata[key].(string)
	return s
}

// SetMeta stores a metadata value, allocating the map if needed.
func (i *Incident) SetMeta(key string, value any) {
	if i.Metadata == nil {
		i.Metadata = make(map[string]any)
	}
	i.Metadata[key] = value
}
