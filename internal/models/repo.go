package models

import "time"

// Metadata keys stored on a repo.
const (
	MetaAutoPollEnabled = "auto_poll_enabled"
	MetaLastPoll        = "last_poll"
)

// Repo is a remote repository that incidents can be remediated against.
type Repo struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	RepoURL       string         `json:"repo_url"`
	DefaultBranch string         `json:"default_branch"`
	InstallRef    string         `json:"install_ref,omitempty"`
	Description   string         `json:"description,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// AutoPollEnabled reports whether the poller should check this repo.
// Repos poll by default unless the flag is explicitly false.
func (r *Repo) AutoPollEnabled() bool {
	v, ok := r.Metadata[MetaAutoPollEnabled]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	return !ok || b
}

// PollResult records one run of a repo's health checks.
type PollResult struct {
	RepoID     string    `json:"repo_id"`
	Success    bool      `json:"success"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	Command    string    `json:"command"`
	RanAt      time.Time `json:"ran_at"`
	IncidentID string    `json:"incident_id,omitempty"`
}
