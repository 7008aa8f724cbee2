package models

import (
	"time"
	"unicode/utf8"
)

// Clip returns the longest prefix of s that is at most n bytes and ends on a
// rune boundary.
func Clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// LogWindow is a group of log lines from one source around an incident.
type LogWindow struct {
	SourceID  string    `json:"source_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Lines     []string  `json:"lines"`
}

// ChatSnippet is a chat message related to an incident.
type ChatSnippet struct {
	ChannelID string `json:"channel_id"`
	MessageTS string `json:"message_ts"`
	Text      string `json:"text"`
	User      string `json:"user,omitempty"`
}

// CommitSummary is a short description of a commit near an incident.
type CommitSummary struct {
	SHA         string    `json:"sha"`
	Author      string    `json:"author"`
	Title       string    `json:"title"`
	CommittedAt time.Time `json:"committed_at"`
	Files       []string  `json:"files,omitempty"`
}

// IncidentContext bundles everything observed about an incident.
type IncidentContext struct {
	Incident *Incident       `json:"incident"`
	Repo     *Repo           `json:"repo,omitempty"`
	RepoPath string          `json:"repo_path,omitempty"`
	Logs     []LogWindow     `json:"log_windows"`
	Chat     []ChatSnippet   `json:"slack_messages"`
	Commits  []CommitSummary `json:"commits"`
}
