package models

// ActionPlan is a remediation plan for one resolution attempt.
type ActionPlan struct {
	Summary      string                `json:"summary"`
	Commands     []string              `json:"commands"`
	FilesToTouch []string              `json:"files_to_touch"`
	PRTitle      string                `json:"pr_title,omitempty"`
	PRBody       string                `json:"pr_body,omitempty"`
	CodeChanges  map[string]CodeChange `json:"code_changes,omitempty"`
	Fallback     bool                  `json:"fallback,omitempty"`
}

// CodeChange is one proposed text replacement in a file.
type CodeChange struct {
	OldCode string `json:"old_code"`
	NewCode string `json:"new_code"`
}

// PRResult is the outcome of publishing a plan. An empty URL means no PR was needed.
type PRResult struct {
	URL    string `json:"url"`
	Branch string `json:"branch"`
	// Reused is set when an open PR for the branch already existed.
	Reused bool `json:"reused,omitempty"`
}
