package planner

import (
	"fmt"
	"strings"

	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/patch"
)

// SystemPrompt frames the oracle as an SRE that answers in JSON only.
const SystemPrompt = `You are an SRE agent diagnosing production incidents and proposing minimal code fixes.
Respond with ONLY a single JSON object and no other text.`

// maxContextChars bounds the context blob sent to the oracle.
const maxContextChars = 24000

// BuildPrompt renders the user prompt for one planning request.
func BuildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("## Incident\n")
	if inc := req.Incident; inc != nil {
		fmt.Fprintf(&b, "- ID: %s\n", inc.ID)
		fmt.Fprintf(&b, "- Title: %s\n", inc.Title)
		fmt.Fprintf(&b, "- Signal: %s\n", inc.SignalType)
		fmt.Fprintf(&b, "- Severity: %s\n", inc.Severity)
		if inc.Description != "" {
			fmt.Fprintf(&b, "- Description: %s\n", inc.Description)
		}
	}
	if repo := req.Repo; repo != nil {
		fmt.Fprintf(&b, "- Repository: %s (default branch %s)\n", repo.Name, repo.DefaultBranch)
	}
	if req.Language != "" {
		fmt.Fprintf(&b, "- Language: %s\n", req.Language)
	}
	b.WriteString("\n")

	if len(req.Feedback) > 0 {
		b.WriteString("## Previous attempts\n")
		for _, f := range req.Feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Context\n")
	ctx := strings.TrimSpace(req.Context)
	if ctx == "" {
		ctx = "(no additional context)"
	}
	if len(ctx) > maxContextChars {
		ctx = models.Clip(ctx, maxContextChars) + "\n...(truncated)"
	}
	b.WriteString(ctx)
	b.WriteString("\n\n")

	b.WriteString("## Instructions\n")
	b.WriteString("Find the root cause and propose the smallest fix.\n")
	b.WriteString("- `commands`: diagnostic or test commands only (test runners, go vet, git status/log/diff, ls, cat, grep). Anything else is refused.\n")
	b.WriteString("- `code_changes`: keyed by a relative path from the repo root. `old_code` must be copied exactly from the file; `new_code` is its replacement.\n")
	fmt.Fprintf(&b, "- Paths must be at most %d characters. If you cannot determine the file, leave `code_changes` empty rather than guessing.\n", patch.MaxPathLength)
	b.WriteString("- `files_to_touch` lists every file the fix edits.\n\n")

	b.WriteString("Respond with this JSON shape:\n")
	b.WriteString(`{
  "summary": "root cause and fix in one or two sentences",
  "commands": ["go test ./..."],
  "files_to_touch": ["path/to/file"],
  "pr_title": "fix: short description",
  "pr_body": "markdown description for reviewers",
  "code_changes": {
    "path/to/file": {"old_code": "exact buggy snippet", "new_code": "fixed snippet"}
  }
}`)
	b.WriteString("\n")
	return b.String()
}
