package resolver

import (
	"fmt"
	"strings"

	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/retrieval"
)

// maxMatchBytes caps each retrieval match quoted to the planner.
const maxMatchBytes = 1000

// logText joins every log line in the context.
func logText(ictx *models.IncidentContext) string {
	if ictx == nil {
		return ""
	}
	var lines []string
	for _, w := range ictx.Logs {
		lines = append(lines, w.Lines...)
	}
	return strings.Join(lines, "\n")
}

// contextBlob renders logs, chat and commits as plain text sections.
func contextBlob(ictx *models.IncidentContext) string {
	if ictx == nil {
		return ""
	}
	var b strings.Builder
	if len(ictx.Logs) > 0 {
		b.WriteString("### Logs\n")
		for _, w := range ictx.Logs {
			fmt.Fprintf(&b, "# source %s\n", w.SourceID)
			for _, line := range w.Lines {
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}
	if len(ictx.Chat) > 0 {
		b.WriteString("### Chat\n")
		for _, c := range ictx.Chat {
			user := c.User
			if user == "" {
				user = "unknown"
			}
			fmt.Fprintf(&b, "[%s] %s: %s\n", c.ChannelID, user, c.Text)
		}
		b.WriteString("\n")
	}
	if len(ictx.Commits) > 0 {
		b.WriteString("### Recent commits\n")
		for _, c := range ictx.Commits {
			short := c.SHA
			if len(short) > 8 {
				short = short[:8]
			}
			fmt.Fprintf(&b, "%s %s (%s)", short, c.Title, c.Author)
			if len(c.Files) > 0 {
				fmt.Fprintf(&b, " files: %s", strings.Join(c.Files, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// relatedBlob renders retrieval matches grouped by source.
func relatedBlob(b retrieval.Buckets) string {
	var sb strings.Builder
	section := func(title string, matches []retrieval.Match) {
		if len(matches) == 0 {
			return
		}
		fmt.Fprintf(&sb, "### Related %s\n", title)
		for _, m := range matches {
			fmt.Fprintf(&sb, "- (%.2f) %s\n", m.Score, models.Clip(m.Text, maxMatchBytes))
		}
		sb.WriteString("\n")
	}
	section("commits", b.Commits)
	section("logs", b.Logs)
	section("chat", b.Chat)
	return sb.String()
}
