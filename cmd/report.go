package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/store"
)

var (
	reportFormat string
	exportType   string
	digestDays   int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export data as JSON, CSV, or Markdown",
	Long:  "Export incidents or repos in various formats.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportRun()
	},
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Summarise recent incident activity per repo",
	Long:  "Print a Markdown summary of incidents opened and resolved over the last N days.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return digestRun(time.Now())
	},
}

func init() {
	exportCmd.Flags().StringVar(&reportFormat, "format", "json", "Output format: json, csv, markdown")
	exportCmd.Flags().StringVar(&exportType, "type", "incidents", "Data type: incidents, repos")
	rootCmd.AddCommand(exportCmd)

	digestCmd.Flags().IntVar(&digestDays, "days", 7, "Number of days to cover")
	rootCmd.AddCommand(digestCmd)
}

func exportRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch exportType {
	case "incidents":
		return exportIncidents(ctx, s, ui.Out)
	case "repos":
		return exportRepos(ctx, s, ui.Out)
	default:
		return fmt.Errorf("unknown export type: %s (use: incidents, repos)", exportType)
	}
}

func exportIncidents(ctx context.Context, s store.Store, out io.Writer) error {
	incidents, err := s.ListIncidents(ctx, store.IncidentListFilter{})
	if err != nil {
		return err
	}

	switch reportFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(incidents)
	case "csv":
		w := csv.NewWriter(out)
		_ = w.Write([]string{"ID", "RepoID", "Title", "Status", "Severity", "Signal", "PR", "Created"})
		for _, i := range incidents {
			_ = w.Write([]string{i.ID, i.RepoID, i.Title, string(i.Status), string(i.Severity), string(i.SignalType),
				i.MetaString(models.MetaPRURL), i.CreatedAt.Format(time.RFC3339)})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(out, "# Incidents")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "| Title | Status | Severity | Signal | PR |")
		fmt.Fprintln(out, "|-------|--------|----------|--------|----|")
		for _, i := range incidents {
			fmt.Fprintf(out, "| %s | %s | %s | %s | %s |\n", i.Title, i.Status, i.Severity, i.SignalType, i.MetaString(models.MetaPRURL))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportFormat)
	}
}

func exportRepos(ctx context.Context, s store.Store, out io.Writer) error {
	repos, err := s.ListRepos(ctx)
	if err != nil {
		return err
	}

	switch reportFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(repos)
	case "csv":
		w := csv.NewWriter(out)
		_ = w.Write([]string{"ID", "Name", "URL", "Branch", "AutoPoll", "Created"})
		for _, r := range repos {
			_ = w.Write([]string{r.ID, r.Name, r.RepoURL, r.DefaultBranch, strconv.FormatBool(r.AutoPollEnabled()),
				r.CreatedAt.Format(time.RFC3339)})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(out, "# Repos")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "| Name | URL | Branch |")
		fmt.Fprintln(out, "|------|-----|--------|")
		for _, r := range repos {
			fmt.Fprintf(out, "| %s | %s | %s |\n", r.Name, r.RepoURL, r.DefaultBranch)
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportFormat)
	}
}

type digestRow struct {
	opened, resolved, pending, prs int
}

func digestRun(now time.Time) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	incidents, err := s.ListIncidents(ctx, store.IncidentListFilter{})
	if err != nil {
		return err
	}
	names := repoNameCache(ctx, s)
	since := now.AddDate(0, 0, -digestDays)

	rows := map[string]*digestRow{}
	for _, inc := range incidents {
		if inc.UpdatedAt.Before(since) && inc.CreatedAt.Before(since) {
			continue
		}
		name := names(inc.RepoID)
		row, ok := rows[name]
		if !ok {
			row = &digestRow{}
			rows[name] = row
		}
		if !inc.CreatedAt.Before(since) {
			row.opened++
		}
		switch inc.Status {
		case models.IncidentResolved:
			row.resolved++
		case models.IncidentAwaitingApproval:
			row.pending++
		}
		if inc.MetaString(models.MetaPRURL) != "" {
			row.prs++
		}
	}

	fmt.Fprintf(ui.Out, "# Incident digest (last %d days)\n\n", digestDays)
	if len(rows) == 0 {
		fmt.Fprintln(ui.Out, "No incident activity.")
		return nil
	}

	repoNames := make([]string, 0, len(rows))
	for name := range rows {
		repoNames = append(repoNames, name)
	}
	sort.Strings(repoNames)

	for _, name := range repoNames {
		row := rows[name]
		fmt.Fprintf(ui.Out, "## %s\n", name)
		fmt.Fprintf(ui.Out, "- Incidents: %d opened, %d resolved, %d awaiting approval\n", row.opened, row.resolved, row.pending)
		if row.prs > 0 {
			fmt.Fprintf(ui.Out, "- Pull requests: %d\n", row.prs)
		}
		fmt.Fprintln(ui.Out)
	}
	return nil
}
