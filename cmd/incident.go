package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/sentinell/internal/git"
	"github.com/joescharf/sentinell/internal/hydrate"
	"github.com/joescharf/sentinell/internal/ingest"
	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/output"
	"github.com/joescharf/sentinell/internal/store"
)

var (
	incidentTitle    string
	incidentDesc     string
	incidentRepo     string
	incidentSeverity string
	incidentTags     []string
	incidentStatus   string
	incidentLimit    int
	incidentSync     bool
	incidentJSON     bool
)

var incidentCmd = &cobra.Command{
	Use:     "incident",
	Aliases: []string{"inc"},
	Short:   "Report, inspect and decide on incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return incidentListRun()
	},
}

var incidentReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report a new incident",
	Long:  "Report an incident by hand. It is queued for the worker like any other signal.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return incidentReportRun()
	},
}

var incidentListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List incidents, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return incidentListRun()
	},
}

var incidentShowCmd = &cobra.Command{
	Use:   "show <incident-id>",
	Short: "Show incident details and its step trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return incidentShowRun(args[0])
	},
}

var incidentContextCmd = &cobra.Command{
	Use:   "context <incident-id>",
	Short: "Print the observed context (logs, chat, commits) for an incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return incidentContextRun(args[0])
	},
}

var incidentApproveCmd = &cobra.Command{
	Use:   "approve <incident-id>",
	Short: "Approve the pending plan and requeue the incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return incidentDecideRun(args[0], true)
	},
}

var incidentRejectCmd = &cobra.Command{
	Use:   "reject <incident-id>",
	Short: "Reject the pending plan and close the incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return incidentDecideRun(args[0], false)
	},
}

var incidentRequeueCmd = &cobra.Command{
	Use:   "requeue <incident-id>",
	Short: "Put a resolved, stuck or waiting incident back in the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return incidentRequeueRun(args[0])
	},
}

var incidentResolveCmd = &cobra.Command{
	Use:   "resolve <incident-id>",
	Short: "Mark an incident resolved by hand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return incidentResolveRun(args[0])
	},
}

func init() {
	incidentReportCmd.Flags().StringVar(&incidentTitle, "title", "", "Incident title (required)")
	incidentReportCmd.Flags().StringVar(&incidentDesc, "desc", "", "What is happening (required)")
	incidentReportCmd.Flags().StringVar(&incidentRepo, "repo", "", "Repo name or ID the fix belongs in")
	incidentReportCmd.Flags().StringVar(&incidentSeverity, "severity", "medium", "Severity: low, medium, high, critical")
	incidentReportCmd.Flags().StringSliceVar(&incidentTags, "tag", nil, "Tag to record (repeatable)")
	_ = incidentReportCmd.MarkFlagRequired("title")
	_ = incidentReportCmd.MarkFlagRequired("desc")

	incidentListCmd.Flags().StringVar(&incidentStatus, "status", "", "Filter by status: queued, processing, awaiting_approval, resolved")
	incidentListCmd.Flags().StringVar(&incidentRepo, "repo", "", "Filter by repo name or ID")
	incidentListCmd.Flags().IntVar(&incidentLimit, "limit", 50, "Maximum incidents to show")

	incidentShowCmd.Flags().BoolVar(&incidentJSON, "json", false, "Print the raw incident as JSON")

	incidentContextCmd.Flags().BoolVar(&incidentSync, "sync", false, "Fetch the repo checkout before reading commits")

	incidentCmd.AddCommand(incidentReportCmd)
	incidentCmd.AddCommand(incidentListCmd)
	incidentCmd.AddCommand(incidentShowCmd)
	incidentCmd.AddCommand(incidentContextCmd)
	incidentCmd.AddCommand(incidentApproveCmd)
	incidentCmd.AddCommand(incidentRejectCmd)
	incidentCmd.AddCommand(incidentRequeueCmd)
	incidentCmd.AddCommand(incidentResolveCmd)
	rootCmd.AddCommand(incidentCmd)
}

func incidentReportRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	report := ingest.ManualReport{
		Title:       incidentTitle,
		Description: incidentDesc,
		Severity:    models.Severity(incidentSeverity),
		Reporter:    "cli",
		Tags:        incidentTags,
	}
	repoName := "-"
	if incidentRepo != "" {
		r, err := resolveRepo(ctx, s, incidentRepo)
		if err != nil {
			return err
		}
		report.RepoID = r.ID
		repoName = r.Name
	}

	if dryRun {
		ui.DryRunMsg("Would report incident: %s [%s] for repo %s", incidentTitle, incidentSeverity, repoName)
		return nil
	}

	logger := commandLogger()
	retriever, err := newRetriever(logger)
	if err != nil {
		return err
	}
	inc, err := ingest.New(s, retriever, nil, logger).ReportManual(ctx, report)
	if err != nil {
		return err
	}

	ui.Success("Queued incident %s: %s", output.Cyan(output.ShortID(inc.ID)), inc.Title)
	return nil
}

func incidentListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.IncidentListFilter{
		Status: models.IncidentStatus(incidentStatus),
		Limit:  incidentLimit,
	}
	if incidentRepo != "" {
		r, err := resolveRepo(ctx, s, incidentRepo)
		if err != nil {
			return err
		}
		filter.RepoID = r.ID
	}

	incidents, err := s.ListIncidents(ctx, filter)
	if err != nil {
		return err
	}
	if len(incidents) == 0 {
		ui.Info("No incidents found.")
		return nil
	}

	repoNames := repoNameCache(ctx, s)
	now := time.Now()

	table := ui.Table([]string{"ID", "Title", "Status", "Severity", "Signal", "Repo", "Age", "PR"})
	for _, inc := range incidents {
		_ = table.Append([]string{
			output.ShortID(inc.ID),
			output.Truncate(inc.Title, 48),
			output.StatusColor(string(inc.Status)),
			output.SeverityColor(string(inc.Severity)),
			string(inc.SignalType),
			repoNames(inc.RepoID),
			output.Age(inc.CreatedAt, now),
			inc.MetaString(models.MetaPRURL),
		})
	}
	_ = table.Render()
	return nil
}

func incidentShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	inc, err := findIncident(ctx, s, id)
	if err != nil {
		return err
	}

	if incidentJSON {
		return printJSON(inc)
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(output.ShortID(inc.ID)), inc.Title)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(inc.Status)))
	fmt.Fprintf(ui.Out, "  Severity:   %s\n", output.SeverityColor(string(inc.Severity)))
	fmt.Fprintf(ui.Out, "  Signal:     %s\n", inc.SignalType)
	if inc.RepoID != "" {
		fmt.Fprintf(ui.Out, "  Repo:       %s\n", repoNameCache(ctx, s)(inc.RepoID))
	}
	if inc.SourceRef != "" {
		fmt.Fprintf(ui.Out, "  Source:     %s\n", inc.SourceRef)
	}
	fmt.Fprintf(ui.Out, "  Desc:       %s\n", inc.Description)
	if v := inc.MetaString(models.MetaApproval); v != "" {
		fmt.Fprintf(ui.Out, "  Approval:   %s\n", v)
	}
	if v, ok := inc.Metadata[models.MetaAttempts]; ok {
		fmt.Fprintf(ui.Out, "  Attempts:   %v\n", v)
	}
	if v := inc.MetaString(models.MetaLastError); v != "" {
		fmt.Fprintf(ui.Out, "  Last error: %s\n", output.Red(v))
	}
	if v := inc.MetaString(models.MetaPRURL); v != "" {
		fmt.Fprintf(ui.Out, "  PR:         %s (%s)\n", v, inc.MetaString(models.MetaPRBranch))
	}
	if plan, ok := inc.Metadata[models.MetaPendingPlan].(map[string]any); ok {
		fmt.Fprintf(ui.Out, "  Plan:       %v\n", plan["summary"])
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", inc.CreatedAt.Format(time.RFC3339))
	if v := inc.MetaString(models.MetaResolvedAt); v != "" {
		fmt.Fprintf(ui.Out, "  Resolved:   %s\n", v)
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", inc.ID)

	if steps := metaSteps(inc); len(steps) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "  Steps:")
		for i, step := range steps {
			fmt.Fprintf(ui.Out, "  %2d. %s\n", i+1, step)
		}
	}
	return nil
}

func incidentContextRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	inc, err := findIncident(ctx, s, id)
	if err != nil {
		return err
	}

	logger := commandLogger()
	retriever, err := newRetriever(logger)
	if err != nil {
		return err
	}
	checkouts, err := git.NewCheckoutManager(checkoutsDir(), logger)
	if err != nil {
		return err
	}

	ictx, err := hydrate.New(s, retriever, checkouts, logger).Hydrate(ctx, inc, hydrate.Options{Sync: incidentSync})
	if err != nil {
		return err
	}
	return printJSON(ictx)
}

func incidentDecideRun(id string, approve bool) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	inc, err := findIncident(ctx, s, id)
	if err != nil {
		return err
	}

	verb := "Rejected"
	if approve {
		verb = "Approved"
	}
	if dryRun {
		ui.DryRunMsg("Would mark incident %s %s", output.ShortID(inc.ID), strings.ToLower(verb))
		return nil
	}

	updated, err := s.DecideApproval(ctx, inc.ID, approve)
	if err != nil {
		return err
	}
	ui.Success("%s incident %s (now %s)", verb, output.Cyan(output.ShortID(updated.ID)), output.StatusColor(string(updated.Status)))
	return nil
}

func incidentRequeueRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	inc, err := findIncident(ctx, s, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would requeue incident %s", output.ShortID(inc.ID))
		return nil
	}
	if err := s.Requeue(ctx, inc.ID); err != nil {
		return err
	}
	ui.Success("Requeued incident %s", output.Cyan(output.ShortID(inc.ID)))
	return nil
}

func incidentResolveRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	inc, err := findIncident(ctx, s, id)
	if err != nil {
		return err
	}
	if inc.Status == models.IncidentProcessing {
		return fmt.Errorf("incident %s is being processed; wait for the worker to finish", output.ShortID(inc.ID))
	}
	if inc.Status == models.IncidentResolved {
		ui.Info("Incident %s is already resolved", output.ShortID(inc.ID))
		return nil
	}

	if dryRun {
		ui.DryRunMsg("Would resolve incident %s: %s", output.ShortID(inc.ID), inc.Title)
		return nil
	}

	inc.Status = models.IncidentResolved
	inc.SetMeta(models.MetaResolvedAt, time.Now().UTC().Format(time.RFC3339))
	inc.SetMeta("resolved_by", "operator")
	delete(inc.Metadata, models.MetaPendingPlan)
	if err := s.UpdateIncident(ctx, inc); err != nil {
		return fmt.Errorf("resolve incident: %w", err)
	}
	ui.Success("Resolved incident %s: %s", output.Cyan(output.ShortID(inc.ID)), inc.Title)
	return nil
}

// findIncident finds an incident by full ID or prefix match.
func findIncident(ctx context.Context, s store.Store, id string) (*models.Incident, error) {
	// Try exact match first
	if inc, err := s.GetIncident(ctx, id); err == nil {
		return inc, nil
	}

	// Try prefix match - list all and filter
	upper := strings.ToUpper(id)
	incidents, err := s.ListIncidents(ctx, store.IncidentListFilter{})
	if err != nil {
		return nil, err
	}

	var matches []*models.Incident
	for _, inc := range incidents {
		if strings.HasPrefix(inc.ID, upper) {
			matches = append(matches, inc)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("incident not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous incident ID %s: matches %d incidents", id, len(matches))
	}
}

// metaSteps returns the recorded step trail, whatever slice type it decoded as.
func metaSteps(inc *models.Incident) []string {
	switch v := inc.Metadata[models.MetaSteps].(type) {
	case []string:
		return v
	case []any:
		steps := make([]string, 0, len(v))
		for _, s := range v {
			steps = append(steps, fmt.Sprint(s))
		}
		return steps
	}
	return nil
}

// repoNameCache returns a lookup from repo ID to name, backed by one ListRepos call.
func repoNameCache(ctx context.Context, s store.Store) func(id string) string {
	names := make(map[string]string)
	if repos, err := s.ListRepos(ctx); err == nil {
		for _, r := range repos {
			names[r.ID] = r.Name
		}
	}
	return func(id string) string {
		if id == "" {
			return "-"
		}
		if n, ok := names[id]; ok {
			return n
		}
		return output.ShortID(id)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(ui.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
