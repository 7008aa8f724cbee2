package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/output"
	"github.com/joescharf/sentinell/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show incident dashboard",
	Long: `Show incident counts by status and severity, incidents waiting for
approval, and repos whose last scheduled check failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var (
	statusOrder   = []models.IncidentStatus{models.IncidentQueued, models.IncidentProcessing, models.IncidentAwaitingApproval, models.IncidentResolved}
	severityOrder = []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow}
)

func statusRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if pid, running := pidFile().IsRunning(); running {
		ui.Info("Server: %s (PID %d)", output.Green("running"), pid)
	} else {
		ui.Info("Server: %s", output.Yellow("not running"))
	}

	counts, err := s.CountIncidents(ctx)
	if err != nil {
		return err
	}
	if counts.Total == 0 {
		ui.Info("No incidents recorded.")
	} else {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Status", "Count"})
		for _, st := range statusOrder {
			_ = table.Append([]string{output.StatusColor(string(st)), strconv.Itoa(counts.ByStatus[string(st)])})
		}
		_ = table.Render()

		fmt.Fprintln(ui.Out)
		table = ui.Table([]string{"Severity", "Count"})
		for _, sev := range severityOrder {
			_ = table.Append([]string{output.SeverityColor(string(sev)), strconv.Itoa(counts.BySeverity[string(sev)])})
		}
		_ = table.Render()
	}

	if err := statusAwaiting(ctx, s); err != nil {
		return err
	}
	return statusFailingRepos(ctx, s)
}

func statusAwaiting(ctx context.Context, s store.Store) error {
	pending, err := s.ListIncidents(ctx, store.IncidentListFilter{Status: models.IncidentAwaitingApproval})
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	fmt.Fprintln(ui.Out)
	ui.Warning("%d incident(s) awaiting approval", len(pending))
	now := time.Now()
	table := ui.Table([]string{"ID", "Title", "Severity", "Age"})
	for _, inc := range pending {
		_ = table.Append([]string{
			output.ShortID(inc.ID),
			output.Truncate(inc.Title, 56),
			output.SeverityColor(string(inc.Severity)),
			output.Age(inc.UpdatedAt, now),
		})
	}
	_ = table.Render()
	return nil
}

func statusFailingRepos(ctx context.Context, s store.Store) error {
	repos, err := s.ListRepos(ctx)
	if err != nil {
		return err
	}
	var failing []*models.Repo
	for _, r := range repos {
		entry, ok := r.Metadata[models.MetaLastPoll].(map[string]any)
		if !ok {
			continue
		}
		if passed, _ := entry["success"].(bool); !passed {
			failing = append(failing, r)
		}
	}
	if len(failing) == 0 {
		return nil
	}

	fmt.Fprintln(ui.Out)
	ui.Warning("%d repo(s) failing checks", len(failing))
	table := ui.Table([]string{"Repo", "Last Check"})
	for _, r := range failing {
		_ = table.Append([]string{output.Cyan(r.Name), lastPollSummary(r)})
	}
	_ = table.Render()
	return nil
}
