package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/sentinell/internal/git"
	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/output"
	"github.com/joescharf/sentinell/internal/poller"
	"github.com/joescharf/sentinell/internal/runner"
	"github.com/joescharf/sentinell/internal/store"
)

var (
	repoName       string
	repoBranch     string
	repoDesc       string
	repoInstallRef string
	repoNoPoll     bool
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage repos incidents can be remediated against",
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoListRun()
	},
}

var repoAddCmd = &cobra.Command{
	Use:   "add <repo-url>",
	Short: "Register a repo",
	Long: `Register a remote repository. The name defaults to the last path
segment of the URL (e.g. "ledger" for https://github.com/acme/ledger.git).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoAddRun(args[0])
	},
}

var repoListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered repos",
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoListRun()
	},
}

var repoShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show repo details and its last poll",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoShowRun(args[0])
	},
}

var repoRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Unregister a repo",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoRemoveRun(args[0])
	},
}

var repoPollCmd = &cobra.Command{
	Use:   "poll [name]",
	Short: "Run repo checks now",
	Long:  "Sync the checkout and run the detected test command for one or all repos, opening an incident on failure.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return repoPollOneRun(args[0])
		}
		return repoPollAllRun()
	},
}

func init() {
	repoAddCmd.Flags().StringVar(&repoName, "name", "", "Repo name (default: derived from URL)")
	repoAddCmd.Flags().StringVar(&repoBranch, "branch", "main", "Default branch")
	repoAddCmd.Flags().StringVar(&repoDesc, "desc", "", "Description")
	repoAddCmd.Flags().StringVar(&repoInstallRef, "install-ref", "", "Code host installation reference")
	repoAddCmd.Flags().BoolVar(&repoNoPoll, "no-poll", false, "Exclude the repo from periodic polling")

	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoListCmd)
	repoCmd.AddCommand(repoShowCmd)
	repoCmd.AddCommand(repoRemoveCmd)
	repoCmd.AddCommand(repoPollCmd)
	rootCmd.AddCommand(repoCmd)
}

func repoAddRun(url string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	name := repoName
	if name == "" {
		name = repoNameFromURL(url)
	}
	if name == "" {
		return fmt.Errorf("cannot derive a name from %s; pass --name", url)
	}

	r := &models.Repo{
		Name:          name,
		RepoURL:       url,
		DefaultBranch: repoBranch,
		InstallRef:    repoInstallRef,
		Description:   repoDesc,
		Metadata:      map[string]any{models.MetaAutoPollEnabled: !repoNoPoll},
	}

	if dryRun {
		ui.DryRunMsg("Would add repo: %s (%s)", name, url)
		return nil
	}

	if err := s.CreateRepo(context.Background(), r); err != nil {
		return fmt.Errorf("add repo: %w", err)
	}

	ui.Success("Added repo: %s (%s)", output.Cyan(r.Name), output.ShortID(r.ID))
	return nil
}

func repoListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repos, err := s.ListRepos(ctx)
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		ui.Info("No repos registered. Use 'sentinell repo add <url>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Name", "URL", "Branch", "Poll", "Last Poll", "Open Incidents"})
	for _, r := range repos {
		incidents, _ := s.ListIncidents(ctx, store.IncidentListFilter{RepoID: r.ID})
		open := 0
		for _, inc := range incidents {
			if inc.Status != models.IncidentResolved {
				open++
			}
		}

		poll := "yes"
		if !r.AutoPollEnabled() {
			poll = "no"
		}
		_ = table.Append([]string{
			r.Name,
			r.RepoURL,
			r.DefaultBranch,
			poll,
			lastPollSummary(r),
			fmt.Sprintf("%d", open),
		})
	}
	_ = table.Render()
	return nil
}

func repoShowRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	r, err := resolveRepo(ctx, s, name)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(r.Name))
	fmt.Fprintf(ui.Out, "  URL:        %s\n", r.RepoURL)
	fmt.Fprintf(ui.Out, "  Branch:     %s\n", r.DefaultBranch)
	if r.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", r.Description)
	}
	if r.InstallRef != "" {
		fmt.Fprintf(ui.Out, "  Install:    %s\n", r.InstallRef)
	}
	fmt.Fprintf(ui.Out, "  Auto-poll:  %v\n", r.AutoPollEnabled())
	fmt.Fprintf(ui.Out, "  Last poll:  %s\n", lastPollSummary(r))
	fmt.Fprintf(ui.Out, "  Checkout:   %s\n", filepath.Join(checkoutsDir(), r.ID))
	fmt.Fprintf(ui.Out, "  Added:      %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  ID:         %s\n", r.ID)

	incidents, err := s.ListIncidents(ctx, store.IncidentListFilter{RepoID: r.ID, Limit: 10})
	if err == nil && len(incidents) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "  Recent incidents:")
		for _, inc := range incidents {
			fmt.Fprintf(ui.Out, "    %s  %-17s %s\n",
				output.ShortID(inc.ID),
				output.StatusColor(string(inc.Status)),
				output.Truncate(inc.Title, 60),
			)
		}
	}
	return nil
}

func repoRemoveRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	r, err := resolveRepo(ctx, s, name)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove repo: %s", r.Name)
		return nil
	}

	if err := s.DeleteRepo(ctx, r.ID); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}

	ui.Success("Removed repo: %s", output.Cyan(r.Name))
	return nil
}

func repoPollOneRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	r, err := resolveRepo(ctx, s, name)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would poll repo: %s", r.Name)
		return nil
	}

	p, err := newPoller(s)
	if err != nil {
		return err
	}
	res, err := p.PollRepo(ctx, r)
	if err != nil {
		return err
	}
	reportPoll(r.Name, res.Success, res.ExitCode, res.IncidentID)
	return nil
}

func repoPollAllRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would poll all repos with auto-poll enabled")
		return nil
	}

	p, err := newPoller(s)
	if err != nil {
		return err
	}
	summary, err := p.PollAll(context.Background())
	if err != nil {
		return err
	}

	for _, r := range summary.Results {
		if r.Error != "" {
			ui.Warning("Failed to poll %s: %s", r.Name, r.Error)
			continue
		}
		reportPoll(r.Name, r.Success, r.ExitCode, r.IncidentID)
	}
	ui.Info("Polled %d of %d repo(s); %d failing, %d skipped", summary.Polled, summary.Total, summary.Failing, summary.Skipped)
	return nil
}

func newPoller(s store.Store) (*poller.Poller, error) {
	logger := commandLogger()
	checkouts, err := git.NewCheckoutManager(checkoutsDir(), logger)
	if err != nil {
		return nil, err
	}
	return poller.New(s, checkouts, runner.New(viper.GetDuration("runner.timeout"), logger), nil, 0, logger), nil
}

func reportPoll(name string, success bool, exitCode int, incidentID string) {
	if success {
		ui.Success("%s: checks passed", output.Cyan(name))
		return
	}
	ui.Warning("%s: checks failed (exit %d); queued incident %s", name, exitCode, output.ShortID(incidentID))
}

// resolveRepo tries to find a repo by name first, then by ID.
func resolveRepo(ctx context.Context, s store.Store, ref string) (*models.Repo, error) {
	if r, err := s.GetRepoByName(ctx, ref); err == nil {
		return r, nil
	}
	if r, err := s.GetRepo(ctx, ref); err == nil {
		return r, nil
	}
	return nil, fmt.Errorf("repo not found: %s", ref)
}

// repoNameFromURL returns the final path segment of a remote URL without ".git".
func repoNameFromURL(url string) string {
	if _, name, err := git.ExtractOwnerRepo(url); err == nil {
		return name
	}
	trimmed := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}

// lastPollSummary renders the last_poll metadata entry for display.
func lastPollSummary(r *models.Repo) string {
	entry, ok := r.Metadata[models.MetaLastPoll].(map[string]any)
	if !ok {
		return "never"
	}
	at := fmt.Sprint(entry["at"])
	if t, err := time.Parse(time.RFC3339, at); err == nil {
		at = output.Age(t, time.Now())
	}
	if ok, _ := entry["success"].(bool); ok {
		return output.Green("passed") + " " + at
	}
	return output.Red("failed") + " " + at
}

func checkoutsDir() string {
	return viper.GetString("checkouts_dir")
}
