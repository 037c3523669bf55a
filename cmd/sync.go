package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/output"
)

var syncStrategy string

var syncCmd = &cobra.Command{
	Use:   "sync [project]",
	Short: "Bring every workspace in step with upstream",
	Long: `Fetch each project, fast-forward clean workspaces that are only behind,
and report branches that are ahead, diverged or conflicted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var project string
		if len(args) > 0 {
			project = args[0]
		}
		return syncRun(project)
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show the last recorded statuses without fetching",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var project string
		if len(args) > 0 {
			project = args[0]
		}
		return syncStatusRun(project)
	},
}

var syncAttentionCmd = &cobra.Command{
	Use:   "attention",
	Short: "List workspaces that need a person",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncAttentionRun()
	},
}

var syncResolveCmd = &cobra.Command{
	Use:   "resolve <project> <branch>",
	Short: "Resolve merge conflicts in a workspace",
	Long: `Resolve every conflicted file with one strategy:

  accept-ours    keep the workspace's version
  accept-theirs  take the upstream version
  auto-merge     merge documents keeping both sides, keep ours for other files
  manual-review  change nothing and list the files`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncResolveRun(args[0], args[1], models.ConflictStrategy(syncStrategy))
	},
}

var syncWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run reconcile passes on an interval until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncWatchRun()
	},
}

func init() {
	syncResolveCmd.Flags().StringVar(&syncStrategy, "strategy", string(models.StrategyAutoMerge),
		"accept-ours, accept-theirs, auto-merge or manual-review")

	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncAttentionCmd)
	syncCmd.AddCommand(syncResolveCmd)
	syncCmd.AddCommand(syncWatchCmd)
	rootCmd.AddCommand(syncCmd)
}

func syncRun(project string) error {
	if dryRun {
		ui.DryRunMsg("Would fetch and fast-forward workspaces under %s", getManager().Root())
		return nil
	}
	r, err := newReconciler(getManager(), nil)
	if err != nil {
		return err
	}
	statuses, err := r.RunCycle(context.Background())
	if err != nil {
		return err
	}
	if project != "" {
		statuses = filterProject(statuses, project)
	}
	return printSyncStatuses(statuses)
}

func syncStatusRun(project string) error {
	r, err := newReconciler(getManager(), nil)
	if err != nil {
		return err
	}
	statuses, err := r.Statuses(context.Background(), project)
	if err != nil {
		return err
	}
	return printSyncStatuses(statuses)
}

func printSyncStatuses(statuses []models.SyncStatus) error {
	if len(statuses) == 0 {
		ui.Info("No workspaces to report.")
		return nil
	}
	renderSyncStatuses(statuses)
	return nil
}

func filterProject(list []models.SyncStatus, project string) []models.SyncStatus {
	var out []models.SyncStatus
	for _, st := range list {
		if st.Project == project {
			out = append(out, st)
		}
	}
	return out
}

func renderSyncStatuses(list []models.SyncStatus) {
	table := ui.Table([]string{"Project", "Branch", "State", "Ahead", "Behind", "Message", "Checked"})
	for _, st := range list {
		msg := st.Message
		if len(st.Conflicts) > 0 {
			msg += " (" + strings.Join(st.Conflicts, ", ") + ")"
		}
		state := output.StatusColor(string(st.State))
		if st.NeedsAttention {
			state += output.Red(" !")
		}
		_ = table.Append([]string{
			output.Cyan(st.Project),
			st.Branch,
			state,
			fmt.Sprintf("%d", st.Ahead),
			fmt.Sprintf("%d", st.Behind),
			truncate(msg, 60),
			timeAgo(st.CheckedAt),
		})
	}
	_ = table.Render()
}

func syncAttentionRun() error {
	r, err := newReconciler(getManager(), nil)
	if err != nil {
		return err
	}
	list, err := r.GetProjectsNeedingAttention(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Success("All workspaces are in step with upstream")
		return nil
	}
	renderSyncStatuses(list)
	return nil
}

func syncResolveRun(project, branch string, strategy models.ConflictStrategy) error {
	if !strategy.Valid() {
		return fmt.Errorf("unknown strategy %q (use accept-ours, accept-theirs, auto-merge or manual-review)", strategy)
	}
	if dryRun {
		ui.DryRunMsg("Would resolve conflicts in %s/%s with %s", project, branch, strategy)
		return nil
	}
	r, err := newReconciler(getManager(), nil)
	if err != nil {
		return err
	}

	res, err := r.ResolveConflicts(context.Background(), project, branch, strategy)
	if err != nil {
		return err
	}
	for _, f := range res.Resolved {
		ui.VerboseLog("resolved %s", f)
	}
	for _, f := range res.Remaining {
		ui.Warning("unresolved: %s", f)
	}
	if len(res.Remaining) > 0 {
		ui.Info("%s", res.Message)
		return nil
	}
	ui.Success("%s", res.Message)
	return nil
}

func syncWatchRun() error {
	r, err := newReconciler(getManager(), nil)
	if err != nil {
		return err
	}
	interval := viper.GetDuration("reconciler.interval")
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	ui.Info("Reconciling every %s (Ctrl-C to stop)", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		statuses, err := r.RunCycle(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			ui.Warning("reconcile pass failed: %v", err)
		default:
			attention := 0
			for _, st := range statuses {
				if st.NeedsAttention {
					attention++
				}
			}
			ui.Info("%s checked %d workspaces, %d need attention", time.Now().Format("15:04:05"), len(statuses), attention)
			for _, st := range statuses {
				if st.NeedsAttention {
					ui.Warning("%s/%s: %s", st.Project, st.Branch, st.Message)
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
