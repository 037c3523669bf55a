package cmd

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/output"
)

var (
	wsBase         string
	wsForce        bool
	wsDeleteBranch bool
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage branch workspaces",
	Long:    "List, create, activate and remove the per-branch checkouts of your projects.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceListRun("")
	},
}

var workspaceListCmd = &cobra.Command{
	Use:     "list [project]",
	Aliases: []string{"ls"},
	Short:   "List workspaces for one or all projects",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var projectRef string
		if len(args) > 0 {
			projectRef = args[0]
		}
		return workspaceListRun(projectRef)
	},
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <project> <branch>",
	Short: "Create a workspace on a new branch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceCreateRun(args[0], args[1])
	},
}

var workspaceActivateCmd = &cobra.Command{
	Use:   "activate <project> <branch>",
	Short: "Check out an existing or remote branch into a workspace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceActivateRun(args[0], args[1])
	},
}

var workspaceDeactivateCmd = &cobra.Command{
	Use:   "deactivate <project> <branch>",
	Short: "Remove a workspace but keep its branch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceDeactivateRun(args[0], args[1])
	},
}

var workspaceRemoveCmd = &cobra.Command{
	Use:     "remove <project> <branch>",
	Aliases: []string{"rm"},
	Short:   "Remove a workspace",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspaceRemoveRun(args[0], args[1])
	},
}

var workspaceCloneCmd = &cobra.Command{
	Use:   "clone <url> [project]",
	Short: "Clone a repository as a new project",
	Long:  "Clone a repository into <workspace_root>/<project>/main. The project name defaults to the repository name.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		project := projectNameFromURL(args[0])
		if len(args) > 1 {
			project = args[1]
		}
		return workspaceCloneRun(args[0], project)
	},
}

var workspaceBranchesCmd = &cobra.Command{
	Use:   "branches [project]",
	Short: "List active and inactive branches",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var projectRef string
		if len(args) > 0 {
			projectRef = args[0]
		}
		return workspaceBranchesRun(projectRef)
	},
}

var workspaceSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Prune records of workspaces whose directories are gone",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dryRun {
			ui.DryRunMsg("Would prune stale worktree records under %s", getManager().Root())
			return nil
		}
		getManager().Sweep(context.Background())
		ui.Success("Pruned stale worktree records")
		return nil
	},
}

func init() {
	workspaceCreateCmd.Flags().StringVar(&wsBase, "base", "", "Base branch (default: integration branch)")
	workspaceActivateCmd.Flags().StringVar(&wsBase, "base", "", "Base branch when the branch is new")
	workspaceDeactivateCmd.Flags().BoolVarP(&wsForce, "force", "f", false, "Deactivate even with unsaved changes")
	workspaceRemoveCmd.Flags().BoolVarP(&wsForce, "force", "f", false, "Remove even with unsaved changes")
	workspaceRemoveCmd.Flags().BoolVar(&wsDeleteBranch, "delete-branch", false, "Also delete the local branch")

	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceActivateCmd)
	workspaceCmd.AddCommand(workspaceDeactivateCmd)
	workspaceCmd.AddCommand(workspaceRemoveCmd)
	workspaceCmd.AddCommand(workspaceCloneCmd)
	workspaceCmd.AddCommand(workspaceBranchesCmd)
	workspaceCmd.AddCommand(workspaceSweepCmd)
	rootCmd.AddCommand(workspaceCmd)
}

func workspaceListRun(projectRef string) error {
	m := getManager()
	ctx := context.Background()

	// If project specified, list that one
	if projectRef != "" {
		wss, err := m.ListWorkspaces(ctx, projectRef)
		if err != nil {
			return err
		}
		if len(wss) == 0 {
			ui.Info("No workspaces for %s", projectRef)
			return nil
		}
		renderWorkspaces(wss, false)
		return nil
	}

	// Otherwise list all projects' workspaces
	projects, err := m.ListProjects()
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		ui.Info("No projects under %s. Use 'forge workspace clone' to add one.", m.Root())
		return nil
	}

	var all []models.Workspace
	for _, p := range projects {
		wss, err := m.ListWorkspaces(ctx, p)
		if err != nil {
			ui.VerboseLog("skip %s: %v", p, err)
			continue
		}
		all = append(all, wss...)
	}
	if len(all) == 0 {
		ui.Info("No workspaces found.")
		return nil
	}
	renderWorkspaces(all, true)
	return nil
}

func renderWorkspaces(wss []models.Workspace, withProject bool) {
	headers := []string{"Branch", "Status", "Base", "Modified", "Path"}
	if withProject {
		headers = append([]string{"Project"}, headers...)
	}
	table := ui.Table(headers)
	for _, w := range wss {
		name := w.Branch
		if w.Primary {
			name += " (primary)"
		}
		row := []string{
			name,
			output.StatusColor(string(w.Status)),
			w.BaseBranch,
			timeAgo(w.LastModified),
			w.Path,
		}
		if withProject {
			row = append([]string{output.Cyan(w.Project)}, row...)
		}
		_ = table.Append(row)
	}
	_ = table.Render()
}

func workspaceCreateRun(project, name string) error {
	m := getManager()
	if dryRun {
		ui.DryRunMsg("Would create workspace %s for %s", name, project)
		return nil
	}

	ui.Info("Creating workspace %s for %s...", output.Cyan(name), output.Cyan(project))
	ws, err := m.CreateWorkspace(context.Background(), project, name, wsBase)
	if err != nil {
		return err
	}
	ui.Success("Created workspace %s", output.Cyan(ws.Branch))
	fmt.Fprintf(ui.Out, "  Path: %s\n", ws.Path)
	return nil
}

func workspaceActivateRun(project, name string) error {
	m := getManager()
	if dryRun {
		ui.DryRunMsg("Would activate branch %s of %s", name, project)
		return nil
	}

	ws, err := m.ActivateBranch(context.Background(), project, name, wsBase)
	if err != nil {
		return err
	}
	ui.Success("Activated %s", output.Cyan(ws.Branch))
	fmt.Fprintf(ui.Out, "  Path: %s\n", ws.Path)
	return nil
}

func workspaceDeactivateRun(project, name string) error {
	m := getManager()
	if dryRun {
		ui.DryRunMsg("Would deactivate %s of %s (branch kept)", name, project)
		return nil
	}

	if err := m.DeactivateBranch(context.Background(), project, name, wsForce); err != nil {
		return err
	}
	ui.Success("Deactivated %s; branch kept", output.Cyan(name))
	return nil
}

func workspaceRemoveRun(project, name string) error {
	m := getManager()
	ctx := context.Background()
	if dryRun {
		ui.DryRunMsg("Would remove workspace %s of %s", name, project)
		if wsDeleteBranch {
			ui.DryRunMsg("Would delete branch %s", name)
		}
		return nil
	}

	if err := m.RemoveWorkspace(ctx, project, name, wsForce); err != nil {
		return err
	}
	ui.Success("Removed workspace %s", output.Cyan(name))

	if wsDeleteBranch {
		if err := m.DeleteBranch(ctx, project, name, wsForce); err != nil {
			return fmt.Errorf("delete branch: %w", err)
		}
		ui.Success("Deleted branch %s", output.Cyan(name))
	}
	return nil
}

func workspaceCloneRun(url, project string) error {
	if project == "" {
		return fmt.Errorf("cannot derive a project name from %s; pass one explicitly", url)
	}
	m := getManager()
	if dryRun {
		ui.DryRunMsg("Would clone %s into %s", url, m.PrimaryPath(project))
		return nil
	}

	ui.Info("Cloning %s...", url)
	ws, err := m.CloneProject(context.Background(), url, project)
	if err != nil {
		return err
	}
	ui.Success("Cloned project %s", output.Cyan(project))
	fmt.Fprintf(ui.Out, "  Path: %s\n", ws.Path)
	return nil
}

func workspaceBranchesRun(projectRef string) error {
	project, err := resolveProject(projectRef)
	if err != nil {
		return err
	}
	set, err := getManager().GetAllBranches(context.Background(), project)
	if err != nil {
		return err
	}

	table := ui.Table([]string{"Branch", "Workspace"})
	for _, b := range set.Active {
		_ = table.Append([]string{b, output.Green("active")})
	}
	for _, b := range set.Inactive {
		_ = table.Append([]string{b, output.Yellow("inactive")})
	}
	if len(set.Active)+len(set.Inactive) == 0 {
		ui.Info("No branches for %s", project)
		return nil
	}
	_ = table.Render()
	return nil
}

// projectNameFromURL returns the repository name of a clone URL.
func projectNameFromURL(url string) string {
	u := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	name := path.Base(strings.ReplaceAll(u, ":", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
