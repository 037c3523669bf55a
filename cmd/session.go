package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/orchestrator"
	"github.com/joescharf/forge/internal/output"
	"github.com/joescharf/forge/internal/store"
)

var (
	sessProject   string
	sessBranch    string
	sessBase      string
	sessWorkspace string
	sessTodo      string
	sessLimit     int
	sessTail      int
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Run and inspect agent sessions",
	Long:    "An agent session plans a requirement, executes the steps in its own workspace, runs tests and publishes the result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionRunCmd = &cobra.Command{
	Use:   "run [requirement]",
	Short: "Run a session in the foreground until it finishes",
	Long: `Plan and execute a requirement in a fresh workspace and wait for the result.
With --todo and no requirement, the work item's title and description are used.
Interrupting stops the session and removes its workspace.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRunRun(strings.Join(args, " "))
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recorded sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show session details and plan progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Print a session's audit log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionLogsRun(args[0])
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a session running under 'forge serve'",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStopRun(args[0])
	},
}

func init() {
	sessionRunCmd.Flags().StringVarP(&sessProject, "project", "p", "", "Project name (default: detect from cwd)")
	sessionRunCmd.Flags().StringVar(&sessBranch, "branch", "", "Branch name (default: derived from the requirement)")
	sessionRunCmd.Flags().StringVar(&sessBase, "base", "", "Base branch (default: integration branch)")
	sessionRunCmd.Flags().StringVar(&sessWorkspace, "workspace", "", "Run in this existing checkout instead of a new workspace")
	sessionRunCmd.Flags().StringVar(&sessTodo, "todo", "", "Work item ID to link")

	sessionListCmd.Flags().StringVarP(&sessProject, "project", "p", "", "Filter by project")
	sessionListCmd.Flags().IntVar(&sessLimit, "limit", 20, "Max sessions to show")

	sessionLogsCmd.Flags().IntVar(&sessTail, "tail", 0, "Only the last N entries")

	sessionCmd.AddCommand(sessionRunCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionLogsCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionRunRun(requirement string) error {
	project, err := resolveProject(sessProject)
	if err != nil {
		return err
	}

	todoID := ""
	if sessTodo != "" {
		ts, err := todoStore(project)
		if err != nil {
			return err
		}
		it, err := findWorkItem(ts, sessTodo)
		if err != nil {
			return err
		}
		todoID = it.ID
		if strings.TrimSpace(requirement) == "" {
			requirement = strings.TrimSpace(it.Title + "\n\n" + it.Description)
		}
	}
	if strings.TrimSpace(requirement) == "" {
		return fmt.Errorf("specify a requirement or --todo")
	}

	if dryRun {
		ui.DryRunMsg("Would run a session for %s: %s", project, truncate(requirement, 60))
		return nil
	}

	mgr := getManager()
	o, err := newOrchestrator(mgr, nil)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	// Checkpoint recovery is left to 'forge serve', which may share the store.
	s, err := o.Start(ctx, requirement, orchestrator.StartOptions{
		Project:       project,
		Branch:        sessBranch,
		Base:          sessBase,
		WorkspacePath: sessWorkspace,
		WorkItemID:    todoID,
	})
	if err != nil {
		return err
	}
	ui.Info("Session %s started on %s", output.Cyan(shortID(s.ID)), output.Cyan(s.Workspace.Branch))
	ui.VerboseLog("Workspace: %s", s.Workspace.Path)

	final, _, err := o.Wait(ctx, s.ID)
	if err != nil {
		ui.Warning("Interrupted, stopping session %s", shortID(s.ID))
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := o.Stop(stopCtx, s.ID); err != nil {
			ui.Warning("Cleanup: %v", err)
		}
		_ = o.Shutdown(stopCtx)
		return fmt.Errorf("session %s stopped", shortID(s.ID))
	}

	printSession(final)
	if final.State == models.SessionStateFailed {
		return fmt.Errorf("session failed: %s", final.LastError)
	}
	return nil
}

func sessionListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	sessions, err := s.ListAgentSessions(context.Background(), store.SessionFilter{Project: sessProject, Limit: sessLimit})
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Project", "Branch", "State", "Progress", "Requirement", "Started"})
	for _, sess := range sessions {
		_ = table.Append([]string{
			shortID(sess.ID),
			output.Cyan(sess.Workspace.Project),
			sess.Workspace.Branch,
			output.StatusColor(string(sess.State)),
			sessionProgress(sess),
			truncate(sess.Requirement, 40),
			timeAgo(sess.StartedAt),
		})
	}
	_ = table.Render()
	return nil
}

func sessionProgress(s *models.AgentSession) string {
	if s.Plan == nil {
		return "-"
	}
	return output.Progress(s.Workspace.CurrentStep, len(s.Plan.Steps))
}

func sessionShowRun(id string) error {
	sess, err := findSession(id)
	if err != nil {
		return err
	}
	printSession(sess)
	return nil
}

func printSession(s *models.AgentSession) {
	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(s.ID)), truncate(s.Requirement, 70))
	fmt.Fprintf(ui.Out, "  State:      %s\n", output.StatusColor(string(s.State)))
	fmt.Fprintf(ui.Out, "  Project:    %s\n", s.Workspace.Project)
	fmt.Fprintf(ui.Out, "  Branch:     %s\n", s.Workspace.Branch)
	fmt.Fprintf(ui.Out, "  Workspace:  %s (%s)\n", s.Workspace.Path, output.StatusColor(string(s.Workspace.Status)))
	fmt.Fprintf(ui.Out, "  Progress:   %s\n", sessionProgress(s))
	if s.WorkItemID != "" {
		fmt.Fprintf(ui.Out, "  Work item:  %s\n", shortID(s.WorkItemID))
	}
	fmt.Fprintf(ui.Out, "  Started:    %s\n", s.StartedAt.Format(time.RFC3339))
	if s.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "  Finished:   %s (%s)\n", s.CompletedAt.Format(time.RFC3339), s.CompletedAt.Sub(s.StartedAt).Round(time.Second))
	}
	if s.LastError != "" {
		fmt.Fprintf(ui.Out, "  Error:      %s\n", output.Red(s.LastError))
	}
	if n := len(s.Artifacts.TestRuns); n > 0 {
		last := s.Artifacts.TestRuns[n-1]
		result := output.Green("passed")
		if !last.Passed {
			result = output.Red("failed")
		}
		fmt.Fprintf(ui.Out, "  Tests:      %s (%s)\n", result, last.Command)
	}
	if len(s.Artifacts.ChangedFiles) > 0 {
		fmt.Fprintf(ui.Out, "  Changed:    %d files\n", len(s.Artifacts.ChangedFiles))
	}
	if s.Artifacts.DemoVideo != "" || len(s.Artifacts.Screenshots) > 0 {
		fmt.Fprintf(ui.Out, "  Demo:       %s\n", strings.Join(append(append([]string(nil), s.Artifacts.Screenshots...), s.Artifacts.DemoVideo), " "))
	}
	if s.Artifacts.PullRequestURL != "" {
		fmt.Fprintf(ui.Out, "  PR:         %s\n", s.Artifacts.PullRequestURL)
	}
	if s.Plan != nil && len(s.Plan.Steps) > 0 {
		fmt.Fprintln(ui.Out, "  Plan:")
		for i, st := range s.Plan.Steps {
			mark := " "
			switch {
			case s.State == models.SessionStateCompleted || i+1 < s.Workspace.CurrentStep:
				mark = output.Green("x")
			case i+1 == s.Workspace.CurrentStep && !s.State.Terminal():
				mark = output.Yellow(">")
			}
			fmt.Fprintf(ui.Out, "    [%s] %d. %s\n", mark, st.ID, st.Title)
		}
	}
}

func sessionLogsRun(id string) error {
	sess, err := findSession(id)
	if err != nil {
		return err
	}
	logs := sess.Logs
	if sessTail > 0 && len(logs) > sessTail {
		logs = logs[len(logs)-sessTail:]
	}
	if len(logs) == 0 {
		ui.Info("No log entries for %s", shortID(sess.ID))
		return nil
	}
	for _, l := range logs {
		fmt.Fprintf(ui.Out, "%s %-7s step %d  %s\n", l.Time.Format("15:04:05"), logLevelColor(l.Level), l.Step, l.Message)
	}
	return nil
}

func logLevelColor(l models.LogLevel) string {
	switch l {
	case models.LogSuccess:
		return output.Green(string(l))
	case models.LogWarning:
		return output.Yellow(string(l))
	case models.LogError:
		return output.Red(string(l))
	default:
		return string(l)
	}
}

// sessionStopRun asks a running 'forge serve' to stop the session, since only
// the process that owns a session can cancel it.
func sessionStopRun(id string) error {
	sess, err := findSession(id)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		ui.Info("Session %s already %s", shortID(sess.ID), sess.State)
		return nil
	}
	if dryRun {
		ui.DryRunMsg("Would stop session %s", shortID(sess.ID))
		return nil
	}

	url := fmt.Sprintf("http://localhost:%d/api/v1/sessions/%s/stop", viper.GetInt("serve.port"), sess.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact forge serve (is it running?): %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Error   string `json:"error"`
		Warning string `json:"warning"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK {
		if body.Error == "" {
			body.Error = resp.Status
		}
		return fmt.Errorf("stop session: %s", body.Error)
	}
	if body.Warning != "" {
		ui.Warning("%s", body.Warning)
	}
	ui.Success("Stopped session %s", output.Cyan(shortID(sess.ID)))
	return nil
}

// findSession finds a recorded session by full ID or unique prefix.
func findSession(id string) (*models.AgentSession, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	ctx := context.Background()

	// Try exact match first
	if sess, ok, err := s.GetAgentSession(ctx, id); err != nil {
		return nil, err
	} else if ok {
		return sess, nil
	}

	// Try prefix match - list all and filter
	upper := strings.ToUpper(id)
	all, err := s.ListAgentSessions(ctx, store.SessionFilter{})
	if err != nil {
		return nil, err
	}
	var matches []*models.AgentSession
	for _, sess := range all {
		if strings.HasPrefix(sess.ID, upper) {
			matches = append(matches, sess)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session ID %s: matches %d sessions", id, len(matches))
	}
}
