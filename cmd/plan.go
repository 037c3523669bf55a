package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/output"
	"github.com/joescharf/forge/internal/planner"
)

var (
	planDir      string
	planFeedback string
	planJSON     bool
)

var planCmd = &cobra.Command{
	Use:   "plan <requirement>",
	Short: "Produce an ordered step plan for a requirement",
	Long: `Summarize a project directory and ask the AI collaborator for a plan.
Without an API key, or when the answer is unusable, a template plan is printed.
Nothing is executed; use 'forge session run' for that.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return planRun(strings.Join(args, " "))
	},
}

var planSummaryCmd = &cobra.Command{
	Use:   "summary [dir]",
	Short: "Show the project summary the planner sees",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		fmt.Fprint(ui.Out, planner.Summarize(dir).String())
		return nil
	},
}

func init() {
	planCmd.Flags().StringVar(&planDir, "dir", ".", "Project directory to summarize")
	planCmd.Flags().StringVar(&planFeedback, "feedback", "", "Refine the first plan with this feedback")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")

	planCmd.AddCommand(planSummaryCmd)
	rootCmd.AddCommand(planCmd)
}

func planRun(requirement string) error {
	ctx := context.Background()
	p := newPlanner()

	plan := p.PlanTask(ctx, requirement, planner.Summarize(planDir))
	if planFeedback != "" {
		plan = p.Refine(ctx, plan, planFeedback)
	}

	if planJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	if plan.Fallback {
		ui.Warning("Using a template plan (no usable AI answer)")
	}
	printPlan(plan)
	return nil
}

func printPlan(plan *models.Plan) {
	fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan("Goal:"), plan.Goal)
	table := ui.Table([]string{"#", "Step", "Deliverable", "Min", "After"})
	for _, s := range plan.Steps {
		deps := make([]string, len(s.Dependencies))
		for i, d := range s.Dependencies {
			deps[i] = fmt.Sprintf("%d", d)
		}
		_ = table.Append([]string{
			fmt.Sprintf("%d", s.ID),
			truncate(s.Title, 40),
			truncate(s.Deliverable, 40),
			fmt.Sprintf("%d", s.EstimatedMinutes),
			strings.Join(deps, ","),
		})
	}
	_ = table.Render()
	fmt.Fprintf(ui.Out, "Estimated total: %d min\n", plan.TotalEstimatedMinutes)
	if len(plan.Risks) > 0 {
		fmt.Fprintln(ui.Out, "Risks:")
		for _, r := range plan.Risks {
			fmt.Fprintf(ui.Out, "  - %s\n", r)
		}
	}
	if len(plan.SuccessCriteria) > 0 {
		fmt.Fprintln(ui.Out, "Success criteria:")
		for _, c := range plan.SuccessCriteria {
			fmt.Fprintf(ui.Out, "  - %s\n", c)
		}
	}
}
