package cmd

import (
	"github.com/spf13/viper"

	"github.com/joescharf/forge/internal/git"
	"github.com/joescharf/forge/internal/metrics"
	"github.com/joescharf/forge/internal/orchestrator"
	"github.com/joescharf/forge/internal/planner"
	"github.com/joescharf/forge/internal/reconciler"
	"github.com/joescharf/forge/internal/workspace"
)

// newPlanner builds a planner over the configured LLM, falling back to
// template plans when no API key is set.
func newPlanner() *planner.Planner {
	return planner.New(newLLMClient(), viper.GetString("anthropic.model"), getLogger())
}

// newOrchestrator wires an orchestrator over the workspace manager, store and
// the configured command policy. m may be nil.
func newOrchestrator(mgr *workspace.Manager, m *metrics.Metrics) (*orchestrator.Orchestrator, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	gc := newGitClient()
	policy := orchestrator.Policy{Programs: viper.GetStringSlice("orchestrator.allowed_programs")}
	if len(policy.Programs) == 0 {
		policy.Programs = orchestrator.DefaultPrograms()
	}

	opts := orchestrator.Options{
		Workspaces: mgr,
		Planner:    newPlanner(),
		Guide:      newLLMClient(),
		Selector:   viper.GetString("anthropic.model"),
		Runner:     orchestrator.NewExecRunner(viper.GetDuration("orchestrator.command_timeout")),
		Publisher:  orchestrator.NewGitPublisher(gc, git.NewGitHubClient(viper.GetDuration("git.timeout")), viper.GetString("git.remote")),
		Store:      s,
		WorkItems: func(project string) (orchestrator.WorkItems, error) {
			return todoStore(project)
		},
		Summarize:      planner.Summarize,
		Metrics:        m,
		Logger:         getLogger(),
		Policy:         policy,
		BaseBranch:     viper.GetString("git.integration_branch"),
		TestCommand:    viper.GetString("orchestrator.test_command"),
		PreviewCommand: viper.GetString("orchestrator.preview_command"),
		PreviewURL:     viper.GetString("orchestrator.preview_url"),
		Publish:        viper.GetBool("orchestrator.publish"),
	}
	if opts.PreviewCommand != "" {
		opts.Previewer = orchestrator.NewHTTPPreviewer()
	}
	return orchestrator.New(opts), nil
}

// newReconciler wires a reconciler that persists statuses to the store. m may be nil.
func newReconciler(mgr *workspace.Manager, m *metrics.Metrics) (*reconciler.Reconciler, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return reconciler.New(mgr, newGitClient(), s, m, reconciler.Config{
		Enabled:     viper.GetBool("reconciler.enabled"),
		Interval:    viper.GetDuration("reconciler.interval"),
		Concurrency: viper.GetInt("reconciler.concurrency"),
	}, getLogger()), nil
}
