package cmd

import (
	"context"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/forge/internal/mcp"
	"github.com/joescharf/forge/internal/todo"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for AI assistant integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an assistant start and inspect agent sessions, check sync state,
resolve conflicts and manage work items. Configure it with:

  {
    "mcpServers": {
      "forge": { "command": "forge", "args": ["mcp"] }
    }
  }

Available tools: forge_list_sessions, forge_session_status,
forge_start_session, forge_stop_session, forge_sync_status,
forge_resolve_conflicts, forge_list_workspaces, forge_todo_tree,
forge_create_todo`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	// stdout carries the protocol; keep the UI on stderr.
	ui.Out = ui.ErrOut

	mgr := getManager()
	o, err := newOrchestrator(mgr, nil)
	if err != nil {
		return err
	}
	r, err := newReconciler(mgr, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	srv := mcp.NewServer(mcp.Options{
		Sessions:   o,
		Sync:       r,
		Workspaces: mgr,
		Todos:      todoStore,
		Classifier: todo.NewClassifier(newLLMClient(), viper.GetString("anthropic.model"), getLogger()),
		Version:    buildVersion,
	})
	err = srv.ServeStdio(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = o.Shutdown(shutdownCtx)
	return err
}
