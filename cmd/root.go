package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/joescharf/forge/internal/git"
	"github.com/joescharf/forge/internal/logging"
	"github.com/joescharf/forge/internal/output"
	"github.com/joescharf/forge/internal/store"
	"github.com/joescharf/forge/internal/todo"
	"github.com/joescharf/forge/internal/workspace"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	logger    *zap.Logger

	verbose bool
	dryRun  bool
)

// One manager and one work-item store per project are shared by every
// caller in the process so the stores' locks serialize their writers.
var (
	depsMu     sync.Mutex
	wsManager  *workspace.Manager
	todoStores = map[string]*todo.Store{}
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Forge - isolated workspaces and planned agent sessions for your repos",
	Long: `forge turns a plain-language requirement into a planned, executed and
published change, each running in its own git worktree. It also keeps every
workspace in step with upstream and tracks work items as a tree.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	rootCmd.Version = version

	err := rootCmd.Execute()
	if dataStore != nil {
		_ = dataStore.Close()
	}
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/forge/config.yaml)")
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "forge")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("FORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "forge"), filepath.Join(home, "forge"))

	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults(stateDir, workspaceRoot string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "forge.db"))
	viper.SetDefault("workspace_root", workspaceRoot)
	viper.SetDefault("log.level", "warn")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("git.timeout", "2m")
	viper.SetDefault("git.remote", "origin")
	viper.SetDefault("git.integration_branch", "main")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("llm.timeout", "2m")
	viper.SetDefault("orchestrator.command_timeout", "10m")
	viper.SetDefault("orchestrator.test_command", "")
	viper.SetDefault("orchestrator.preview_command", "")
	viper.SetDefault("orchestrator.preview_url", "")
	viper.SetDefault("orchestrator.publish", true)
	viper.SetDefault("orchestrator.allowed_programs", []string{})
	viper.SetDefault("reconciler.enabled", true)
	viper.SetDefault("reconciler.interval", "5m")
	viper.SetDefault("reconciler.concurrency", 4)
	viper.SetDefault("serve.port", 8080)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Store, logger and workspace manager are created lazily so config and
	// version commands run without a database.
}

// getLogger returns the shared zap logger, building it from config on first call.
func getLogger() *zap.Logger {
	if logger != nil {
		return logger
	}
	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	l, err := logging.New(level, viper.GetString("log.format"))
	if err != nil {
		ui.Warning("Invalid log config, logging disabled: %v", err)
		l = zap.NewNop()
	}
	logger = l
	return logger
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

func newGitClient() *git.RealClient {
	return git.NewClient(viper.GetDuration("git.timeout"))
}

// getManager returns the shared workspace manager rooted at workspace_root.
func getManager() *workspace.Manager {
	depsMu.Lock()
	defer depsMu.Unlock()
	if wsManager == nil {
		wsManager = workspace.NewManager(workspace.Options{
			Root:              viper.GetString("workspace_root"),
			Remote:            viper.GetString("git.remote"),
			IntegrationBranch: viper.GetString("git.integration_branch"),
		}, newGitClient(), getLogger())
	}
	return wsManager
}

// todoStore returns the work-item store kept in the project's primary
// checkout, opening it on first use.
func todoStore(project string) (*todo.Store, error) {
	dir, err := getManager().ProjectTodosPath(project)
	if err != nil {
		return nil, err
	}
	return cachedTodoStore(dir)
}

func cachedTodoStore(dir string) (*todo.Store, error) {
	depsMu.Lock()
	defer depsMu.Unlock()
	if ts, ok := todoStores[dir]; ok {
		return ts, nil
	}
	ts, err := todo.NewStore(dir)
	if err != nil {
		return nil, err
	}
	todoStores[dir] = ts
	return ts, nil
}

// resetDeps drops the shared manager and work-item stores.
func resetDeps() {
	depsMu.Lock()
	defer depsMu.Unlock()
	wsManager = nil
	todoStores = map[string]*todo.Store{}
}

// resolveProject returns ref, or the project the working directory belongs to.
func resolveProject(ref string) (string, error) {
	if ref != "" {
		return ref, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if p := projectFromPath(viper.GetString("workspace_root"), cwd); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("no project given and %s is not inside %s", cwd, viper.GetString("workspace_root"))
}

// projectFromPath returns the first path segment of dir below root.
func projectFromPath(root, dir string) string {
	if root == "" {
		return ""
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(absRoot, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return strings.Split(filepath.ToSlash(rel), "/")[0]
}
