package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "forge"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage forge configuration.

Running bare 'forge config' is the same as 'forge config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# forge configuration
# See: forge config show (for effective values and sources)

# State/data directory (default: ~/.config/forge)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/forge/forge.db)
# db_path: {{ .DBPath }}

# Directory holding <project>/<branch> workspaces
workspace_root: "{{ .WorkspaceRoot }}"

log:
  # debug, info, warn or error
  level: "{{ .LogLevel }}"
  # console or json
  format: "{{ .LogFormat }}"

git:
  remote: "{{ .GitRemote }}"
  integration_branch: "{{ .IntegrationBranch }}"
  timeout: "{{ .GitTimeout }}"

anthropic:
  # Leave empty to use ANTHROPIC_API_KEY; without a key plans use templates
  api_key: ""
  model: "{{ .AnthropicModel }}"

orchestrator:
  # Auto-detected from the project manifest when empty
  test_command: "{{ .TestCommand }}"
  command_timeout: "{{ .CommandTimeout }}"
  # Push the branch and open a pull request when a session completes
  publish: {{ .Publish }}
  # Programs guidance may run; empty means the built-in list
  # allowed_programs: [npm, go, make]

reconciler:
  enabled: {{ .ReconcilerEnabled }}
  interval: "{{ .ReconcilerInterval }}"
  concurrency: {{ .ReconcilerConcurrency }}

serve:
  port: {{ .ServePort }}
`

type configTemplateData struct {
	StateDir              string
	DBPath                string
	WorkspaceRoot         string
	LogLevel              string
	LogFormat             string
	GitRemote             string
	IntegrationBranch     string
	GitTimeout            string
	AnthropicModel        string
	TestCommand           string
	CommandTimeout        string
	Publish               bool
	ReconcilerEnabled     bool
	ReconcilerInterval    string
	ReconcilerConcurrency int
	ServePort             int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:              viper.GetString("state_dir"),
		DBPath:                viper.GetString("db_path"),
		WorkspaceRoot:         viper.GetString("workspace_root"),
		LogLevel:              viper.GetString("log.level"),
		LogFormat:             viper.GetString("log.format"),
		GitRemote:             viper.GetString("git.remote"),
		IntegrationBranch:     viper.GetString("git.integration_branch"),
		GitTimeout:            viper.GetString("git.timeout"),
		AnthropicModel:        viper.GetString("anthropic.model"),
		TestCommand:           viper.GetString("orchestrator.test_command"),
		CommandTimeout:        viper.GetString("orchestrator.command_timeout"),
		Publish:               viper.GetBool("orchestrator.publish"),
		ReconcilerEnabled:     viper.GetBool("reconciler.enabled"),
		ReconcilerInterval:    viper.GetString("reconciler.interval"),
		ReconcilerConcurrency: viper.GetInt("reconciler.concurrency"),
		ServePort:             viper.GetInt("serve.port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "FORGE_STATE_DIR"},
	{Key: "db_path", EnvVar: "FORGE_DB_PATH"},
	{Key: "workspace_root", EnvVar: "FORGE_WORKSPACE_ROOT"},
	{Key: "log.level", EnvVar: "FORGE_LOG_LEVEL"},
	{Key: "log.format", EnvVar: "FORGE_LOG_FORMAT"},
	{Key: "git.timeout", EnvVar: "FORGE_GIT_TIMEOUT"},
	{Key: "git.remote", EnvVar: "FORGE_GIT_REMOTE"},
	{Key: "git.integration_branch", EnvVar: "FORGE_GIT_INTEGRATION_BRANCH"},
	{Key: "anthropic.api_key", EnvVar: "FORGE_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "FORGE_ANTHROPIC_MODEL"},
	{Key: "llm.max_tokens", EnvVar: "FORGE_LLM_MAX_TOKENS"},
	{Key: "llm.timeout", EnvVar: "FORGE_LLM_TIMEOUT"},
	{Key: "orchestrator.command_timeout", EnvVar: "FORGE_ORCHESTRATOR_COMMAND_TIMEOUT"},
	{Key: "orchestrator.test_command", EnvVar: "FORGE_ORCHESTRATOR_TEST_COMMAND"},
	{Key: "orchestrator.preview_command", EnvVar: "FORGE_ORCHESTRATOR_PREVIEW_COMMAND"},
	{Key: "orchestrator.preview_url", EnvVar: "FORGE_ORCHESTRATOR_PREVIEW_URL"},
	{Key: "orchestrator.publish", EnvVar: "FORGE_ORCHESTRATOR_PUBLISH"},
	{Key: "orchestrator.allowed_programs", EnvVar: "FORGE_ORCHESTRATOR_ALLOWED_PROGRAMS"},
	{Key: "reconciler.enabled", EnvVar: "FORGE_RECONCILER_ENABLED"},
	{Key: "reconciler.interval", EnvVar: "FORGE_RECONCILER_INTERVAL"},
	{Key: "reconciler.concurrency", EnvVar: "FORGE_RECONCILER_CONCURRENCY"},
	{Key: "serve.port", EnvVar: "FORGE_SERVE_PORT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Key == "anthropic.api_key" && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-32s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'forge config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
