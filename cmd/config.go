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

	"github.com/joescharf/flock/internal/config"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "flock"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage flock configuration.

Running bare 'flock config' is the same as 'flock config show'.`,
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
const configTemplate = `# flock configuration
# See: flock config show (for effective values and sources)
# Every key can be overridden with FLOCK_<SECTION>_<KEY>, e.g. FLOCK_SANDBOX_DRIVER.

# SQLite journal path (default: ~/.config/flock/flock.db)
# db_path: {{ .DBPath }}

log:
  level: {{ .LogLevel }}    # debug, info, warn, error
  format: {{ .LogFormat }}  # text or json

anthropic:
  # api_key: ""  (or ANTHROPIC_API_KEY)
  model: "{{ .Model }}"

agent:
  max_iterations: {{ .MaxIterations }}
  endless_mode: false
  edit_mode: {{ .EditMode }}  # whole or line
  stream: true
  summary_every: 10  # completions between summaries, 0 disables

sessions:
  max_concurrent: {{ .MaxConcurrent }}
  ceiling_policy: {{ .CeilingPolicy }}  # reject or block

sandbox:
  driver: {{ .Driver }}  # docker or local
  image: "{{ .Image }}"
  memory: "2g"
  cpus: "2"

git:
  main_branch: {{ .MainBranch }}
  branch_prefix: "{{ .BranchPrefix }}"
  auto_commit: true
  auto_push: false

github:
  # Open or update a pull request after each pushed turn (needs gh).
  pull_requests: false

commands:
  # Run inside the sandbox before committing, e.g. "gofmt -w ."
  lint_fix: ""
  test: ""
`

type configTemplateData struct {
	DBPath        string
	LogLevel      string
	LogFormat     string
	Model         string
	MaxIterations int
	EditMode      string
	MaxConcurrent int
	CeilingPolicy string
	Driver        string
	Image         string
	MainBranch    string
	BranchPrefix  string
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
		DBPath:        viper.GetString("db_path"),
		LogLevel:      viper.GetString("log.level"),
		LogFormat:     viper.GetString("log.format"),
		Model:         viper.GetString("anthropic.model"),
		MaxIterations: viper.GetInt("agent.max_iterations"),
		EditMode:      viper.GetString("agent.edit_mode"),
		MaxConcurrent: viper.GetInt("sessions.max_concurrent"),
		CeilingPolicy: viper.GetString("sessions.ceiling_policy"),
		Driver:        viper.GetString("sandbox.driver"),
		Image:         viper.GetString("sandbox.image"),
		MainBranch:    viper.GetString("git.main_branch"),
		BranchPrefix:  viper.GetString("git.branch_prefix"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
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

	table := ui.Table([]string{"KEY", "VALUE", "SOURCE"})
	for _, k := range config.Keys {
		val := viper.Get(k.Name)
		source := detectSource(k.Name, k.EnvVar, fileValues)
		_ = table.Append([]string{k.Name, fmt.Sprint(val), source})
	}
	if err := table.Render(); err != nil {
		return err
	}

	if _, err := loadConfig(); err != nil {
		ui.Warning("%v", err)
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
		return fmt.Errorf("$EDITOR is not set (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'flock config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
