package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
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
	return filepath.Join(home, ".config", "sentinell"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage sentinell configuration.

Every key can also be set through a SENTINELL_ environment variable, with
dots replaced by underscores (e.g. SENTINELL_GITHUB_TOKEN).

Running bare 'sentinell config' is the same as 'sentinell config show'.`,
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
const configTemplate = `# sentinell configuration
# See: sentinell config show (for effective values and sources)

# SQLite database path (default: ~/.config/sentinell/sentinell.db)
db_path: {{ .DBPath }}

# Where repo clones are kept (default: ~/.config/sentinell/checkouts)
checkouts_dir: {{ .CheckoutsDir }}

log:
  # debug, info, warn or error
  level: {{ .LogLevel }}
  # Optional JSON log file with rotation
  file: "{{ .LogFile }}"

# Plan generation
anthropic:
  api_key: "" # prefer SENTINELL_ANTHROPIC_API_KEY
  model: "{{ .AnthropicModel }}"
llm:
  requests_per_minute: {{ .RequestsPerMinute }}

# Retrieval: embeddings are computed with OpenAI and stored in Weaviate.
# Leave weaviate.host empty to run without retrieval.
openai:
  api_key: "" # prefer SENTINELL_OPENAI_API_KEY
  embedding_model: "{{ .EmbeddingModel }}"
weaviate:
  host: "{{ .WeaviateHost }}"
  scheme: {{ .WeaviateScheme }}
  class: {{ .WeaviateClass }}

# Pull requests and webhooks
github:
  token: "" # prefer SENTINELL_GITHUB_TOKEN
  api_url: "{{ .GitHubAPIURL }}"
  webhook_secret: "" # prefer SENTINELL_GITHUB_WEBHOOK_SECRET

git:
  user_name: "{{ .GitUserName }}"
  user_email: "{{ .GitUserEmail }}"
  branch_prefix: "{{ .BranchPrefix }}"
  notes_dir: "{{ .NotesDir }}"

resolver:
  max_iterations: {{ .MaxIterations }}
  # Suspend every generated plan until approved
  require_approval: {{ .RequireApproval }}
  # Re-run executed commands and check patches before resolving
  verify: {{ .Verify }}

runner:
  timeout: {{ .RunnerTimeout }}

worker:
  poll_interval: {{ .WorkerPollInterval }}
  busy_interval: {{ .WorkerBusyInterval }}

# Periodically run each repo's tests and open incidents on failure
poller:
  enabled: {{ .PollerEnabled }}
  interval: {{ .PollerInterval }}

# Tail log files and open incidents for lines at or above min_level
watcher:
  files: []
  repo_id: "{{ .WatcherRepoID }}"
  min_level: {{ .WatcherMinLevel }}

server:
  port: {{ .ServerPort }}
`

type configTemplateData struct {
	DBPath             string
	CheckoutsDir       string
	LogLevel           string
	LogFile            string
	AnthropicModel     string
	RequestsPerMinute  int
	EmbeddingModel     string
	WeaviateHost       string
	WeaviateScheme     string
	WeaviateClass      string
	GitHubAPIURL       string
	GitUserName        string
	GitUserEmail       string
	BranchPrefix       string
	NotesDir           string
	MaxIterations      int
	RequireApproval    bool
	Verify             bool
	RunnerTimeout      string
	WorkerPollInterval string
	WorkerBusyInterval string
	PollerEnabled      bool
	PollerInterval     string
	WatcherRepoID      string
	WatcherMinLevel    string
	ServerPort         int
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
		DBPath:             viper.GetString("db_path"),
		CheckoutsDir:       viper.GetString("checkouts_dir"),
		LogLevel:           viper.GetString("log.level"),
		LogFile:            viper.GetString("log.file"),
		AnthropicModel:     viper.GetString("anthropic.model"),
		RequestsPerMinute:  viper.GetInt("llm.requests_per_minute"),
		EmbeddingModel:     viper.GetString("openai.embedding_model"),
		WeaviateHost:       viper.GetString("weaviate.host"),
		WeaviateScheme:     viper.GetString("weaviate.scheme"),
		WeaviateClass:      viper.GetString("weaviate.class"),
		GitHubAPIURL:       viper.GetString("github.api_url"),
		GitUserName:        viper.GetString("git.user_name"),
		GitUserEmail:       viper.GetString("git.user_email"),
		BranchPrefix:       viper.GetString("git.branch_prefix"),
		NotesDir:           viper.GetString("git.notes_dir"),
		MaxIterations:      viper.GetInt("resolver.max_iterations"),
		RequireApproval:    viper.GetBool("resolver.require_approval"),
		Verify:             viper.GetBool("resolver.verify"),
		RunnerTimeout:      viper.GetDuration("runner.timeout").String(),
		WorkerPollInterval: viper.GetDuration("worker.poll_interval").String(),
		WorkerBusyInterval: viper.GetDuration("worker.busy_interval").String(),
		PollerEnabled:      viper.GetBool("poller.enabled"),
		PollerInterval:     viper.GetDuration("poller.interval").String(),
		WatcherRepoID:      viper.GetString("watcher.repo_id"),
		WatcherMinLevel:    viper.GetString("watcher.min_level"),
		ServerPort:         viper.GetInt("server.port"),
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
	Secret bool
}

// EnvVar returns the environment variable viper reads for the key.
func (k configKeyInfo) EnvVar() string {
	return "SENTINELL_" + strings.ToUpper(strings.ReplaceAll(k.Key, ".", "_"))
}

var configKeys = []configKeyInfo{
	{Key: "db_path"},
	{Key: "checkouts_dir"},
	{Key: "log.level"},
	{Key: "log.file"},
	{Key: "anthropic.api_key", Secret: true},
	{Key: "anthropic.model"},
	{Key: "llm.requests_per_minute"},
	{Key: "openai.api_key", Secret: true},
	{Key: "openai.embedding_model"},
	{Key: "weaviate.host"},
	{Key: "weaviate.scheme"},
	{Key: "weaviate.api_key", Secret: true},
	{Key: "weaviate.class"},
	{Key: "github.token", Secret: true},
	{Key: "github.api_url"},
	{Key: "github.webhook_secret", Secret: true},
	{Key: "git.user_name"},
	{Key: "git.user_email"},
	{Key: "git.branch_prefix"},
	{Key: "git.notes_dir"},
	{Key: "resolver.max_iterations"},
	{Key: "resolver.require_approval"},
	{Key: "resolver.verify"},
	{Key: "runner.timeout"},
	{Key: "worker.poll_interval"},
	{Key: "worker.busy_interval"},
	{Key: "poller.enabled"},
	{Key: "poller.interval"},
	{Key: "watcher.files"},
	{Key: "watcher.repo_id"},
	{Key: "watcher.min_level"},
	{Key: "server.port"},
}

// displayValue masks secrets, showing only whether they are set.
func displayValue(k configKeyInfo, val any) string {
	s := fmt.Sprint(val)
	if k.Secret && s != "" {
		return "********"
	}
	return s
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
		val := displayValue(k, viper.Get(k.Key))
		source := detectSource(k.Key, k.EnvVar(), fileValues)
		fmt.Fprintf(ui.Out, "  %-27s %s  %s\n", k.Key, val, source)
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
		return fmt.Errorf("config file not found: %s (run 'sentinell config init' first)", cfgPath)
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
