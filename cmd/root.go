package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/joescharf/sentinell/internal/logging"
	"github.com/joescharf/sentinell/internal/output"
	"github.com/joescharf/sentinell/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "sentinell",
	Short: "Sentinell - automated incident remediation",
	Long: `sentinell turns incident signals (manual reports, log alerts, chat escalations
and CI failures) into queued incidents, then works each one through an
observe, reason, act and evaluate loop against the affected repo. Fixes that
pass evaluation are published as pull requests.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/sentinell/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SENTINELL")
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default, rooted at stateDir.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "sentinell.db"))
	viper.SetDefault("checkouts_dir", filepath.Join(stateDir, "checkouts"))

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-sonnet-4-5")
	viper.SetDefault("llm.requests_per_minute", 30)

	viper.SetDefault("openai.api_key", "")
	viper.SetDefault("openai.embedding_model", "text-embedding-3-small")
	viper.SetDefault("openai.base_url", "")

	viper.SetDefault("weaviate.host", "")
	viper.SetDefault("weaviate.scheme", "http")
	viper.SetDefault("weaviate.api_key", "")
	viper.SetDefault("weaviate.class", "SentinellDocument")

	viper.SetDefault("github.token", "")
	viper.SetDefault("github.api_url", "")
	viper.SetDefault("github.webhook_secret", "")

	viper.SetDefault("git.user_name", "Sentinell Bot")
	viper.SetDefault("git.user_email", "bot@sentinell.local")
	viper.SetDefault("git.branch_prefix", "sentinell/")
	viper.SetDefault("git.notes_dir", ".sentinell")

	viper.SetDefault("resolver.max_iterations", 3)
	viper.SetDefault("resolver.require_approval", false)
	viper.SetDefault("resolver.verify", true)
	viper.SetDefault("runner.timeout", 30*time.Second)

	viper.SetDefault("worker.poll_interval", 2*time.Second)
	viper.SetDefault("worker.busy_interval", 100*time.Millisecond)

	viper.SetDefault("poller.enabled", false)
	viper.SetDefault("poller.interval", 5*time.Minute)

	viper.SetDefault("watcher.files", []string{})
	viper.SetDefault("watcher.repo_id", "")
	viper.SetDefault("watcher.min_level", "error")

	viper.SetDefault("server.port", 8080)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Store and logger are created lazily, only when commands need them.
}

// newLogger builds the zap logger from the log.* keys. --verbose forces debug.
func newLogger() *zap.Logger {
	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	return logging.New(logging.Config{
		Level:  level,
		Format: viper.GetString("log.format"),
		File:   viper.GetString("log.file"),
	}, os.Stderr)
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
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

// commandLogger is the logger for one-shot commands: warnings only, unless --verbose.
func commandLogger() *zap.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return logging.New(logging.Config{Level: level, Format: "console"}, os.Stderr)
}
