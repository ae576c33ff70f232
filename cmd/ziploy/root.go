package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BadgerOps/ziploy/internal/config"
	"github.com/BadgerOps/ziploy/internal/store"
	"github.com/fatih/color"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath    string
	projectDir string
	logLevel   string
	logFormat  string
	logFile    string
	quiet      bool
	verbose    bool
	noColor    bool
	globalCfg  *config.Config
	logger     *slog.Logger

	// Global components
	globalStore *store.Store
	logWriter   io.Closer
)

// initializeComponents opens the history store.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalCfg.HistoryDB == "" {
		logger.Debug("history disabled, no database path")
		return nil
	}

	st, err := store.New(globalCfg.HistoryDB, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize history store: %w", err)
	}
	globalStore = st
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	if p := cmd.Parent(); p != nil && p.Name() == "config" {
		return true
	}
	switch cmd.Name() {
	case "help", "version", "config":
		return true
	case "deploy":
		return deployNoHistory
	}
	return false
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

func closeLog() {
	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ziploy",
		Short: "Package a project and ship it to a remote site in chunks",
		Long: `ziploy packages a project directory into a zip archive, honoring a
.ziployignore file, splits the archive into fixed-size chunks and delivers
them to a remote site. Chunks are uploaded over HTTP to the site's ziploy
endpoint or placed over SSH. When the remote side asks for it, the archive
is extracted on the remote host over SSH.

Settings are read from .ziploy (KEY=value), ziploy.yaml or ziploy.yml in
the project directory. Every key can be overridden by the environment
variable of the same upper-cased name.`,
		Example: `  ziploy deploy
  ziploy deploy my-site https://example.com
  ziploy deploy SSH my-site https://example.com deploy example.com ~/.ssh/id_ed25519
  ziploy deploy --dry-run --chunk-size 2MiB
  ziploy history --limit 5
  ziploy config show`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(); err != nil {
				return err
			}
			if noColor {
				color.NoColor = true
			}

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if err := loadConfig(); err != nil {
				return err
			}

			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered in the project directory if not specified)")
	cmd.PersistentFlags().StringVarP(&projectDir, "project", "C", ".", "project directory to deploy")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log file level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().StringVar(&logFile, "log-file", "ziploy.log", "log file, truncated on every run (empty disables)")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "also write the log to stderr")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	cmd.AddCommand(
		newDeployCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	return cmd
}

// loadConfig reads the config file named by --config or found in the
// project directory. Without one, defaults and environment are used.
func loadConfig() error {
	path := cfgPath
	if path == "" {
		found, err := config.FindConfigFile(projectDir)
		if err != nil {
			logger.Debug("config file not found, using defaults and environment", "error", err)
		}
		path = found
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	globalCfg = cfg
	logger.Debug("config loaded", "path", path, "id", cfg.ID, "method", cfg.Method)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(logFormat) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// setupLogging writes the full log to the log file and warnings to stderr.
// --verbose sends the full log to stderr as well, --quiet only errors.
func setupLogging() error {
	level := parseLevel(logLevel)

	stderrLevel := slog.LevelWarn
	switch {
	case quiet:
		stderrLevel = slog.LevelError
	case verbose:
		stderrLevel = level
	}
	handlers := []slog.Handler{newHandler(os.Stderr, stderrLevel)}

	closeLog()
	if logFile != "" {
		f, err := os.Create(logFile)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logWriter = f
		handlers = append(handlers, newHandler(f, level))
	}

	logger = slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(logger)
	return nil
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
