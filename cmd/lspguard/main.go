// Command lspguard runs a language server behind a stdout sanitizer, so an
// editor only ever sees well-formed Content-Length frames.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/dshills/lspguard/internal/config"
	"github.com/dshills/lspguard/internal/logging"
	"github.com/dshills/lspguard/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// cliOptions holds the persistent flags shared by every command
type cliOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger := logging.Logger()
		logger.Error().Err(err).Msg("lspguard failed")
		os.Exit(exitCode(err))
	}
}

// exitCode mirrors the server's exit status when it failed on its own
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "lspguard",
		Short:         "Keep language server stdout clean for the editor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// stdout is reserved for the protocol stream
			logging.ConfigureRuntime()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error, disabled)")

	root.AddCommand(
		newRunCmd(opts),
		newJournalCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig layers the config file, LSPGUARD_* variables and flags, then
// applies the resulting log level.
func loadConfig(cmd *cobra.Command, opts *cliOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if env := os.Getenv(logging.EnvLogLevel); env != "" {
		level = env
	}
	if cmd.Flags().Changed("log-level") {
		level = opts.logLevel
	}
	lvl, ok := logging.ParseLevel(level)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	cfg.Log.Level = level
	logging.SetLevel(lvl)

	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "lspguard\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Build Time: %s\n", buildTime)
			fmt.Fprintf(out, "Build Mode: %s\n", storage.BuildMode)
			fmt.Fprintf(out, "SQLite Driver: %s\n", storage.DriverName)
			fmt.Fprintf(out, "Journal Schema: %s\n", storage.CurrentSchemaVersion)
		},
	}
}
