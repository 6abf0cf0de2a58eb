package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/lspguard/internal/config"
	"github.com/dshills/lspguard/internal/mcp"
)

func newJournalCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and maintain the discard journal",
	}
	cmd.PersistentFlags().String("journal-path", "", "journal database path")
	cmd.AddCommand(
		newJournalServeCmd(opts),
		newJournalPruneCmd(opts),
		newJournalStatusCmd(opts),
	)
	return cmd
}

func newJournalServeCmd(opts *cliOptions) *cobra.Command {
	var cacheSize int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the journal to MCP clients over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			path, err := journalPath(cmd, cfg)
			if err != nil {
				return err
			}
			store, err := openJournalAt(path)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = mcp.NewServer(store, mcp.WithCacheSize(cacheSize)).Serve(ctx, os.Stdin, os.Stdout)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&cacheSize, "cache-size", mcp.DefaultCacheSize, "discard query responses to cache (0 disables)")
	return cmd
}

func newJournalPruneCmd(opts *cliOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished sessions and their entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			age := cfg.Journal.Retention
			if cmd.Flags().Changed("older-than") {
				age = olderThan
			}
			if age < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}

			path, err := journalPath(cmd, cfg)
			if err != nil {
				return err
			}
			store, err := openJournalAt(path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			n, err := store.PruneBefore(cmd.Context(), time.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d sessions ended more than %s ago\n", n, age)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age of the sessions to delete (default journal.retention)")
	return cmd
}

func newJournalStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print journal totals as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			path, err := journalPath(cmd, cfg)
			if err != nil {
				return err
			}
			store, err := openJournalAt(path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			status, err := store.GetStatus(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"path":            path,
				"schema_version":  status.SchemaVersion,
				"sessions":        status.Sessions,
				"active_sessions": status.ActiveSessions,
				"discards":        status.Discards,
				"discarded_bytes": status.DiscardedBytes,
				"malformed":       status.Malformed,
				"truncated":       status.Truncated,
				"size_mb":         fmt.Sprintf("%.2f", status.SizeMB),
			})
		},
	}
}

// journalPath resolves the journal location from the flag or the config
func journalPath(cmd *cobra.Command, cfg *config.Config) (string, error) {
	if p, _ := cmd.Flags().GetString("journal-path"); p != "" {
		cfg.Journal.Path = p
	}
	return cfg.JournalPath()
}
