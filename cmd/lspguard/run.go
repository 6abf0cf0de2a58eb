package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/lspguard/internal/config"
	"github.com/dshills/lspguard/internal/journal"
	"github.com/dshills/lspguard/internal/logging"
	"github.com/dshills/lspguard/internal/proxy"
	"github.com/dshills/lspguard/internal/storage"
	"github.com/dshills/lspguard/pkg/frame"
)

// finishTimeout bounds the journal bookkeeping after the server is gone
const finishTimeout = 5 * time.Second

type runFlags struct {
	dir              string
	env              []string
	journal          bool
	journalPath      string
	grace            time.Duration
	maxContentLength int
}

func newRunCmd(opts *cliOptions) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [flags] [-- command [args...]]",
		Short: "Run a language server and sanitize its stdout",
		Long: `Run starts the language server and relays the editor's stdin to it.
Everything the server writes to stdout that is not a Content-Length frame is
removed before it reaches the editor. Server stderr is logged.

The command may come from the config file, LSPGUARD_SERVER_PATH, or the
arguments after "--".`,
		Example: `  lspguard run -- idris2-lsp
  lspguard run --journal --dir ~/src/project -- idris2-lsp --log stderr`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			flags.apply(cmd.Flags(), cfg, args)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	flags.register(cmd.Flags())
	return cmd
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.dir, "dir", "", "working directory of the server")
	fs.StringArrayVar(&f.env, "env", nil, "extra KEY=VALUE for the server environment (repeatable)")
	fs.BoolVar(&f.journal, "journal", false, "record discarded output in the journal")
	fs.StringVar(&f.journalPath, "journal-path", "", "journal database path")
	fs.DurationVar(&f.grace, "grace", 0, "time the server gets to exit after the exit notification")
	fs.IntVar(&f.maxContentLength, "max-content-length", 0, "largest frame body a header may declare")
}

// apply overlays flags that were set and the server command onto cfg
func (f *runFlags) apply(flags *pflag.FlagSet, cfg *config.Config, args []string) {
	if len(args) > 0 {
		cfg.Server.Command = args[0]
		cfg.Server.Args = args[1:]
	}
	if flags.Changed("dir") {
		cfg.Server.Dir = f.dir
	}
	if flags.Changed("env") {
		cfg.Server.Env = append(cfg.Server.Env, f.env...)
	}
	if flags.Changed("journal") {
		cfg.Journal.Enabled = f.journal
	}
	if flags.Changed("journal-path") {
		cfg.Journal.Path = f.journalPath
	}
	if flags.Changed("grace") {
		cfg.Shutdown.Grace = f.grace
	}
	if flags.Changed("max-content-length") {
		cfg.Sanitizer.MaxContentLength = f.maxContentLength
	}
}

func proxyConfig(cfg *config.Config) proxy.Config {
	return proxy.Config{
		Command:        cfg.Server.Command,
		Args:           cfg.Server.Args,
		Dir:            cfg.Server.Dir,
		Env:            cfg.Server.Env,
		Limits:         frame.Limits{MaxContentLength: cfg.Sanitizer.MaxContentLength},
		ReadBufferSize: cfg.Sanitizer.ReadBufferSize,
		Grace:          cfg.Shutdown.Grace,
	}
}

// runServer supervises the server until it exits or ctx is done. With the
// journal enabled, the recorder drains on its own context so entries queued
// during shutdown are still written.
func runServer(ctx context.Context, cfg *config.Config) error {
	logger := logging.Component("run")

	if !cfg.Journal.Enabled {
		p, err := proxy.New(proxyConfig(cfg))
		if err != nil {
			return err
		}
		return p.Run(ctx, os.Stdin, os.Stdout)
	}

	store, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if cfg.Journal.Retention > 0 {
		if n, err := store.PruneBefore(ctx, time.Now().Add(-cfg.Journal.Retention)); err != nil {
			logger.Warn().Err(err).Msg("failed to prune journal")
		} else if n > 0 {
			logger.Debug().Int("sessions", n).Msg("pruned journal")
		}
	}

	rec, err := journal.Start(ctx, store, journal.SessionInfo{
		Command: cfg.Server.Command,
		Args:    cfg.Server.Args,
		WorkDir: cfg.Server.Dir,
	}, journal.WithQueueSize(cfg.Journal.QueueSize))
	if err != nil {
		return err
	}
	logger.Info().Str("session", rec.SessionID()).Msg("journal enabled")

	p, err := proxy.New(proxyConfig(cfg), proxy.WithSink(rec))
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		return rec.Run(context.Background())
	})

	runErr := p.Run(ctx, os.Stdin, os.Stdout)

	_ = rec.Close()
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("journal recorder stopped")
	}

	finishCtx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := rec.Finish(finishCtx, p.Stats(), runErr); err != nil {
		logger.Error().Err(err).Msg("failed to finish journal session")
	}

	st := rec.Stats()
	logger.Info().
		Int64("written", st.Written).
		Int64("dropped", st.Dropped).
		Int64("failed", st.Failed).
		Msg("journal closed")

	return runErr
}

// openJournal opens the journal database, creating its directory
func openJournal(cfg *config.Config) (*storage.SQLiteStorage, error) {
	path, err := cfg.JournalPath()
	if err != nil {
		return nil, err
	}
	return openJournalAt(path)
}

func openJournalAt(path string) (*storage.SQLiteStorage, error) {
	store, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return store, nil
}
