package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/lspguard/internal/lock"
	"github.com/dshills/lspguard/internal/logging"
	"github.com/dshills/lspguard/pkg/frame"
	"github.com/dshills/lspguard/pkg/sanitize"
)

const DefaultGrace = 2 * time.Second

var (
	ErrAlreadyRunning = errors.New("proxy: server already running")
	ErrNoCommand      = errors.New("proxy: no server command")
)

// Config describes the server to supervise. Paths are used as given; the
// proxy never consults its own working directory or executable location.
type Config struct {
	Command        string
	Args           []string
	Dir            string
	Env            []string // KEY=VALUE pairs added to the inherited environment
	Limits         frame.Limits
	ReadBufferSize int
	Grace          time.Duration // how long the server may take to exit after the exit notification
}

// Option configures a Proxy
type Option func(*Proxy)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// WithSink adds a sink that receives every discard next to the log sink,
// typically a journal recorder.
func WithSink(sink sanitize.Sink) Option {
	return func(p *Proxy) { p.sink = sink }
}

// Proxy runs a language server and relays its stdio, removing anything
// on stdout that is not a Content-Length frame.
type Proxy struct {
	cfg     Config
	logger  zerolog.Logger
	sink    sanitize.Sink
	running lock.Lock

	mu        sync.Mutex
	sanitizer *sanitize.Sanitizer // of the current or last run
}

func New(cfg Config, opts ...Option) (*Proxy, error) {
	if cfg.Command == "" {
		return nil, ErrNoCommand
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	p := &Proxy{
		cfg:    cfg,
		logger: logging.Component("proxy"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run starts the server and relays stdin to it and its sanitized stdout to
// stdout until the server exits, stdin ends, or ctx is done. In the last two
// cases the server is sent an exit notification and killed if it is still
// running after the grace period.
//
// Run returns nil after a requested shutdown. Otherwise it returns the first
// relay error, such as a *sanitize.TruncatedStreamError when the server
// stopped in the middle of a frame, or the server's exit error.
func (p *Proxy) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if !p.running.TryAcquire() {
		return ErrAlreadyRunning
	}
	defer p.running.Release()

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	serverIn, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open server stdin: %w", err)
	}
	serverOut, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open server stdout: %w", err)
	}
	serverErr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open server stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.cfg.Command, err)
	}

	logger := p.logger.With().Int("pid", cmd.Process.Pid).Logger()
	logger.Info().Str("command", p.cfg.Command).Strs("args", p.cfg.Args).Msg("server started")

	s := sanitize.New(
		sanitize.WithLimits(p.cfg.Limits),
		sanitize.WithSink(sanitize.Tee(logSink{logger: logger}, p.sink)),
	)
	p.mu.Lock()
	p.sanitizer = s
	p.mu.Unlock()

	in := &serverWriter{w: serverIn}

	// Reads from stdin cannot be interrupted, so this goroutine is not
	// waited for; it ends at the next read after the server input closes.
	stdinDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(in, stdin)
		stdinDone <- err
	}()

	// pumpFailed carries the first relay error while the other pump may
	// still be running. A server that simply exits never triggers it.
	pumpFailed := make(chan error, 1)
	failed := func(err error) error {
		if err != nil {
			select {
			case pumpFailed <- err:
			default:
			}
		}
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := sanitize.NewReader(serverOut, s, p.cfg.ReadBufferSize).WriteTo(stdout)
		return failed(err)
	})
	g.Go(func() error {
		return failed(logStderr(logger, serverErr))
	})
	pumpsDone := make(chan error, 1)
	go func() { pumpsDone <- g.Wait() }()

	var (
		pumpErr  error
		shutdown bool
	)
	select {
	case pumpErr = <-pumpsDone:
	case <-ctx.Done():
		logger.Info().Msg("shutting down server")
		shutdown = true
	case err := <-stdinDone:
		if err != nil && !errors.Is(err, errInputClosed) {
			logger.Warn().Err(err).Msg("failed to relay input")
		}
		logger.Info().Msg("input closed, shutting down server")
		shutdown = true
	case err := <-pumpFailed:
		logger.Warn().Err(err).Msg("relay failed, shutting down server")
		pumpErr = p.shutdown(logger, cmd, in, pumpsDone)
	}
	if shutdown {
		pumpErr = p.shutdown(logger, cmd, in, pumpsDone)
	}

	waitErr := cmd.Wait()
	stats := s.Stats()
	logger.Info().
		Int64("frames", stats.Frames).
		Int64("discarded_bytes", stats.DiscardedBytes).
		Int64("malformed", stats.Malformed).
		AnErr("exit", waitErr).
		Msg("server stopped")

	switch {
	case pumpErr != nil:
		return pumpErr
	case shutdown:
		return nil
	case waitErr != nil:
		return fmt.Errorf("server exited: %w", waitErr)
	}
	return nil
}

// shutdown asks the server to exit and kills it if it is still running
// once the grace period is over. It returns the relay error.
func (p *Proxy) shutdown(logger zerolog.Logger, cmd *exec.Cmd, in *serverWriter, pumpsDone <-chan error) error {
	if err := in.closeWith(exitNotification()); err != nil {
		logger.Debug().Err(err).Msg("failed to send exit notification")
	}

	timer := time.NewTimer(p.cfg.Grace)
	defer timer.Stop()
	select {
	case err := <-pumpsDone:
		return err
	case <-timer.C:
	}

	logger.Warn().Dur("grace", p.cfg.Grace).Msg("server did not exit in time, killing it")
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Error().Err(err).Msg("failed to kill server")
	}
	return <-pumpsDone
}

// Stats returns the sanitizer counters of the current or last run.
func (p *Proxy) Stats() sanitize.Stats {
	p.mu.Lock()
	s := p.sanitizer
	p.mu.Unlock()
	if s == nil {
		return sanitize.Stats{}
	}
	return s.Stats()
}

// Running reports whether a server is being supervised.
func (p *Proxy) Running() bool {
	return p.running.Held()
}
