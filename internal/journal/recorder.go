package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/lspguard/internal/lock"
	"github.com/dshills/lspguard/internal/logging"
	"github.com/dshills/lspguard/internal/storage"
	"github.com/dshills/lspguard/pkg/frame"
	"github.com/dshills/lspguard/pkg/sanitize"
)

const (
	DefaultQueueSize  = 1024
	DefaultMaxContent = 4096
	DefaultBatchSize  = 64
)

// ErrAlreadyRunning is returned by Run while another Run drains the queue
var ErrAlreadyRunning = errors.New("journal: recorder already running")

// SessionInfo describes the server process a session belongs to
type SessionInfo struct {
	Command string
	Args    []string
	WorkDir string
}

// Stats counts recorder activity
type Stats struct {
	Queued  int64 // entries accepted into the queue
	Written int64 // entries committed to storage
	Dropped int64 // entries rejected because the queue was full or closed
	Failed  int64 // entries lost to storage errors after retries
}

// Option configures a Recorder
type Option func(*Recorder)

func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithMaxContent caps how many bytes of each discard are stored. The full
// size is always recorded.
func WithMaxContent(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.maxContent = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithRetry(cfg RetryConfig) Option {
	return func(r *Recorder) { r.retry = cfg }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// Recorder is a sanitize.Sink that journals discards for one session.
// Sink calls never block: entries go to a bounded queue that Run drains in
// batches, and entries that do not fit are counted and later journaled as a
// single "dropped" marker.
type Recorder struct {
	store     storage.Storage
	sessionID string
	queue     chan *storage.Discard

	mu     sync.RWMutex // guards closed against sends on a closed queue
	closed bool

	running lock.Lock

	queued     atomic.Int64
	written    atomic.Int64
	dropped    atomic.Int64
	failed     atomic.Int64
	unreported atomic.Int64 // drops not yet journaled

	queueSize  int
	maxContent int
	batchSize  int
	retry      RetryConfig
	logger     zerolog.Logger
}

var _ sanitize.Sink = (*Recorder)(nil)

// Start creates a session row for info and returns a recorder for it.
func Start(ctx context.Context, store storage.Storage, info SessionInfo, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		store:      store,
		queueSize:  DefaultQueueSize,
		maxContent: DefaultMaxContent,
		batchSize:  DefaultBatchSize,
		retry:      DefaultRetryConfig(),
		logger:     logging.Component("journal"),
	}
	for _, opt := range opts {
		opt(r)
	}

	session := &storage.Session{
		ID:        uuid.NewString(),
		Command:   info.Command,
		Args:      info.Args,
		WorkDir:   info.WorkDir,
		StartedAt: time.Now(),
	}
	if err := store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to start journal session: %w", err)
	}

	r.sessionID = session.ID
	r.queue = make(chan *storage.Discard, r.queueSize)
	r.logger = r.logger.With().Str("session", session.ID).Logger()
	return r, nil
}

// SessionID returns the identifier of the journaled session
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Discard implements sanitize.Sink
func (r *Recorder) Discard(d sanitize.Discard) {
	content, detail := r.clip(d.Data)
	r.enqueue(&storage.Discard{
		SessionID:    r.sessionID,
		StreamOffset: d.Offset,
		Size:         len(d.Data),
		Content:      content,
		Kind:         storage.KindNoise,
		Detail:       detail,
		CreatedAt:    time.Now(),
	})
}

// Malformed implements sanitize.Sink
func (r *Recorder) Malformed(err *sanitize.MalformedStreamError) {
	header := []byte(frame.Marker + err.Declared)
	r.enqueue(&storage.Discard{
		SessionID:    r.sessionID,
		StreamOffset: err.Offset,
		Size:         len(header),
		Content:      header,
		Kind:         storage.KindMalformed,
		Detail:       err.Error(),
		CreatedAt:    time.Now(),
	})
}

func (r *Recorder) clip(data []byte) ([]byte, string) {
	if len(data) <= r.maxContent {
		return data, ""
	}
	return data[:r.maxContent], fmt.Sprintf("clipped to %d of %d bytes", r.maxContent, len(data))
}

func (r *Recorder) enqueue(d *storage.Discard) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- d:
		r.queued.Add(1)
	default:
		r.dropped.Add(1)
		r.unreported.Add(1)
	}
}

// Run writes queued entries until Close is called and the queue is empty,
// or until ctx is done. Storage errors are logged and counted, never
// returned.
func (r *Recorder) Run(ctx context.Context) error {
	if !r.running.TryAcquire() {
		return ErrAlreadyRunning
	}
	defer r.running.Release()

	batch := make([]*storage.Discard, 0, r.batchSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-r.queue:
			if !ok {
				return nil
			}
			batch = append(batch[:0], d)
		fill:
			for len(batch) < r.batchSize {
				select {
				case d, ok := <-r.queue:
					if !ok {
						break fill
					}
					batch = append(batch, d)
				default:
					break fill
				}
			}
			r.write(ctx, batch)
		}
	}
}

func (r *Recorder) write(ctx context.Context, batch []*storage.Discard) {
	if n := r.unreported.Swap(0); n > 0 {
		batch = append(batch, r.droppedMarker(n))
	}

	attempts, err := retryWithBackoff(ctx, r.retry, func() error {
		return r.writeBatch(ctx, batch)
	})
	if err != nil {
		r.failed.Add(int64(len(batch)))
		r.logger.Error().Err(err).Int("entries", len(batch)).Int("attempts", attempts).Msg("failed to write journal batch")
		return
	}
	if attempts > 1 {
		r.logger.Debug().Int("attempts", attempts).Msg("journal batch written after retry")
	}
	r.written.Add(int64(len(batch)))
}

func (r *Recorder) writeBatch(ctx context.Context, batch []*storage.Discard) error {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range batch {
		if err := tx.InsertDiscard(ctx, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Recorder) droppedMarker(n int64) *storage.Discard {
	return &storage.Discard{
		SessionID: r.sessionID,
		Size:      int(n),
		Kind:      storage.KindDropped,
		Detail:    fmt.Sprintf("%d entries dropped: journal queue full", n),
		CreatedAt: time.Now(),
	}
}

// Close stops accepting entries. Run returns once the queue is drained.
// Close is safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	return nil
}

// Finish ends the session with the final sanitizer counters. A truncated
// stream in runErr is journaled as its own entry. Call Finish after Run
// has returned.
func (r *Recorder) Finish(ctx context.Context, stats sanitize.Stats, runErr error) error {
	var tail []*storage.Discard

	var trunc *sanitize.TruncatedStreamError
	if errors.As(runErr, &trunc) {
		tail = append(tail, &storage.Discard{
			SessionID:    r.sessionID,
			StreamOffset: trunc.Offset,
			Size:         trunc.Missing + trunc.Pending,
			Kind:         storage.KindTruncated,
			Detail:       trunc.Error(),
			CreatedAt:    time.Now(),
		})
	}
	if n := r.unreported.Swap(0); n > 0 {
		tail = append(tail, r.droppedMarker(n))
	}
	if len(tail) > 0 {
		if _, err := retryWithBackoff(ctx, r.retry, func() error { return r.writeBatch(ctx, tail) }); err != nil {
			r.failed.Add(int64(len(tail)))
			r.logger.Error().Err(err).Msg("failed to write final journal entries")
		} else {
			r.written.Add(int64(len(tail)))
		}
	}

	exitErr := ""
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		exitErr = runErr.Error()
	}
	err := r.store.EndSession(ctx, r.sessionID, storage.SessionEnd{
		EndedAt: time.Now(),
		Stats: storage.SessionStats{
			BytesIn:        stats.BytesIn,
			BytesOut:       stats.BytesOut,
			Frames:         stats.Frames,
			DiscardedBytes: stats.DiscardedBytes,
			Malformed:      stats.Malformed,
		},
		ExitError: exitErr,
	})
	if err != nil {
		return fmt.Errorf("failed to end journal session: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the recorder counters
func (r *Recorder) Stats() Stats {
	return Stats{
		Queued:  r.queued.Load(),
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}
