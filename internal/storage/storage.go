package storage

import (
	"context"
	"time"
)

// Storage defines the interface for persisting and querying the discard journal
type Storage interface {
	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	EndSession(ctx context.Context, id string, end SessionEnd) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	// Discard operations
	InsertDiscard(ctx context.Context, discard *Discard) error
	ListDiscards(ctx context.Context, filter DiscardFilter) ([]*Discard, error)
	SearchDiscards(ctx context.Context, query string, limit int) ([]*Discard, error)

	// Maintenance operations
	PruneBefore(ctx context.Context, before time.Time) (int, error)
	GetStatus(ctx context.Context) (*Status, error)
	Revision(ctx context.Context) (Revision, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// Session is one supervised run of a language server
type Session struct {
	ID        string
	Command   string
	Args      []string
	WorkDir   string
	StartedAt time.Time
	EndedAt   time.Time // zero while the session is running
	Stats     SessionStats
	ExitError string
}

// Active reports whether the session has not ended yet
func (s *Session) Active() bool {
	return s.EndedAt.IsZero()
}

// SessionStats mirrors the sanitizer counters at the end of a session
type SessionStats struct {
	BytesIn        int64
	BytesOut       int64
	Frames         int64
	DiscardedBytes int64
	Malformed      int64
}

// SessionEnd is recorded when a session finishes
type SessionEnd struct {
	EndedAt   time.Time
	Stats     SessionStats
	ExitError string
}

// DiscardKind classifies a journal entry
type DiscardKind string

const (
	KindNoise     DiscardKind = "noise"     // text outside any frame
	KindMalformed DiscardKind = "malformed" // header over the length limit
	KindTruncated DiscardKind = "truncated" // stream ended inside a frame
	KindDropped   DiscardKind = "dropped"   // entries lost to a full queue
)

// Valid reports whether k is a known kind
func (k DiscardKind) Valid() bool {
	switch k {
	case KindNoise, KindMalformed, KindTruncated, KindDropped:
		return true
	}
	return false
}

// Discard is one journal entry
type Discard struct {
	ID           int64
	SessionID    string
	StreamOffset int64
	Size         int
	Content      []byte
	Kind         DiscardKind
	Detail       string
	CreatedAt    time.Time
}

// DiscardFilter narrows ListDiscards
type DiscardFilter struct {
	SessionID string
	Kind      DiscardKind
	Limit     int
}

// Status summarises the whole journal
type Status struct {
	SchemaVersion  string
	Sessions       int
	ActiveSessions int
	Discards       int
	DiscardedBytes int64
	Malformed      int
	Truncated      int
	SizeMB         float64
	LastSessionAt  time.Time
}

// Revision fingerprints the journal contents. Any insert, prune or session
// end produces a different value, so it can key cached query results.
type Revision struct {
	Sessions      int64
	EndedSessions int64
	Discards      int64
	LastDiscardID int64
}
