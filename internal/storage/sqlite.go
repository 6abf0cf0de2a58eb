package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidKind is returned for an unknown discard kind
	ErrInvalidKind = errors.New("invalid discard kind")
	// ErrNestedTx is returned when BeginTx is called on a transaction
	ErrNestedTx = errors.New("nested transactions are not supported")
)

// DefaultListLimit caps list queries that pass no limit
const DefaultListLimit = 100

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable WAL mode so the inspector can read while a proxy writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Open creates the parent directory of dbPath if needed and opens the
// journal there
func Open(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return NewSQLiteStorage(dbPath)
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// Close is a no-op on a transaction; the owning storage closes the database
func (t *sqliteTx) Close() error {
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, ErrNestedTx
}

// Session operations

func createSession(ctx context.Context, q querier, session *Session) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}
	args, err := json.Marshal(nonNil(session.Args))
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}

	query := `
		INSERT INTO sessions (id, command, args, work_dir, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query, session.ID, session.Command, string(args), session.WorkDir, toMillis(session.StartedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", session.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func endSession(ctx context.Context, q querier, id string, end SessionEnd) error {
	if end.EndedAt.IsZero() {
		end.EndedAt = time.Now()
	}
	query := `
		UPDATE sessions
		SET ended_at = ?, bytes_in = ?, bytes_out = ?, frames = ?,
		    discarded_bytes = ?, malformed = ?, exit_error = ?
		WHERE id = ?
	`
	res, err := q.ExecContext(ctx, query,
		toMillis(end.EndedAt), end.Stats.BytesIn, end.Stats.BytesOut, end.Stats.Frames,
		end.Stats.DiscardedBytes, end.Stats.Malformed, nullString(end.ExitError), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionColumns = `id, command, args, work_dir, started_at, ended_at,
	bytes_in, bytes_out, frames, discarded_bytes, malformed, exit_error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s         Session
		args      string
		workDir   sql.NullString
		startedAt int64
		endedAt   sql.NullInt64
		malformed sql.NullInt64
		exitError sql.NullString
	)
	err := row.Scan(&s.ID, &s.Command, &args, &workDir, &startedAt, &endedAt,
		&s.Stats.BytesIn, &s.Stats.BytesOut, &s.Stats.Frames, &s.Stats.DiscardedBytes,
		&malformed, &exitError)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &s.Args); err != nil {
		return nil, fmt.Errorf("failed to decode args of session %s: %w", s.ID, err)
	}
	s.WorkDir = workDir.String
	s.StartedAt = fromMillis(startedAt)
	if endedAt.Valid {
		s.EndedAt = fromMillis(endedAt.Int64)
	}
	s.Stats.Malformed = malformed.Int64
	s.ExitError = exitError.String
	return &s, nil
}

func getSession(ctx context.Context, q querier, id string) (*Session, error) {
	row := q.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func listSessions(ctx context.Context, q querier, limit int) ([]*Session, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY started_at DESC, id LIMIT ?",
		normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Discard operations

func insertDiscard(ctx context.Context, q querier, d *Discard) error {
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, d.Kind)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	if d.Size == 0 {
		d.Size = len(d.Content)
	}
	query := `
		INSERT INTO discards (session_id, stream_offset, size, content, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := q.ExecContext(ctx, query, d.SessionID, d.StreamOffset, d.Size, nonNilBytes(d.Content),
		string(d.Kind), nullString(d.Detail), toMillis(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert discard: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	d.ID = id
	return nil
}

const discardColumns = `id, session_id, stream_offset, size, content, kind, detail, created_at`

func scanDiscards(rows *sql.Rows) ([]*Discard, error) {
	defer rows.Close()

	var out []*Discard
	for rows.Next() {
		var (
			d         Discard
			kind      string
			detail    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &d.StreamOffset, &d.Size, &d.Content, &kind, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan discard: %w", err)
		}
		d.Kind = DiscardKind(kind)
		d.Detail = detail.String
		d.CreatedAt = fromMillis(createdAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func listDiscards(ctx context.Context, q querier, filter DiscardFilter) ([]*Discard, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Kind != "" {
		if !filter.Kind.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKind, filter.Kind)
		}
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}

	query := "SELECT " + discardColumns + " FROM discards"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list discards: %w", err)
	}
	return scanDiscards(rows)
}

func searchDiscards(ctx context.Context, q querier, text string, limit int) ([]*Discard, error) {
	pattern := "%" + escapeLike(text) + "%"
	query := "SELECT " + discardColumns + ` FROM discards
		WHERE CAST(content AS TEXT) LIKE ? ESCAPE '\' OR detail LIKE ? ESCAPE '\'
		ORDER BY id DESC LIMIT ?`
	rows, err := q.QueryContext(ctx, query, pattern, pattern, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to search discards: %w", err)
	}
	return scanDiscards(rows)
}

// Maintenance operations

// pruneBefore deletes sessions that ended before the cutoff; their discards
// go with them through the foreign key cascade
func pruneBefore(ctx context.Context, q querier, before time.Time) (int, error) {
	res, err := q.ExecContext(ctx,
		"DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?", toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func getStatus(ctx context.Context, q querier) (*Status, error) {
	var (
		st   Status
		last sql.NullInt64
	)

	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0), MAX(started_at)
		FROM sessions
	`).Scan(&st.Sessions, &st.ActiveSessions, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	if last.Valid {
		st.LastSessionAt = fromMillis(last.Int64)
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN kind = 'noise' THEN size ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN kind = 'malformed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN kind = 'truncated' THEN 1 ELSE 0 END), 0)
		FROM discards
	`).Scan(&st.Discards, &st.DiscardedBytes, &st.Malformed, &st.Truncated)
	if err != nil {
		return nil, fmt.Errorf("failed to count discards: %w", err)
	}

	var pageCount, pageSize int64
	if err := q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			st.SizeMB = float64(pageCount*pageSize) / (1024 * 1024)
		}
	}

	var version string
	err = q.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY applied_at DESC, version DESC LIMIT 1").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	st.SchemaVersion = version

	return &st, nil
}

func revision(ctx context.Context, q querier) (Revision, error) {
	var rev Revision
	err := q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM sessions),
		       (SELECT COUNT(*) FROM sessions WHERE ended_at IS NOT NULL),
		       (SELECT COUNT(*) FROM discards),
		       (SELECT COALESCE(MAX(id), 0) FROM discards)
	`).Scan(&rev.Sessions, &rev.EndedSessions, &rev.Discards, &rev.LastDiscardID)
	if err != nil {
		return Revision{}, fmt.Errorf("failed to read journal revision: %w", err)
	}
	return rev, nil
}

// Storage methods

func (s *SQLiteStorage) CreateSession(ctx context.Context, session *Session) error {
	return createSession(ctx, s.db, session)
}

func (s *SQLiteStorage) EndSession(ctx context.Context, id string, end SessionEnd) error {
	return endSession(ctx, s.db, id, end)
}

func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	return getSession(ctx, s.db, id)
}

func (s *SQLiteStorage) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	return listSessions(ctx, s.db, limit)
}

func (s *SQLiteStorage) InsertDiscard(ctx context.Context, d *Discard) error {
	return insertDiscard(ctx, s.db, d)
}

func (s *SQLiteStorage) ListDiscards(ctx context.Context, filter DiscardFilter) ([]*Discard, error) {
	return listDiscards(ctx, s.db, filter)
}

func (s *SQLiteStorage) SearchDiscards(ctx context.Context, query string, limit int) ([]*Discard, error) {
	return searchDiscards(ctx, s.db, query, limit)
}

func (s *SQLiteStorage) PruneBefore(ctx context.Context, before time.Time) (int, error) {
	return pruneBefore(ctx, s.db, before)
}

func (s *SQLiteStorage) GetStatus(ctx context.Context) (*Status, error) {
	return getStatus(ctx, s.db)
}

func (s *SQLiteStorage) Revision(ctx context.Context) (Revision, error) {
	return revision(ctx, s.db)
}

// Transaction methods

func (t *sqliteTx) CreateSession(ctx context.Context, session *Session) error {
	return createSession(ctx, t.tx, session)
}

func (t *sqliteTx) EndSession(ctx context.Context, id string, end SessionEnd) error {
	return endSession(ctx, t.tx, id, end)
}

func (t *sqliteTx) GetSession(ctx context.Context, id string) (*Session, error) {
	return getSession(ctx, t.tx, id)
}

func (t *sqliteTx) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	return listSessions(ctx, t.tx, limit)
}

func (t *sqliteTx) InsertDiscard(ctx context.Context, d *Discard) error {
	return insertDiscard(ctx, t.tx, d)
}

func (t *sqliteTx) ListDiscards(ctx context.Context, filter DiscardFilter) ([]*Discard, error) {
	return listDiscards(ctx, t.tx, filter)
}

func (t *sqliteTx) SearchDiscards(ctx context.Context, query string, limit int) ([]*Discard, error) {
	return searchDiscards(ctx, t.tx, query, limit)
}

func (t *sqliteTx) PruneBefore(ctx context.Context, before time.Time) (int, error) {
	return pruneBefore(ctx, t.tx, before)
}

func (t *sqliteTx) GetStatus(ctx context.Context) (*Status, error) {
	return getStatus(ctx, t.tx)
}

func (t *sqliteTx) Revision(ctx context.Context) (Revision, error) {
	return revision(ctx, t.tx)
}

// Helpers

// toMillis stores times as Unix milliseconds so ordering and range queries
// behave the same under both drivers
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// escapeLike escapes LIKE wildcards so the query matches literally
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
