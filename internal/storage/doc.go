// Package storage provides SQLite-based persistence for the discard journal.
//
// The journal records what the sanitizer removed from a language server's
// stdout so that noisy servers can be diagnosed after the fact.
//
// # Database Schema
//
// Tables:
//   - sessions: one row per supervised server process, with final counters
//   - discards: spans removed from the stream (noise, malformed headers,
//     truncated tails, and markers for entries dropped under load)
//   - schema_version: applied migrations, ordered by semantic version
//
// Times are stored as Unix milliseconds.
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage(path)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	err = db.CreateSession(ctx, &storage.Session{ID: id, Command: "idris2-lsp"})
//
// # Transactions
//
// Batches of discards are written in one transaction:
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = tx.Rollback() }()
//
//	for _, d := range batch {
//	    if err := tx.InsertDiscard(ctx, d); err != nil {
//	        return err
//	    }
//	}
//	return tx.Commit()
//
// # Build Modes
//
// The default build uses modernc.org/sqlite. Building with the sqlite_cgo tag
// switches to github.com/mattn/go-sqlite3.
package storage
