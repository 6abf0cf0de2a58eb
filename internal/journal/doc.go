// Package journal records what the sanitizer discards into the storage
// layer without ever slowing down the protocol stream.
//
// A Recorder is a sanitize.Sink. Its Discard and Malformed methods only
// enqueue; a single Run goroutine writes batches in transactions and retries
// transient SQLite errors with exponential backoff. When the queue is full,
// entries are counted instead of queued, and the count is journaled later as
// one "dropped" entry.
//
//	rec, err := journal.Start(ctx, store, journal.SessionInfo{Command: "idris2-lsp"})
//	if err != nil {
//	    return err
//	}
//	go rec.Run(ctx)
//
//	s := sanitize.New(sanitize.WithSink(rec))
//	// ... feed the server's stdout through s ...
//
//	rec.Close()
//	// wait for Run to return, then:
//	err = rec.Finish(ctx, s.Stats(), runErr)
package journal
