// Package sanitize removes out-of-band noise from a Content-Length framed
// byte stream.
//
// Some language servers print diagnostic text straight onto the stdout they
// also use for protocol traffic. A Sanitizer sits on that stream and passes
// through only complete, well-formed frames, byte for byte and in order.
// Everything else is reported to a Sink and dropped.
//
// # Push and pull
//
// The core is push driven:
//
//	s := sanitize.New(sanitize.WithSink(sink))
//	for chunk := range chunks {
//	    out, err := s.Feed(chunk)
//	    ...
//	}
//	if err := s.Close(); err != nil {
//	    // *TruncatedStreamError: the stream stopped inside a frame
//	}
//
// Reader wraps the same machine as an io.Reader / io.WriterTo for use with
// io.Copy:
//
//	_, err := io.Copy(os.Stdout, sanitize.NewReader(serverStdout, s, 0))
//
// # Guarantees
//
//   - Output is exactly the concatenation of the valid frames in the input.
//   - Results do not depend on how the input is split into chunks.
//   - While a body is being forwarded, input is not rescanned for headers.
//   - Only bytes that may still begin a header are buffered, so memory use
//     does not grow with noise or with frame size.
//
// Headers that declare more than frame.Limits.MaxContentLength bytes are
// reported through Sink.Malformed and then treated as noise.
package sanitize
