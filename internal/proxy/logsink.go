package proxy

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dshills/lspguard/pkg/sanitize"
)

const (
	previewBytes  = 120
	maxStderrLine = 1 << 20
)

// logSink reports discards as warnings.
type logSink struct {
	logger zerolog.Logger
}

func (l logSink) Discard(d sanitize.Discard) {
	l.logger.Warn().
		Int64("offset", d.Offset).
		Int("bytes", len(d.Data)).
		Str("text", preview(d.Data)).
		Msg("discarded non-protocol output")
}

func (l logSink) Malformed(err *sanitize.MalformedStreamError) {
	l.logger.Warn().Err(err).Msg("oversized frame header treated as noise")
}

// preview returns the start of b as valid UTF-8 for log output.
func preview(b []byte) string {
	if len(b) > previewBytes {
		b = b[:previewBytes]
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// logStderr logs each stderr line of the server. Lines longer than
// maxStderrLine end line logging; the rest of the stream is drained so the
// server never blocks on a full pipe.
func logStderr(logger zerolog.Logger, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	for sc.Scan() {
		logger.Info().Str("stream", "stderr").Msg(sc.Text())
	}
	if err := sc.Err(); err != nil {
		if !errors.Is(err, bufio.ErrTooLong) {
			return err
		}
		logger.Warn().Msg("server stderr line too long, no longer logging stderr")
		_, err = io.Copy(io.Discard, r)
		return err
	}
	return nil
}
