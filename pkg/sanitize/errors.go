package sanitize

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated matches every *TruncatedStreamError via errors.Is.
	ErrTruncated = errors.New("sanitize: stream ended inside a frame")
	// ErrMalformed matches every *MalformedStreamError via errors.Is.
	ErrMalformed = errors.New("sanitize: malformed frame header")
	// ErrClosed is returned by Feed after Close.
	ErrClosed = errors.New("sanitize: sanitizer closed")
)

// MalformedStreamError describes a header that declared a body larger than
// the configured ceiling. The header is treated as noise and scanning goes on.
type MalformedStreamError struct {
	Offset   int64  // stream offset of the header marker
	Declared string // digits as they appeared on the wire
	Limit    int
}

func (e *MalformedStreamError) Error() string {
	return fmt.Sprintf("sanitize: header at offset %d declares %s bytes (limit %d)", e.Offset, e.Declared, e.Limit)
}

func (e *MalformedStreamError) Is(target error) bool {
	return target == ErrMalformed
}

// TruncatedStreamError reports that the input ended before a frame was
// complete: either a body was short by Missing bytes, or Pending bytes of a
// header candidate were never closed by a separator.
type TruncatedStreamError struct {
	Offset  int64
	Missing int
	Pending int
}

func (e *TruncatedStreamError) Error() string {
	if e.Missing > 0 {
		return fmt.Sprintf("sanitize: stream ended at offset %d with %d body bytes missing", e.Offset, e.Missing)
	}
	return fmt.Sprintf("sanitize: stream ended at offset %d inside an unterminated header (%d bytes pending)", e.Offset, e.Pending)
}

func (e *TruncatedStreamError) Is(target error) bool {
	return target == ErrTruncated
}
