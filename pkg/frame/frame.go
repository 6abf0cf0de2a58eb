package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// Marker opens every frame header.
	Marker = "Content-Length: "
	// Separator terminates every frame header.
	Separator = "\r\n\r\n"

	// DefaultMaxContentLength bounds the body size a header may declare.
	DefaultMaxContentLength = 64 << 20
)

var (
	marker    = []byte(Marker)
	separator = []byte(Separator)
)

var (
	ErrEmptyLength    = errors.New("frame: empty content length")
	ErrNotDigit       = errors.New("frame: content length contains a non-digit byte")
	ErrLengthTooLarge = errors.New("frame: content length exceeds limit")
)

// Header locates one frame header inside a buffer.
type Header struct {
	Begin         int // offset of the marker
	End           int // offset right after the separator
	ContentLength int
}

// FrameEnd returns the offset right after the frame body.
func (h Header) FrameEnd() int {
	return h.End + h.ContentLength
}

// Limits constrains the body size a header may declare.
type Limits struct {
	MaxContentLength int
}

func DefaultLimits() Limits {
	return Limits{MaxContentLength: DefaultMaxContentLength}
}

func (l Limits) normalized() Limits {
	if l.MaxContentLength <= 0 {
		l.MaxContentLength = DefaultMaxContentLength
	}
	return l
}

// Rejected is a syntactically complete header whose declared length is
// above Limits.MaxContentLength.
type Rejected struct {
	Begin    int
	Declared string
}

// Scan is the outcome of searching a buffer for a header.
type Scan struct {
	Header Header
	Found  bool

	// Keep is the offset of the first byte that may still begin a valid
	// header once more input arrives. Everything before it is noise.
	// It is only meaningful when Found is false.
	Keep int

	// Rejected lists oversized headers skipped before Header.Begin (or
	// before Keep when nothing was found).
	Rejected []Rejected
}

// Find searches buf for the first valid header. A candidate marker whose
// length field is malformed does not hide later candidates: the search
// resumes one byte after the rejected marker's start.
func Find(buf []byte, limits Limits) Scan {
	limits = limits.normalized()
	res := Scan{Keep: len(buf)}

	for from := 0; from < len(buf); {
		i := bytes.Index(buf[from:], marker)
		if i < 0 {
			break
		}
		begin := from + i
		from = begin + 1

		digitsAt := begin + len(marker)
		n := digitRun(buf[digitsAt:])
		tail := buf[digitsAt+n:]

		switch {
		case len(tail) < len(separator) && bytes.HasPrefix(separator, tail):
			if n == 0 && len(tail) > 0 {
				continue
			}
			// Incomplete, but still a candidate. Nothing after it can be a
			// complete header, so this is where the search ends.
			res.Keep = begin
			return res
		case n == 0 || !bytes.HasPrefix(tail, separator):
			continue
		}

		digits := buf[digitsAt : digitsAt+n]
		length, err := ParseLength(digits, limits.MaxContentLength)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejected{Begin: begin, Declared: string(digits)})
			continue
		}
		res.Header = Header{
			Begin:         begin,
			End:           digitsAt + n + len(separator),
			ContentLength: length,
		}
		res.Found = true
		return res
	}

	res.Keep = partialMarkerAt(buf)
	return res
}

// partialMarkerAt returns the offset of the longest proper prefix of the
// marker that ends buf, or len(buf) when there is none.
func partialMarkerAt(buf []byte) int {
	k := len(marker) - 1
	if k > len(buf) {
		k = len(buf)
	}
	for ; k > 0; k-- {
		if bytes.HasPrefix(marker, buf[len(buf)-k:]) {
			return len(buf) - k
		}
	}
	return len(buf)
}

// IsDigit reports whether b is an ASCII decimal digit.
func IsDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func digitRun(b []byte) int {
	n := 0
	for n < len(b) && IsDigit(b[n]) {
		n++
	}
	return n
}

// ParseLength parses a run of ASCII digits as a content length no greater
// than limit. Leading zeros are not significant, so a run of any length is
// accepted as long as its value fits.
func ParseLength(digits []byte, limit int) (int, error) {
	if len(digits) == 0 {
		return 0, ErrEmptyLength
	}
	for _, b := range digits {
		if !IsDigit(b) {
			return 0, ErrNotDigit
		}
	}
	v, err := strconv.ParseUint(string(digits), 10, 64)
	if err != nil || v > uint64(limit) {
		return 0, fmt.Errorf("%w: %s > %d", ErrLengthTooLarge, digits, limit)
	}
	return int(v), nil
}

// Encode returns payload prefixed with its header.
func Encode(payload []byte) []byte {
	hdr := fmt.Sprintf("%s%d%s", Marker, len(payload), Separator)
	out := make([]byte, 0, len(hdr)+len(payload))
	out = append(out, hdr...)
	return append(out, payload...)
}

// Write writes payload to w as one frame in a single Write call.
func Write(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}
