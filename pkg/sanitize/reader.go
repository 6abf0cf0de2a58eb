package sanitize

import (
	"errors"
	"io"
)

// DefaultReadSize is the raw read size used when NewReader gets size <= 0.
const DefaultReadSize = 32 * 1024

// Reader serves the clean stream of a Sanitizer fed from src. At the end of
// src it closes the sanitizer and returns either io.EOF or the
// *TruncatedStreamError reported by Close.
type Reader struct {
	src   io.Reader
	s     *Sanitizer
	buf   []byte
	queue [][]byte
	err   error
}

// NewReader wraps src. The Reader takes over feeding s; nothing else should
// call s.Feed while the Reader is in use.
func NewReader(src io.Reader, s *Sanitizer, size int) *Reader {
	if size <= 0 {
		size = DefaultReadSize
	}
	return &Reader{src: src, s: s, buf: make([]byte, size)}
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.queue) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}

	n := copy(p, r.queue[0])
	r.queue[0] = r.queue[0][n:]
	if len(r.queue[0]) == 0 {
		r.queue[0] = nil
		r.queue = r.queue[1:]
	}
	return n, nil
}

// WriteTo writes every clean chunk to w as soon as it is produced, so a
// frame reaches w without waiting for the next raw read. It returns nil at
// a clean end of input.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		for len(r.queue) > 0 {
			n, err := w.Write(r.queue[0])
			total += int64(n)
			if err != nil {
				return total, err
			}
			r.queue[0] = nil
			r.queue = r.queue[1:]
		}
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return total, nil
			}
			return total, r.err
		}
		r.fill()
	}
}

func (r *Reader) fill() {
	n, err := r.src.Read(r.buf)
	if n > 0 {
		out, ferr := r.s.Feed(r.buf[:n])
		r.queue = append(r.queue, out...)
		if ferr != nil {
			r.err = ferr
			return
		}
	}
	if err == nil {
		return
	}
	if errors.Is(err, io.EOF) {
		if cerr := r.s.Close(); cerr != nil {
			r.err = cerr
			return
		}
	}
	r.err = err
}
