package sanitize

import (
	"bytes"
	"sync"

	"github.com/dshills/lspguard/pkg/frame"
)

// state is either scanning or consuming. Keeping them as distinct types
// means a sanitizer can never hold scan bytes while a body is in flight.
type state interface {
	isState()
}

// scanning looks for the next header. pending holds only bytes that may
// still start one, so it never grows beyond a partial header.
type scanning struct {
	pending []byte
}

// consuming forwards body bytes of a frame whose header was already emitted.
type consuming struct {
	remaining int
}

func (scanning) isState()  {}
func (consuming) isState() {}

// Stats counts what a sanitizer has seen so far.
type Stats struct {
	BytesIn        int64
	BytesOut       int64
	Frames         int64 // completed frames
	Discards       int64
	DiscardedBytes int64
	Malformed      int64
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithSink routes discard and malformed-header notifications to sink.
func WithSink(sink Sink) Option {
	return func(s *Sanitizer) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLimits sets the largest body a header may declare.
func WithLimits(limits frame.Limits) Option {
	return func(s *Sanitizer) {
		s.limits = limits
	}
}

// Sanitizer extracts Content-Length frames from a noisy byte stream.
// It is safe for concurrent use, but chunks must be fed in stream order.
type Sanitizer struct {
	mu     sync.Mutex
	limits frame.Limits
	sink   Sink
	state  state
	closed bool
	stats  Stats
}

// New creates a Sanitizer waiting for the first header.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		limits: frame.DefaultLimits(),
		sink:   NopSink{},
		state:  scanning{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Feed consumes one raw chunk and returns the frame bytes it completes or
// continues, in stream order. Returned slices are owned by the caller.
// Output chunks do not line up with frames: a frame may be returned in
// several pieces across calls.
func (s *Sanitizer) Feed(chunk []byte) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(chunk) == 0 {
		return nil, nil
	}
	s.stats.BytesIn += int64(len(chunk))

	var out [][]byte
	switch st := s.state.(type) {
	case consuming:
		if len(chunk) < st.remaining {
			s.state = consuming{remaining: st.remaining - len(chunk)}
			return s.emit(out, chunk), nil
		}
		out = s.emit(out, chunk[:st.remaining])
		s.stats.Frames++
		s.state = scanning{}
		if len(chunk) == st.remaining {
			return out, nil
		}
		return s.scan(out, chunk[st.remaining:]), nil
	case scanning:
		if len(st.pending) == 0 {
			return s.scan(out, chunk), nil
		}
		pending := make([]byte, 0, len(st.pending)+len(chunk))
		pending = append(pending, st.pending...)
		pending = append(pending, chunk...)
		return s.scan(out, pending), nil
	}
	return out, nil
}

// scan extracts frames from pending, whose last byte is the last byte fed.
// It copies whatever it emits, reports or keeps, so pending may alias the
// caller's chunk.
func (s *Sanitizer) scan(out [][]byte, pending []byte) [][]byte {
	for len(pending) > 0 {
		base := s.stats.BytesIn - int64(len(pending))
		res := frame.Find(pending, s.limits)
		for _, r := range res.Rejected {
			s.stats.Malformed++
			s.sink.Malformed(&MalformedStreamError{
				Offset:   base + int64(r.Begin),
				Declared: r.Declared,
				Limit:    s.limits.MaxContentLength,
			})
		}

		if !res.Found {
			s.discard(base, pending[:res.Keep])
			pending = pending[res.Keep:]
			break
		}

		h := res.Header
		s.discard(base, pending[:h.Begin])
		end := h.FrameEnd()
		if end > len(pending) {
			out = s.emit(out, pending[h.Begin:])
			s.state = consuming{remaining: end - len(pending)}
			return out
		}
		out = s.emit(out, pending[h.Begin:end])
		s.stats.Frames++
		pending = pending[end:]
	}

	if len(pending) == 0 {
		s.state = scanning{}
	} else {
		s.state = scanning{pending: bytes.Clone(pending)}
	}
	return out
}

func (s *Sanitizer) emit(out [][]byte, b []byte) [][]byte {
	s.stats.BytesOut += int64(len(b))
	return append(out, bytes.Clone(b))
}

func (s *Sanitizer) discard(offset int64, b []byte) {
	if len(b) == 0 {
		return
	}
	s.stats.Discards++
	s.stats.DiscardedBytes += int64(len(b))
	s.sink.Discard(Discard{Offset: offset, Data: bytes.Clone(b)})
}

// Close marks the end of input. It returns a *TruncatedStreamError when a
// frame body is still owed or when a header marker was never closed by a
// separator. Leftover bytes are reported to the sink either way. Only the
// first call reports; later calls return nil.
func (s *Sanitizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	switch st := s.state.(type) {
	case consuming:
		return &TruncatedStreamError{Offset: s.stats.BytesIn, Missing: st.remaining}
	case scanning:
		if len(st.pending) == 0 {
			return nil
		}
		base := s.stats.BytesIn - int64(len(st.pending))
		s.discard(base, st.pending)
		s.state = scanning{}
		if !bytes.HasPrefix(st.pending, []byte(frame.Marker)) {
			// a partial marker is just trailing noise
			return nil
		}
		return &TruncatedStreamError{Offset: base, Pending: len(st.pending)}
	}
	return nil
}

// Idle reports whether the sanitizer sits between frames with nothing
// buffered.
func (s *Sanitizer) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.(scanning)
	return ok && len(st.pending) == 0
}

// Stats returns a snapshot of the counters.
func (s *Sanitizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
