package sanitize

// Discard is a span of input that was not part of any frame.
type Discard struct {
	Offset int64 // stream offset of Data[0]
	Data   []byte
}

// Sink receives everything the sanitizer throws away. Sink methods are
// called synchronously from Feed and Close; they never affect the output.
// Data handed to a Sink is never reused by the sanitizer and must not be
// modified, since Tee shares it between sinks.
type Sink interface {
	Discard(d Discard)
	Malformed(err *MalformedStreamError)
}

// NopSink ignores all notifications.
type NopSink struct{}

func (NopSink) Discard(Discard) {}
func (NopSink) Malformed(*MalformedStreamError) {}

// SinkFuncs adapts plain functions to a Sink. Nil fields are skipped.
type SinkFuncs struct {
	OnDiscard   func(Discard)
	OnMalformed func(*MalformedStreamError)
}

func (f SinkFuncs) Discard(d Discard) {
	if f.OnDiscard != nil {
		f.OnDiscard(d)
	}
}

func (f SinkFuncs) Malformed(err *MalformedStreamError) {
	if f.OnMalformed != nil {
		f.OnMalformed(err)
	}
}

type tee []Sink

// Tee fans notifications out to every sink in order. Nil sinks are dropped.
func Tee(sinks ...Sink) Sink {
	var t tee
	for _, s := range sinks {
		if s != nil {
			t = append(t, s)
		}
	}
	switch len(t) {
	case 0:
		return NopSink{}
	case 1:
		return t[0]
	}
	return t
}

func (t tee) Discard(d Discard) {
	for _, s := range t {
		s.Discard(d)
	}
}

func (t tee) Malformed(err *MalformedStreamError) {
	for _, s := range t {
		s.Malformed(err)
	}
}
