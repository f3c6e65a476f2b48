package segmenter

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Kind distinguishes complete sentences from the end-of-stream remainder.
type Kind string

const (
	KindSentence  Kind = "sentence"
	KindRemainder Kind = "remainder"
)

// Segment is one synthesizable unit cut from a streaming text response.
// Sequence numbers start at 1; sentences and the final remainder share the
// counter so playback order is the emission order.
type Segment struct {
	Seq  int
	Text string
	Kind Kind
}

// Splitter accumulates incremental text deltas and emits complete sentences
// as soon as a boundary is confirmed. A boundary is a '.', '!', or '?'
// followed by whitespace and an uppercase letter; end of stream also closes
// a terminator-ended buffer. Inter-sentence whitespace stays at the head of
// the following segment.
//
// A Splitter belongs to exactly one in-flight turn and is not safe for
// concurrent use.
type Splitter struct {
	buf        []rune
	seq        int
	closed     bool
	sawDelta   bool
	firstDelta time.Time

	now func() time.Time
}

// New returns an empty Splitter.
func New() *Splitter {
	return &Splitter{now: time.Now}
}

// Feed appends one delta and returns any sentences completed by it, in
// order. Deltas arriving after Close or Abort are dropped.
func (s *Splitter) Feed(delta string) []Segment {
	if s.closed {
		return nil
	}
	if !s.sawDelta {
		s.sawDelta = true
		s.firstDelta = s.now()
	}
	s.buf = append(s.buf, []rune(delta)...)

	var out []Segment
	for {
		cut, ok := s.boundary()
		if !ok {
			return out
		}
		s.seq++
		out = append(out, Segment{Seq: s.seq, Text: string(s.buf[:cut]), Kind: KindSentence})
		rest := make([]rune, len(s.buf)-cut)
		copy(rest, s.buf[cut:])
		s.buf = rest
	}
}

// Close flushes the buffer at stream end. A terminator-ended tail is still a
// complete sentence; anything else is the final remainder. Returns false
// when nothing but whitespace is buffered.
func (s *Splitter) Close() (Segment, bool) {
	if s.closed {
		return Segment{}, false
	}
	s.closed = true
	text := string(s.buf)
	s.buf = nil
	if strings.TrimSpace(text) == "" {
		return Segment{}, false
	}
	kind := KindRemainder
	if trimmed := strings.TrimRightFunc(text, unicode.IsSpace); trimmed != "" {
		if last, _ := utf8.DecodeLastRuneInString(trimmed); isTerminator(last) {
			kind = KindSentence
		}
	}
	s.seq++
	return Segment{Seq: s.seq, Text: text, Kind: kind}, true
}

// Abort discards buffered text after a stream error. Nothing is emitted for
// the turn after an abort.
func (s *Splitter) Abort() {
	s.closed = true
	s.buf = nil
}

// Pending returns the text buffered since the last emitted segment.
func (s *Splitter) Pending() string {
	return string(s.buf)
}

// Count returns the number of segments emitted so far.
func (s *Splitter) Count() int {
	return s.seq
}

// FirstDelta reports when the first delta arrived. It is recorded once per
// turn, on the first Feed call.
func (s *Splitter) FirstDelta() (time.Time, bool) {
	return s.firstDelta, s.sawDelta
}

// boundary returns the rune index one past the last terminator of the first
// confirmed sentence in the buffer. A terminator at the buffer's edge, or
// one trailed only by whitespace, stays unconfirmed until more text arrives.
func (s *Splitter) boundary() (int, bool) {
	for i := 0; i < len(s.buf); i++ {
		if !isTerminator(s.buf[i]) {
			continue
		}
		j := i + 1
		if j >= len(s.buf) || !unicode.IsSpace(s.buf[j]) {
			continue
		}
		for j < len(s.buf) && unicode.IsSpace(s.buf[j]) {
			j++
		}
		if j >= len(s.buf) {
			return 0, false
		}
		if unicode.IsUpper(s.buf[j]) {
			return i + 1, true
		}
	}
	return 0, false
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
