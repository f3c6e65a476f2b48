// Package streamsse parses server-sent event streams incrementally.
package streamsse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one complete server-sent event.
type Event struct {
	// Name holds the event: field, empty when the stream omits it.
	Name string
	// Data joins the event's data: lines with newlines.
	Data string
}

// Scanner reads events from a stream one at a time.
type Scanner struct {
	lines *bufio.Scanner
	event Event
	err   error
}

// NewScanner wraps reader for event-by-event consumption.
func NewScanner(reader io.Reader) *Scanner {
	lines := bufio.NewScanner(reader)
	// Allow moderately large payload lines.
	lines.Buffer(make([]byte, 0, 4096), 512*1024)
	return &Scanner{lines: lines}
}

// Next advances to the next complete event. It returns false at end of
// stream or on read error; Err distinguishes the two.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}

	var name string
	var data []string
	for s.lines.Scan() {
		line := s.lines.Text()
		if line == "" {
			if len(data) == 0 {
				name = ""
				continue
			}
			s.event = Event{Name: name, Data: strings.Join(data, "\n")}
			return true
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := s.lines.Err(); err != nil {
		s.err = err
		return false
	}
	if len(data) > 0 {
		s.event = Event{Name: name, Data: strings.Join(data, "\n")}
		return true
	}
	return false
}

// Event returns the event produced by the last successful Next.
func (s *Scanner) Event() Event {
	return s.event
}

// Err returns the first read error encountered, nil at clean end of stream.
func (s *Scanner) Err() error {
	return s.err
}
