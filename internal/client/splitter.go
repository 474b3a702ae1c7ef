package client

import (
	"bytes"

	"pkt.systems/depsrelay/schema"
)

// LineSplitter turns arbitrary byte reads into stream events. Incomplete
// trailing data is held until the next Feed or the final Flush.
type LineSplitter struct {
	buf []byte
}

// Feed appends data and returns the events of every complete line.
// A malformed line is reported and skipped.
func (s *LineSplitter) Feed(data []byte) ([]schema.StreamEvent, []error) {
	s.buf = append(s.buf, data...)
	var (
		events []schema.StreamEvent
		errs   []error
	)
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := s.buf[:idx]
		s.buf = s.buf[idx+1:]
		ev, err := parseLine(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return events, errs
}

// Flush parses the buffered tail once, if any, and resets the splitter.
func (s *LineSplitter) Flush() (schema.StreamEvent, error) {
	tail := s.buf
	s.buf = nil
	return parseLine(tail)
}

// Pending returns the number of buffered bytes.
func (s *LineSplitter) Pending() int { return len(s.buf) }

func parseLine(line []byte) (schema.StreamEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	return schema.DecodeEvent(line)
}
