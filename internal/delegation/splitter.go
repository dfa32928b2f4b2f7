package delegation

import (
	"bytes"
	"errors"
	"fmt"
)

// DefaultMaxLineBytes bounds a single feed line. Registry feed lines are well
// under this; anything longer means the body is not a delegation feed.
const DefaultMaxLineBytes = 128

var ErrLineTooLong = errors.New("delegation: feed line exceeds length bound")

// LineSplitter turns an arbitrarily chunked byte stream into complete lines.
// It is an io.Writer so a response body can be copied straight into it. The
// unterminated tail of each chunk is kept and joined with the next one.
//
// Empty lines and lines starting with '#' are skipped. The slice passed to fn
// is only valid for the duration of the call.
type LineSplitter struct {
	max     int
	fn      func(line []byte) error
	pending []byte
	lines   int
	err     error
}

func NewLineSplitter(maxLineBytes int, fn func(line []byte) error) *LineSplitter {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &LineSplitter{
		max:     maxLineBytes,
		fn:      fn,
		pending: make([]byte, 0, maxLineBytes+1),
	}
}

func (s *LineSplitter) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n := len(p)

	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			// A pending tail may still end in '\r' of a CRLF pair, hence max+1.
			if len(s.pending)+len(p) > s.max+1 {
				return 0, s.fail(len(s.pending) + len(p))
			}
			s.pending = append(s.pending, p...)
			break
		}

		line := p[:i]
		if len(s.pending) > 0 {
			if len(s.pending)+len(line) > s.max+1 {
				return 0, s.fail(len(s.pending) + len(line))
			}
			s.pending = append(s.pending, line...)
			line = s.pending
		}
		if err := s.emit(line); err != nil {
			return 0, err
		}
		s.pending = s.pending[:0]
		p = p[i+1:]
	}

	return n, nil
}

// Close processes a final line that was not newline-terminated.
func (s *LineSplitter) Close() error {
	if s.err != nil {
		return s.err
	}
	if len(s.pending) > 0 {
		line := s.pending
		s.pending = s.pending[:0]
		return s.emit(line)
	}
	return nil
}

// Lines returns the number of data lines handed to the callback.
func (s *LineSplitter) Lines() int {
	return s.lines
}

func (s *LineSplitter) emit(line []byte) error {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) > s.max {
		return s.fail(len(line))
	}
	if len(line) == 0 || line[0] == '#' {
		return nil
	}
	s.lines++
	if err := s.fn(line); err != nil {
		s.err = err
		return err
	}
	return nil
}

func (s *LineSplitter) fail(length int) error {
	s.err = fmt.Errorf("%w (%d bytes, max %d)", ErrLineTooLong, length, s.max)
	return s.err
}
