package upload

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// maxFormNameLen bounds how much of a form pair is read while looking for
// its '='. A longer run without one is treated as an unnamed value.
const maxFormNameLen = 1024

// ErrBadEncoding is returned when a form value holds an invalid percent escape.
var ErrBadEncoding = errors.New("invalid percent-encoding")

// segmentReader yields the bytes of one '&'-separated form pair and stops at
// the separator, leaving the shared reader positioned on the next pair.
type segmentReader struct {
	br   *bufio.Reader
	done bool
	eof  bool  // the body ended inside this segment
	err  error // read error other than io.EOF
}

func (s *segmentReader) ReadByte() (byte, error) {
	if s.done {
		return 0, io.EOF
	}
	c, err := s.br.ReadByte()
	if err != nil {
		s.done = true
		if errors.Is(err, io.EOF) {
			s.eof = true
			return 0, io.EOF
		}
		s.err = err
		return 0, err
	}
	if c == '&' {
		s.done = true
		return 0, io.EOF
	}
	return c, nil
}

// readName reads up to the first '='. ok is false when none was found within
// limit bytes or before the segment ended; head then holds what was read.
func (s *segmentReader) readName(limit int) (head []byte, ok bool, err error) {
	for len(head) < limit {
		c, err := s.ReadByte()
		if errors.Is(err, io.EOF) {
			return head, false, nil
		}
		if err != nil {
			return head, false, err
		}
		if c == '=' {
			return head, true, nil
		}
		head = append(head, c)
	}
	return head, false, nil
}

// drain discards the rest of the segment.
func (s *segmentReader) drain() {
	for {
		if _, err := s.ReadByte(); err != nil {
			return
		}
	}
}

// formValueReader decodes a query-escaped value as it is read: '+' becomes a
// space and "%XX" becomes one byte.
type formValueReader struct {
	head []byte // raw bytes already consumed from src
	src  io.ByteReader
}

func (d *formValueReader) next() (byte, error) {
	if len(d.head) > 0 {
		c := d.head[0]
		d.head = d.head[1:]
		return c, nil
	}
	return d.src.ReadByte()
}

func (d *formValueReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		c, err := d.next()
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		switch c {
		case '+':
			c = ' '
		case '%':
			if c, err = d.unescape(); err != nil {
				return n, err
			}
		}
		p[n] = c
		n++
	}
	return n, nil
}

func (d *formValueReader) unescape() (byte, error) {
	var digits [2]byte
	for i := range digits {
		c, err := d.next()
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: truncated escape %q", ErrBadEncoding, "%"+string(digits[:i]))
		}
		if err != nil {
			return 0, err
		}
		if !isHex(c) {
			return 0, fmt.Errorf("%w: %q", ErrBadEncoding, "%"+string(digits[:i])+string([]byte{c}))
		}
		digits[i] = c
	}
	return unhex(digits[0])<<4 | unhex(digits[1]), nil
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
