// Package multipart reads multipart/form-data request bodies as a stream.
//
// The reader is a small line-oriented state machine:
//
//	boundary -> headers -> body -> headers -> ... -> end
//
// Part bodies are never buffered whole; each Part is an io.Reader that pulls
// one line (or one buffer-sized fragment of a long line) at a time from the
// underlying stream.
package multipart

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/textproto"
	"regexp"
	"strings"
)

const defaultBufferSize = 64 * 1024

var (
	// ErrNoBoundary is returned when a Content-Type carries no usable boundary.
	ErrNoBoundary = errors.New("multipart: no boundary in content type")

	// ErrHeaderTooLong is returned when a part header line does not fit the read buffer.
	ErrHeaderTooLong = errors.New("multipart: header line too long")
)

var (
	boundaryRe = regexp.MustCompile(`boundary=([^;]*)`)
	nameRe     = regexp.MustCompile(`(?:^|;)\s*name="([^"]*)"`)
	filenameRe = regexp.MustCompile(`(?:^|;)\s*filename="([^"]*)"`)
)

// BoundaryFromContentType extracts the boundary parameter of a multipart Content-Type.
func BoundaryFromContentType(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil {
		if !strings.HasPrefix(mediaType, "multipart/") {
			return "", fmt.Errorf("%w: %s is not multipart", ErrNoBoundary, mediaType)
		}
		if b := params["boundary"]; b != "" {
			return b, nil
		}
		return "", ErrNoBoundary
	}

	// Lenient fallback for headers mime rejects, e.g. unquoted specials.
	m := boundaryRe.FindStringSubmatch(contentType)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return "", ErrNoBoundary
	}
	return strings.Trim(strings.TrimSpace(m[1]), `"`), nil
}

type state int

const (
	stateBoundary state = iota
	stateHeaders
	stateBody
	stateEnd
)

func (s state) String() string {
	switch s {
	case stateBoundary:
		return "boundary"
	case stateHeaders:
		return "headers"
	case stateBody:
		return "body"
	case stateEnd:
		return "end"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger used for parser tracing at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBufferSize sets the line buffer size. Header lines must fit in it;
// longer body lines are streamed in fragments.
func WithBufferSize(size int) Option {
	return func(r *Reader) {
		if size > 0 {
			r.bufSize = size
		}
	}
}

// Reader iterates over the parts of a multipart body.
type Reader struct {
	br      *bufio.Reader
	bufSize int
	logger  *slog.Logger

	dashBoundary []byte // "--" + boundary
	state        state
	current      *Part

	// Body bookkeeping.
	lineStart bool   // next fragment begins a new line
	held      []byte // "\r" or "\r\n" not yet known to be data
	out       []byte // bytes ready for the current Part
	scratch   []byte
	err       error // sticky stream error
}

// NewReader creates a Reader for the given boundary.
func NewReader(r io.Reader, boundary string, opts ...Option) *Reader {
	mr := &Reader{
		bufSize:      defaultBufferSize,
		logger:       slog.New(slog.DiscardHandler),
		dashBoundary: []byte("--" + boundary),
		state:        stateBoundary,
	}
	for _, opt := range opts {
		opt(mr)
	}
	// The delimiter line must always fit so it is never split across fragments.
	if minSize := len(mr.dashBoundary) + 8; mr.bufSize < minSize {
		mr.bufSize = minSize
	}
	mr.br = bufio.NewReaderSize(r, mr.bufSize)
	return mr
}

// Done reports whether the close delimiter has been read.
func (r *Reader) Done() bool {
	return r.state == stateEnd
}

// NextPart returns the next part. Any unread data of the previous part is discarded.
// It returns io.EOF after the close delimiter and io.ErrUnexpectedEOF if the
// stream ends before it.
func (r *Reader) NextPart() (*Part, error) {
	if r.current != nil {
		if _, err := io.Copy(io.Discard, r.current); err != nil {
			return nil, err
		}
		r.current = nil
	}
	if r.err != nil {
		return nil, r.err
	}

	if r.state == stateBoundary {
		if err := r.skipPreamble(); err != nil {
			return nil, r.fail(err)
		}
	}
	if r.state == stateEnd {
		return nil, io.EOF
	}

	header, err := r.readHeaders()
	if err != nil {
		return nil, r.fail(err)
	}

	p := newPart(r, header)
	r.logger.Debug("multipart part", "name", p.FormName, "filename", p.FileName, "content_type", p.ContentType)

	r.state = stateBody
	r.lineStart = true
	r.held = r.held[:0]
	r.out = nil
	r.current = p
	return p, nil
}

func (r *Reader) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	return r.err
}

// readLine returns one complete CRLF- or LF-terminated line. The slice is only
// valid until the next read.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	switch {
	case err == nil:
		return line, nil
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, ErrHeaderTooLong
	case errors.Is(err, io.EOF):
		return nil, io.ErrUnexpectedEOF
	default:
		return nil, err
	}
}

func (r *Reader) skipPreamble() error {
	midLine := false
	for {
		line, err := r.br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			// Long preamble lines cannot be delimiters; keep reading.
			midLine = true
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !midLine && r.isFinalClose(line) {
					r.state = stateEnd
					return nil
				}
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if midLine {
			midLine = false
			continue
		}

		switch r.classify(line) {
		case lineDelimiter:
			r.logger.Debug("multipart boundary consumed")
			r.state = stateHeaders
			return nil
		case lineClose:
			r.state = stateEnd
			return nil
		default:
			r.logger.Debug("multipart preamble ignored", "len", len(line))
		}
	}
}

func (r *Reader) readHeaders() (textproto.MIMEHeader, error) {
	header := make(textproto.MIMEHeader)
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		text := strings.TrimRight(string(line), "\r\n")
		if text == "" {
			return header, nil
		}

		key, value, ok := strings.Cut(text, ":")
		if !ok {
			r.logger.Debug("multipart header ignored", "line", text)
			continue
		}
		key = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))
		header.Add(key, strings.TrimSpace(value))
	}
}

type lineKind int

const (
	lineData lineKind = iota
	lineDelimiter
	lineClose
)

// classify inspects a complete line. Delimiters must end in CRLF and may carry
// trailing whitespace (transport padding).
func (r *Reader) classify(line []byte) lineKind {
	if !bytes.HasPrefix(line, r.dashBoundary) || !bytes.HasSuffix(line, []byte("\r\n")) {
		return lineData
	}
	rest := line[len(r.dashBoundary) : len(line)-2]
	rest = bytes.TrimRight(rest, " \t")
	switch {
	case len(rest) == 0:
		return lineDelimiter
	case bytes.Equal(rest, []byte("--")):
		return lineClose
	default:
		return lineData
	}
}

// isFinalClose reports whether the unterminated last line of the stream is
// the close delimiter. Its trailing CRLF is optional.
func (r *Reader) isFinalClose(line []byte) bool {
	if !bytes.HasPrefix(line, r.dashBoundary) {
		return false
	}
	rest := bytes.TrimRight(line[len(r.dashBoundary):], " \t")
	return bytes.Equal(rest, []byte("--"))
}

// fill reads one fragment of the current part body into r.out.
// The CRLF that ends a line is held back until the next line proves to be
// data; if the next line is a delimiter, it is dropped with it.
func (r *Reader) fill() error {
	frag, err := r.br.ReadSlice('\n')
	full := err == nil
	switch {
	case full:
	case errors.Is(err, bufio.ErrBufferFull):
	case errors.Is(err, io.EOF):
		if len(frag) == 0 {
			return io.ErrUnexpectedEOF
		}
		if r.lineStart && r.isFinalClose(frag) {
			r.held = r.held[:0]
			r.state = stateEnd
			r.logger.Debug("multipart close delimiter consumed at end of stream")
			return nil
		}
	default:
		return err
	}

	if r.lineStart && full {
		switch r.classify(frag) {
		case lineDelimiter:
			r.held = r.held[:0]
			r.state = stateHeaders
			return nil
		case lineClose:
			r.held = r.held[:0]
			r.state = stateEnd
			r.logger.Debug("multipart close delimiter consumed")
			return nil
		}
	}

	// A "\r" held from a split fragment followed by a bare "\n" completes a line ending.
	if len(r.held) == 1 && full && len(frag) == 1 {
		r.held = append(r.held, '\n')
		r.lineStart = true
		return nil
	}

	out := append(r.scratch[:0], r.held...)
	r.held = r.held[:0]
	switch {
	case full && bytes.HasSuffix(frag, []byte("\r\n")):
		out = append(out, frag[:len(frag)-2]...)
		r.held = append(r.held, '\r', '\n')
	case !full && bytes.HasSuffix(frag, []byte("\r")):
		out = append(out, frag[:len(frag)-1]...)
		r.held = append(r.held, '\r')
	default:
		out = append(out, frag...)
	}
	r.scratch = out
	r.out = out
	r.lineStart = full
	return nil
}

// Part is one section of a multipart body. Read returns its content.
type Part struct {
	Header      textproto.MIMEHeader
	FormName    string
	FileName    string
	ContentType string

	hasFileName bool
	r           *Reader
}

func newPart(r *Reader, header textproto.MIMEHeader) *Part {
	p := &Part{
		Header:      header,
		ContentType: header.Get("Content-Type"),
		r:           r,
	}

	cd := header.Get("Content-Disposition")
	if cd == "" {
		return p
	}
	if _, params, err := mime.ParseMediaType(cd); err == nil {
		p.FormName = params["name"]
		p.FileName, p.hasFileName = params["filename"]
		return p
	}

	if m := nameRe.FindStringSubmatch(cd); m != nil {
		p.FormName = m[1]
	}
	if m := filenameRe.FindStringSubmatch(cd); m != nil {
		p.FileName = m[1]
		p.hasFileName = true
	}
	return p
}

// HasFileName reports whether the Content-Disposition carried a filename
// parameter, even an empty one.
func (p *Part) HasFileName() bool {
	return p.hasFileName
}

// Read reads the part body. It returns io.EOF at the delimiter that ends the part.
func (p *Part) Read(b []byte) (int, error) {
	r := p.r
	if r.current != p {
		return 0, io.EOF
	}
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.state != stateBody {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, r.fail(err)
		}
	}
	n := copy(b, r.out)
	r.out = r.out[n:]
	return n, nil
}
