package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Delimiter terminates every frame. Payloads never contain it.
const Delimiter byte = 0x00

var (
	ErrFrameTooLarge      = errors.New("frame: frame too large")
	ErrDelimiterInPayload = errors.New("frame: payload contains delimiter")
)

// Limits constrains frame encode/decode memory use.
type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 8 * 1024 * 1024,
	}
}

// Splitter reassembles delimiter-terminated frames from arbitrarily sized
// chunks. It keeps at most one trailing partial frame between calls.
// A Splitter is not safe for concurrent use.
type Splitter struct {
	limits Limits
	buf    []byte
}

func NewSplitter(limits Limits) *Splitter {
	return &Splitter{limits: limits}
}

// Feed appends chunk and returns every frame it completed, in order.
// Frames that are empty after trimming surrounding whitespace are dropped.
func (s *Splitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)
	var out [][]byte
	start := 0
	for {
		idx := bytes.IndexByte(s.buf[start:], Delimiter)
		if idx < 0 {
			break
		}
		raw := s.buf[start : start+idx]
		start += idx + 1
		if s.tooLarge(len(raw)) {
			s.buf = s.buf[:0]
			return out, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(raw))
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			continue
		}
		frame := make([]byte, len(trimmed))
		copy(frame, trimmed)
		out = append(out, frame)
	}
	rest := copy(s.buf, s.buf[start:])
	s.buf = s.buf[:rest]
	if s.tooLarge(len(s.buf)) {
		size := len(s.buf)
		s.buf = s.buf[:0]
		return out, fmt.Errorf("%w: partial frame of %d bytes", ErrFrameTooLarge, size)
	}
	return out, nil
}

// Pending reports how many bytes of an incomplete frame are buffered.
func (s *Splitter) Pending() int {
	return len(s.buf)
}

func (s *Splitter) tooLarge(n int) bool {
	return s.limits.MaxFrameBytes > 0 && n > s.limits.MaxFrameBytes
}

// Append appends payload plus the delimiter to dst.
func Append(dst []byte, payload []byte, limits Limits) ([]byte, error) {
	if bytes.IndexByte(payload, Delimiter) >= 0 {
		return nil, ErrDelimiterInPayload
	}
	if limits.MaxFrameBytes > 0 && len(payload) > limits.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	dst = append(dst, payload...)
	return append(dst, Delimiter), nil
}

// WriteFrame writes payload and its delimiter with a single Write call.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	buf, err := Append(make([]byte, 0, len(payload)+1), payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Reader pulls whole frames from a byte stream.
type Reader struct {
	r       io.Reader
	split   *Splitter
	pending [][]byte
	chunk   []byte
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{
		r:     r,
		split: NewSplitter(limits),
		chunk: make([]byte, 4096),
	}
}

// ReadFrame returns the next non-empty frame. At end of stream it returns
// io.EOF, or io.ErrUnexpectedEOF when a partial frame was left behind.
func (fr *Reader) ReadFrame() ([]byte, error) {
	for len(fr.pending) == 0 {
		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			frames, ferr := fr.split.Feed(fr.chunk[:n])
			fr.pending = append(fr.pending, frames...)
			if ferr != nil {
				return nil, ferr
			}
		}
		if err != nil {
			if len(fr.pending) > 0 {
				break
			}
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(fr.split.buf)) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	next := fr.pending[0]
	fr.pending = fr.pending[1:]
	return next, nil
}
