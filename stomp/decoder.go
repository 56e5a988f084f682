package stomp

import (
	"bytes"
	"errors"
	"strconv"
)

// Errors returned by the Decoder. Each is a protocol error after which the
// Decoder cannot make further progress, and the connection should be closed.
var (
	ErrCommandTooLong       = errors.New("stomp: frame command exceeds maximum length")
	ErrHeaderTooLong        = errors.New("stomp: frame header exceeds maximum length")
	ErrTooManyHeaders       = errors.New("stomp: frame exceeds maximum header count")
	ErrMalformedHeader      = errors.New("stomp: malformed frame header")
	ErrInvalidEscape        = errors.New("stomp: invalid header escape sequence")
	ErrInvalidContentLength = errors.New("stomp: invalid content-length")
	ErrBodyTooLong          = errors.New("stomp: frame body exceeds maximum length")
	ErrMissingNull          = errors.New("stomp: frame body is not NULL terminated")
)

// Limits bound the resources a Decoder may use for a single frame.
type Limits struct {
	MaxCommandLength int
	MaxHeaders       int
	MaxHeaderLength  int
	MaxDataLength    int
}

// DefaultLimits are used by NewDecoder.
var DefaultLimits = Limits{
	MaxCommandLength: 1024,
	MaxHeaders:       1000,
	MaxHeaderLength:  10 * 1024,
	MaxDataLength:    100 * 1024 * 1024,
}

type decodeState int8

const (
	readAction decodeState = iota
	readHeaders
	readBinaryBody
	readTextBody
)

// Decoder is a restartable STOMP frame decoder. Bytes are provided through
// Feed as they arrive, in chunks of any size, and Next returns each frame once
// its final byte is available. Decoding state is retained between calls, so a
// frame split across many Feeds decodes identically to one Fed whole.
type Decoder struct {
	Limits

	buf  []byte // Unconsumed input begins at buf[off].
	off  int
	scan int // Offset within |buf| from which to resume a terminator search.

	state         decodeState
	frame         *Frame
	contentLength int
	err           error
}

// NewDecoder returns a Decoder using DefaultLimits.
func NewDecoder() *Decoder { return NewDecoderWithLimits(DefaultLimits) }

// NewDecoderWithLimits returns a Decoder using the provided Limits.
func NewDecoderWithLimits(l Limits) *Decoder { return &Decoder{Limits: l} }

// Feed appends |p| to the input of the Decoder. |p| is copied and may be
// re-used by the caller.
func (d *Decoder) Feed(p []byte) {
	if d.off != 0 {
		var n = copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.scan -= d.off
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of Fed bytes not yet consumed by a frame.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Next returns the next complete Frame. If insufficient input is available,
// Next returns (nil, nil) and should be called again after a further Feed.
// A non-nil error is terminal and is returned by all subsequent calls.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	var f, err = d.next()
	if err != nil {
		d.err = err
	}
	return f, err
}

func (d *Decoder) next() (*Frame, error) {
	for {
		switch d.state {
		case readAction:
			var line, ok, err = d.readLine(d.MaxCommandLength, ErrCommandTooLong)
			if !ok || err != nil {
				return nil, err
			} else if len(line) == 0 {
				return new(Frame), nil // Heart-beat.
			}
			d.frame = &Frame{Command: string(line)}
			d.contentLength = -1
			d.state = readHeaders

		case readHeaders:
			var line, ok, err = d.readLine(d.MaxHeaderLength, ErrHeaderTooLong)
			if !ok || err != nil {
				return nil, err
			} else if len(line) == 0 {
				if d.contentLength >= 0 {
					d.state = readBinaryBody
				} else {
					d.state = readTextBody
				}
				continue
			} else if len(d.frame.Header) == d.MaxHeaders {
				return nil, ErrTooManyHeaders
			} else if err = d.parseHeader(line); err != nil {
				return nil, err
			}

		case readBinaryBody:
			if d.Buffered() < d.contentLength+1 {
				return nil, nil
			} else if d.buf[d.off+d.contentLength] != 0 {
				return nil, ErrMissingNull
			}
			var body = d.buf[d.off : d.off+d.contentLength]
			d.off += d.contentLength + 1
			return d.finish(body), nil

		case readTextBody:
			var ind = bytes.IndexByte(d.buf[d.scan:], 0)
			if ind == -1 {
				d.scan = len(d.buf)
				if d.Buffered() > d.MaxDataLength {
					return nil, ErrBodyTooLong
				}
				return nil, nil
			}
			var end = d.scan + ind
			var body = d.buf[d.off:end]
			d.off = end + 1
			return d.finish(body), nil
		}
	}
}

// readLine returns the next line of input, less its EOL, if a complete line is
// available. Lines longer than |max| fail with |tooLong|.
func (d *Decoder) readLine(max int, tooLong error) ([]byte, bool, error) {
	var ind = bytes.IndexByte(d.buf[d.scan:], '\n')
	if ind == -1 {
		d.scan = len(d.buf)
		if d.Buffered() > max {
			return nil, false, tooLong
		}
		return nil, false, nil
	}
	var end = d.scan + ind
	var line = d.buf[d.off:end]
	d.off, d.scan = end+1, end+1

	if l := len(line); l != 0 && line[l-1] == '\r' {
		line = line[:l-1]
	}
	if len(line) > max {
		return nil, false, tooLong
	}
	return line, true, nil
}

func (d *Decoder) parseHeader(line []byte) error {
	var ind = bytes.IndexByte(line, ':')
	if ind <= 0 {
		return ErrMalformedHeader
	}
	var name, value = string(line[:ind]), string(line[ind+1:])

	if escapesHeaders(d.frame.Command) {
		var err error
		if name, err = unescapeHeader(name); err != nil {
			return err
		} else if value, err = unescapeHeader(value); err != nil {
			return err
		}
	}
	// Only the first occurrence of a repeated header is significant.
	if name == HdrContentLength && d.contentLength == -1 {
		var n, err = strconv.Atoi(value)
		if err != nil || n < 0 {
			return ErrInvalidContentLength
		} else if n > d.MaxDataLength {
			return ErrBodyTooLong
		}
		d.contentLength = n
	}
	d.frame.Header.Add(name, value)
	return nil
}

func (d *Decoder) finish(body []byte) *Frame {
	var f = d.frame
	if len(body) != 0 {
		f.Body = append([]byte(nil), body...)
	}
	d.frame, d.state, d.scan = nil, readAction, d.off
	return f
}
