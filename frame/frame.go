// Package frame reads and writes the two kinds of protocol units carried on
// one client connection: newline-terminated text lines and fixed-length raw
// byte blocks. A single Reader owns the only read buffer for the connection,
// so switching from line mode to exact-byte mode never loses bytes that were
// pulled off the socket while looking for a newline.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// DefaultBufferSize is the initial size of the Reader's buffer and the
	// chunk size used when copying raw payloads.
	DefaultBufferSize = 4096

	// DefaultMaxLineBytes is the longest text line accepted when no limit
	// is given to NewReader.
	DefaultMaxLineBytes = 64 * 1024
)

var (
	// ErrLineTooLong is returned by ReadLine when no newline appears within
	// the configured maximum line length.
	ErrLineTooLong = errors.New("frame: line too long")

	// ErrShortStream is returned when the stream ends before an exact-length
	// read is satisfied. It wraps io.ErrUnexpectedEOF.
	ErrShortStream = fmt.Errorf("frame: stream ended before payload was complete: %w", io.ErrUnexpectedEOF)
)

// Reader reads text lines and exact-length byte blocks from one stream.
// Bytes between r and w in buf have been read from the stream but not yet
// handed to a caller; both ReadLine and the exact-length reads consume from
// there first. A Reader is not safe for concurrent use.
type Reader struct {
	src     io.Reader
	buf     []byte
	r, w    int
	maxLine int
	err     error
}

// NewReader returns a Reader over src that rejects lines longer than
// maxLine bytes (excluding the terminator). A maxLine of zero or less uses
// DefaultMaxLineBytes.
//
// Parameters:
//   - src: The underlying stream, usually a net.Conn
//   - maxLine: Maximum accepted line length in bytes
//
// Returns:
//   - A new Reader with an empty buffer
func NewReader(src io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}

	return &Reader{
		src:     src,
		buf:     make([]byte, DefaultBufferSize),
		maxLine: maxLine,
	}
}

// Buffered returns the number of bytes already read from the stream that
// have not been consumed by any read call.
func (fr *Reader) Buffered() int {
	return fr.w - fr.r
}

// ReadLine returns the next line without its "\n" or "\r\n" terminator.
// At end of stream a non-empty unterminated tail is returned as a final
// line; after that io.EOF is returned.
//
// Returns:
//   - The line text
//   - io.EOF at end of stream, ErrLineTooLong, or the underlying read error
func (fr *Reader) ReadLine() (string, error) {
	scanned := 0
	for {
		if i := bytes.IndexByte(fr.buf[fr.r+scanned:fr.w], '\n'); i >= 0 {
			end := fr.r + scanned + i
			line := bytes.TrimSuffix(fr.buf[fr.r:end], []byte{'\r'})
			if len(line) > fr.maxLine {
				return "", ErrLineTooLong
			}

			fr.r = end + 1
			return string(line), nil
		}

		scanned = fr.w - fr.r
		if scanned > fr.maxLine {
			return "", ErrLineTooLong
		}

		if fr.err != nil {
			if scanned > 0 {
				line := fr.buf[fr.r:fr.w]
				fr.r = fr.w
				return string(bytes.TrimSuffix(line, []byte{'\r'})), nil
			}

			return "", fr.err
		}

		fr.fill()
	}
}

// ReadExact returns exactly n bytes. Buffered bytes are consumed first and
// the rest is read straight from the stream.
//
// Parameters:
//   - n: Number of bytes to read; must not be negative
//
// Returns:
//   - A new slice of length n
//   - ErrShortStream if the stream ends first, or the underlying read error
func (fr *Reader) ReadExact(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("frame: negative length %d", n)
	}

	var out bytes.Buffer
	out.Grow(n)
	if _, err := fr.CopyExact(&out, int64(n)); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

// CopyExact copies exactly n bytes from the stream to dst in chunks of at
// most DefaultBufferSize bytes. Buffered bytes are written first.
//
// Parameters:
//   - dst: Destination for the payload
//   - n: Number of bytes to copy
//
// Returns:
//   - The number of bytes consumed from the stream and written to dst
//   - ErrShortStream if the stream ended early, or the first read or write
//     error. On a write error the unwritten remainder is still unread.
func (fr *Reader) CopyExact(dst io.Writer, n int64) (int64, error) {
	var copied int64
	for copied < n {
		if fr.r == fr.w {
			if fr.err != nil {
				if errors.Is(fr.err, io.EOF) {
					return copied, ErrShortStream
				}

				return copied, fr.err
			}

			fr.fillRaw(n - copied)
			continue
		}

		chunk := fr.buf[fr.r:fr.w]
		if remaining := n - copied; int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		written, err := dst.Write(chunk)
		fr.r += written
		copied += int64(written)
		if err != nil {
			return copied, err
		}
	}

	return copied, nil
}

// Discard consumes and drops exactly n bytes.
//
// Returns:
//   - The number of bytes dropped and ErrShortStream if the stream ended early
func (fr *Reader) Discard(n int64) (int64, error) {
	return fr.CopyExact(io.Discard, n)
}

// fill reads more line data, compacting or growing the buffer as needed.
func (fr *Reader) fill() {
	if fr.r > 0 {
		copy(fr.buf, fr.buf[fr.r:fr.w])
		fr.w -= fr.r
		fr.r = 0
	}

	if fr.w == len(fr.buf) {
		grown := make([]byte, len(fr.buf)*2)
		copy(grown, fr.buf[:fr.w])
		fr.buf = grown
	}

	n, err := fr.src.Read(fr.buf[fr.w:])
	fr.w += n
	if err != nil {
		fr.err = err
	}
}

// fillRaw refills an empty buffer for a payload read, never asking the
// stream for more than want bytes so nothing past the payload is pulled in.
func (fr *Reader) fillRaw(want int64) {
	fr.r, fr.w = 0, 0
	limit := len(fr.buf)
	if want < int64(limit) {
		limit = int(want)
	}

	n, err := fr.src.Read(fr.buf[:limit])
	fr.w = n
	if err != nil {
		fr.err = err
	}
}

// Writer writes lines and raw byte blocks to one stream. Each call is a
// single Write on the underlying stream and calls are serialized, so frames
// from different goroutines never interleave.
type Writer struct {
	mu  sync.Mutex
	dst io.Writer
}

// NewWriter returns a Writer over dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// WriteLine writes text followed by "\n".
//
// Parameters:
//   - text: The line content; it must not contain a newline
//
// Returns:
//   - An error if the write failed
func (fw *Writer) WriteLine(text string) error {
	line := make([]byte, 0, len(text)+1)
	line = append(line, text...)
	line = append(line, '\n')
	return fw.WriteBytes(line)
}

// WriteBytes writes p as-is.
//
// Returns:
//   - An error if the write failed or was short
func (fw *Writer) WriteBytes(p []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	n, err := fw.dst.Write(p)
	if err != nil {
		return err
	}

	if n != len(p) {
		return io.ErrShortWrite
	}

	return nil
}
