// Package netstring implements netstring framing, "<len>:<payload>,".
// It is the framing used by the command protocol and by the aberration
// corrector's RPC gateway.
package netstring

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// MaxLength is the largest payload this package will decode.  Frames
// claiming a larger length are treated as protocol errors rather than
// trusted for allocation.
const MaxLength = 64 * 1024 * 1024

// Encode wraps p in a netstring frame.
func Encode(p []byte) []byte {
	l := strconv.Itoa(len(p))
	out := make([]byte, 0, len(l)+len(p)+2)
	out = append(out, l...)
	out = append(out, ':')
	out = append(out, p...)
	out = append(out, ',')
	return out
}

// EncodeTo writes p to w in a netstring frame.
func EncodeTo(w io.Writer, p []byte) error {
	_, err := w.Write(Encode(p))
	return err
}

// A Reader decodes a stream of netstring frames.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a Reader decoding frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the payload of the next frame.  io.EOF is returned
// unwrapped when the stream ends cleanly between frames.
func (r *Reader) Next() ([]byte, error) {
	lstr, err := r.br.ReadString(':')
	if err != nil {
		if err == io.EOF && lstr == "" {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("netstring: reading length: %v", err)
	}
	lstr = lstr[:len(lstr)-1]
	n, err := strconv.Atoi(lstr)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("netstring: bad length %q", lstr)
	}
	if n > MaxLength {
		return nil, fmt.Errorf("netstring: length %d exceeds maximum %d", n, MaxLength)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, fmt.Errorf("netstring: reading %d byte payload: %v", n, err)
	}
	term, err := r.br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("netstring: reading terminator: %v", err)
	}
	if term != ',' {
		return nil, fmt.Errorf("netstring: expected ',' terminator, got %q", term)
	}
	return payload, nil
}

// Decode parses a single netstring frame from p.
func Decode(p []byte) ([]byte, error) {
	return NewReader(bytes.NewReader(p)).Next()
}
