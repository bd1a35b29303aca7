package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds frames when no explicit limit is given.
const DefaultMaxFrameSize = 4 << 20

// WriteFrame writes buf prefixed by its varint-encoded length in a single
// Write call, so a frame is never interleaved with another one as long as
// writers are serialised.
func WriteFrame(w io.Writer, buf []byte, maxSize int) error {
	if maxSize > 0 && len(buf) > maxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(buf))
	}

	varintBuf := protowire.AppendVarint(nil, uint64(len(buf)))
	prefixedBuf := make([]byte, len(varintBuf)+len(buf))
	copy(prefixedBuf, varintBuf)
	copy(prefixedBuf[len(varintBuf):], buf)
	_, err := w.Write(prefixedBuf)
	return err
}

// FrameReader reads length-prefixed frames written by `WriteFrame`.
//
// It is not safe for concurrent use.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{
		r:       bufio.NewReader(r),
		maxSize: maxSize,
	}
}

// ReadFrame returns the next frame. It returns io.EOF only when the stream
// ends cleanly on a frame boundary.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	prefix := make([]byte, 0, binary.MaxVarintLen64)
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(prefix) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		prefix = append(prefix, b)
		if b < 0x80 {
			break
		}
		if len(prefix) == binary.MaxVarintLen64 {
			return nil, ErrMalformedFrame
		}
	}

	size, n := protowire.ConsumeVarint(prefix)
	if err := protowire.ParseError(n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	if size > uint64(fr.maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
