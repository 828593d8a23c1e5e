package router

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// DefaultMaxFrameSize bounds the cumulated size of the parts of a
	// single frame set.
	DefaultMaxFrameSize = 16 << 20

	// MaxParts bounds the number of parts of a single frame set.
	MaxParts = 64
)

// AppendFrameSet encodes parts as a varint count followed by
// length-prefixed parts.
func AppendFrameSet(b []byte, parts [][]byte) []byte {
	b = protowire.AppendVarint(b, uint64(len(parts)))
	for _, part := range parts {
		b = protowire.AppendBytes(b, part)
	}
	return b
}

// WriteFrameSet writes parts in a single Write so concurrent writers
// holding the stream lock never interleave.
func WriteFrameSet(w io.Writer, parts [][]byte, maxSize int) error {
	if len(parts) > MaxParts {
		return fmt.Errorf("%w: %d parts", ErrTooLargeFrame, len(parts))
	}
	size := 0
	for _, part := range parts {
		size += len(part)
	}
	if maxSize > 0 && size > maxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, size)
	}
	_, err := w.Write(AppendFrameSet(make([]byte, 0, size+8*(len(parts)+1)), parts))
	return err
}

// ReadFrameSet reads the next frame set written by WriteFrameSet.
func ReadFrameSet(r *bufio.Reader, maxSize int) ([][]byte, error) {
	count, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if count > MaxParts {
		return nil, fmt.Errorf("%w: frame set announces %d parts", ErrProtocolViolation, count)
	}

	parts := make([][]byte, 0, count)
	total := uint64(0)
	for range count {
		n, err := readVarint(r)
		if err != nil {
			return nil, noEOF(err)
		}
		total += n
		if maxSize > 0 && total > uint64(maxSize) {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, total)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, noEOF(err)
		}
		parts = append(parts, buf)
	}
	return parts, nil
}

func readVarint(r io.ByteReader) (uint64, error) {
	var buf [binary.MaxVarintLen64]byte
	for n := range buf {
		c, err := r.ReadByte()
		if err != nil {
			if n > 0 {
				return 0, noEOF(err)
			}
			return 0, err
		}
		buf[n] = c
		if c < 0x80 {
			v, m := protowire.ConsumeVarint(buf[:n+1])
			if m < 0 {
				return 0, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(m))
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: varint overflow", ErrProtocolViolation)
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
