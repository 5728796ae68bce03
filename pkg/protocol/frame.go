package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds the body of a single inbound frame.
const DefaultMaxFrameSize = 4 << 20

// FrameReader splits a byte stream into whole frames.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

// NewFrameReader wraps r. A maxSize of zero or less uses DefaultMaxFrameSize.
// An existing *bufio.Reader is reused so bytes it has already peeked are kept.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &FrameReader{r: br, maxSize: maxSize}
}

// Next returns the next complete frame, length prefix included.
// It returns io.EOF when the stream ends cleanly between frames and
// io.ErrUnexpectedEOF when it ends inside one.
func (fr *FrameReader) Next() ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(fr.maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, fr.maxSize)
	}
	frame := make([]byte, HeaderSize+int(n))
	copy(frame, header[:])
	if _, err := io.ReadFull(fr.r, frame[HeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
