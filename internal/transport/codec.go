package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream framing: each message is a big-endian uint32 frame count followed
// by, per frame, a big-endian uint32 length and the frame bytes.
const (
	MaxFrames    = 1 << 12
	MaxFrameSize = 16 << 20
)

var ErrFrameTooLarge = errors.New("transport: frame exceeds limit")

func writeMessage(w io.Writer, frames [][]byte) error {
	size := 4
	for _, f := range frames {
		size += 4 + len(f)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(frames)))
	for _, f := range frames {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) ([][]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrames {
		return nil, fmt.Errorf("%w: %d frames", ErrFrameTooLarge, n)
	}
	frames := make([][]byte, n)
	for i := range frames {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		sz := binary.BigEndian.Uint32(hdr[:])
		if sz > MaxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, sz)
		}
		f := make([]byte, sz)
		if _, err := io.ReadFull(r, f); err != nil {
			return nil, err
		}
		frames[i] = f
	}
	return frames, nil
}
