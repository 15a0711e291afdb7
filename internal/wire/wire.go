// Package wire frames protocol messages on a stream connection: a 4-byte
// big-endian length followed by that many bytes of body.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame body (1 MiB).
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a peer announces a frame above the limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ReadFrame reads one frame body from r. Any error means the stream can no
// longer be trusted and the connection should be dropped.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if maxSize > 0 && uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("short frame: %w", err)
	}
	return body, nil
}

// WriteFrame writes body as a single frame.
func WriteFrame(w io.Writer, body []byte) error {
	if uint64(len(body)) > uint64(^uint32(0)) {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}
