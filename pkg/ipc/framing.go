package ipc

import (
	"encoding/binary"
	"io"

	"github.com/oxidekit/oxidepm/pkg/errors"
)

// MaxMessageSize bounds a single frame's payload, guarding against a
// malformed or hostile length prefix forcing a huge allocation.
const MaxMessageSize = 10 * 1024 * 1024

// writeFrame writes a 4-byte little-endian length prefix followed by
// payload.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.NewIOError("failed to write frame header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errors.NewIOError("failed to write frame payload", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame, rejecting anything larger
// than MaxMessageSize before allocating a buffer for it.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, errors.NewInvalidSpecError("frame exceeds maximum message size", nil).WithContext("size", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.NewIOError("failed to read frame payload", err)
	}
	return buf, nil
}
