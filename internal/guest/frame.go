// Package guest implements the Host-to-Guest Transport (C7): a framed,
// length-prefixed JSON RPC client speaking to the in-guest agent over a
// vsock stream (on Cloud Hypervisor, presented to the host as a plain
// net.Conn once accepted by the hypervisor driver).
package guest

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame body per spec: 4-byte big-endian
// length prefix, max 16 MiB body.
const maxFrameBytes = 16 * 1024 * 1024

// writeFrame writes a length-prefixed frame: a 4-byte big-endian length
// followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("guest: frame of %d bytes exceeds %d byte limit", len(payload), maxFrameBytes)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame, rejecting bodies over
// maxFrameBytes before allocating a buffer for them.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("guest: incoming frame of %d bytes exceeds %d byte limit", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
