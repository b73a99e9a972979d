package envelope

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame to guard against a malicious or
// buggy peer claiming an unbounded payload length.
const MaxFrameBytes = 16 << 20 // 16 MiB

// WriteFrame writes one length-prefixed frame: a uint32 network-order
// (big-endian) length header followed by exactly that many bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("envelope: frame of %d bytes exceeds max %d", len(payload), MaxFrameBytes)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("envelope: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("envelope: writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("envelope: peer announced frame of %d bytes, exceeds max %d", n, MaxFrameBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("envelope: reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteEnvelope frames and writes a single SignedEnvelope.
func WriteEnvelope(w io.Writer, e *SignedEnvelope) error {
	return WriteFrame(w, e.Serialize())
}

// ReadEnvelope reads and parses a single framed SignedEnvelope.
func ReadEnvelope(r io.Reader) (*SignedEnvelope, error) {
	raw, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}
