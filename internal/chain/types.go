// Package chain implements the Integrity Chain / Merkle Vine (C3):
// per-(stream, node) hash-chained event logs with fail-visible
// verification.
package chain

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/xcrypto"
)

// Event is append-only once accepted into a stream.
type Event struct {
	StreamID     string
	Sequence     uint64
	Timestamp    time.Time
	PayloadHash  common.Digest32
	AncestorHash common.Digest32
	NodeID       common.NodeId
	Signature    []byte
}

// canonical returns the fixed-order, little-endian, length-prefixed
// byte representation whose BLAKE3 digest is what the next event's
// ancestor_hash must equal, and which Signature must cover.
func (e *Event) canonical() []byte {
	buf := new(bytes.Buffer)
	writeLPString(buf, e.StreamID)
	_ = binary.Write(buf, binary.LittleEndian, e.Sequence)
	_ = binary.Write(buf, binary.LittleEndian, e.Timestamp.UnixMilli())
	buf.Write(e.PayloadHash[:])
	buf.Write(e.AncestorHash[:])
	buf.Write(e.NodeID[:])
	return buf.Bytes()
}

func writeLPString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

// Hash returns BLAKE3(canonical(E)), the value the next event in this
// (stream, node) must declare as its ancestor_hash.
func (e *Event) Hash() common.Digest32 {
	return xcrypto.Hash(e.canonical())
}

// SignedBytes is the exact byte domain Signature covers.
func (e *Event) SignedBytes() []byte { return e.canonical() }

// StreamState is the per-(stream_id, node_id) head, persisted durably.
type StreamState struct {
	HeadHash       common.Digest32
	HeadSequence   uint64
	LastVerifiedAt time.Time
	BreakCount     uint64
}

// ObservationKind classifies what the Trust Mesh should do with an
// Observation published by the chain.
type ObservationKind string

const (
	ObservationVerified     ObservationKind = "Verified"
	ObservationChainBreak   ObservationKind = "ChainBreak"
	ObservationInvalidSig   ObservationKind = "InvalidSignature"
	ObservationEquivocation ObservationKind = "Equivocation"
)

// Observation is published on a bounded channel consumed exclusively by
// the trust mesh. The integrity chain never holds a reference to trust
// state directly; all cross-component communication is by message
// passing over this channel.
type Observation struct {
	StreamID string
	NodeID   common.NodeId
	Kind     ObservationKind
	At       time.Time
}

// EquivocationEntry records a second, conflicting event at a sequence
// already held by the head. It never replaces the head.
type EquivocationEntry struct {
	StreamID    string
	NodeID      common.NodeId
	Sequence    uint64
	Event       Event
	RecordedAt  time.Time
}
