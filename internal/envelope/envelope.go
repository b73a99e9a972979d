// Package envelope implements the canonical SignedEnvelope wire format:
// fixed field order, little-endian integers, length-prefixed byte
// fields, and a transport-neutral frame.
package envelope

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/xcrypto"
)

// MessageType enumerates the payload kinds carried by a SignedEnvelope.
type MessageType uint8

const (
	MessageEvent MessageType = iota + 1
	MessageCommand
	MessageGossipTrust
	MessageControl
	MessageHeartbeat
	MessageAck
)

// CurrentSchemaVersion is the only schema_version this build accepts.
const CurrentSchemaVersion uint16 = 1

// SignedEnvelope is the canonical transport envelope. Field order here
// is the signature domain; do not reorder fields without bumping
// CurrentSchemaVersion.
type SignedEnvelope struct {
	SchemaVersion uint16
	MessageID     [16]byte
	TimestampMs   uint64
	MessageType   MessageType
	SenderNodeID  common.NodeId
	Nonce         [16]byte
	Payload       []byte
	Signature     [ed25519.SignatureSize]byte
}

// signedFields returns the canonical byte concatenation of every field
// preceding Signature, in order, with no implicit padding. This is
// exactly what Signature must cover.
func (e *SignedEnvelope) signedFields() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, e.SchemaVersion)
	buf.Write(e.MessageID[:])
	_ = binary.Write(buf, binary.LittleEndian, e.TimestampMs)
	_ = binary.Write(buf, binary.LittleEndian, uint8(e.MessageType))
	buf.Write(e.SenderNodeID[:])
	buf.Write(e.Nonce[:])
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(e.Payload)))
	buf.Write(e.Payload)
	return buf.Bytes()
}

// Serialize produces the full wire representation, signature included.
func (e *SignedEnvelope) Serialize() []byte {
	buf := bytes.NewBuffer(e.signedFields())
	buf.Write(e.Signature[:])
	return buf.Bytes()
}

// Digest returns BLAKE3 of the signed fields. The Ed25519 signature
// over this envelope actually signs the raw field bytes, not this
// digest, but callers use Digest for dedup/logging.
func (e *SignedEnvelope) Digest() common.Digest32 {
	return xcrypto.Hash(e.signedFields())
}

// Sign fills in Signature using sig, the detached Ed25519 signature
// over SignedFields(). Callers obtain sig from xcrypto.Custody.Sign.
func (e *SignedEnvelope) Sign(sig xcrypto.Signature) {
	e.Signature = sig
}

// SignedFields exposes the exact byte domain a signer must sign.
func (e *SignedEnvelope) SignedFields() []byte { return e.signedFields() }

// Verify checks the envelope's signature against pub. It does not check
// freshness, replay, or enrollment; callers compose those via the
// identity registry.
func (e *SignedEnvelope) Verify(pub ed25519.PublicKey) bool {
	return xcrypto.Verify(pub, e.signedFields(), e.Signature[:])
}

// Parse decodes a full wire representation, rejecting unknown schema
// versions fail-visibly rather than silently discarding the frame.
func Parse(raw []byte) (*SignedEnvelope, error) {
	r := bytes.NewReader(raw)
	e := &SignedEnvelope{}

	if err := binary.Read(r, binary.LittleEndian, &e.SchemaVersion); err != nil {
		return nil, fmt.Errorf("envelope: reading schema_version: %w", err)
	}
	if e.SchemaVersion != CurrentSchemaVersion {
		return nil, common.NewError(common.KindUnknownSchema, fmt.Sprintf("unsupported schema_version %d", e.SchemaVersion))
	}
	if _, err := io.ReadFull(r, e.MessageID[:]); err != nil {
		return nil, fmt.Errorf("envelope: reading message_id: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &e.TimestampMs); err != nil {
		return nil, fmt.Errorf("envelope: reading timestamp_ms: %w", err)
	}
	var mt uint8
	if err := binary.Read(r, binary.LittleEndian, &mt); err != nil {
		return nil, fmt.Errorf("envelope: reading message_type: %w", err)
	}
	e.MessageType = MessageType(mt)
	var senderID [32]byte
	if _, err := io.ReadFull(r, senderID[:]); err != nil {
		return nil, fmt.Errorf("envelope: reading sender_node_id: %w", err)
	}
	e.SenderNodeID = common.NodeId(senderID)
	if _, err := io.ReadFull(r, e.Nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: reading nonce: %w", err)
	}
	var payloadLen uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("envelope: reading payload_len: %w", err)
	}
	if payloadLen > MaxFrameBytes {
		return nil, fmt.Errorf("envelope: payload_len %d exceeds max %d", payloadLen, MaxFrameBytes)
	}
	e.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, e.Payload); err != nil {
		return nil, fmt.Errorf("envelope: reading payload: %w", err)
	}
	if _, err := io.ReadFull(r, e.Signature[:]); err != nil {
		return nil, fmt.Errorf("envelope: reading signature: %w", err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("envelope: %d trailing bytes after signature", r.Len())
	}

	return e, nil
}
