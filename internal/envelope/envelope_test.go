package envelope

import (
	"crypto/ed25519"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(t *testing.T, priv ed25519.PrivateKey, payload []byte) *SignedEnvelope {
	t.Helper()
	e := &SignedEnvelope{
		SchemaVersion: CurrentSchemaVersion,
		TimestampMs:   1234,
		MessageType:   MessageEvent,
		Payload:       payload,
	}
	sig := ed25519.Sign(priv, e.SignedFields())
	copy(e.Signature[:], sig)
	return e
}

func TestParse_RoundTripsSerialize(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e := testEnvelope(t, priv, []byte("payload-bytes"))
	raw := e.Serialize()

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, e.SchemaVersion, parsed.SchemaVersion)
	assert.Equal(t, e.TimestampMs, parsed.TimestampMs)
	assert.Equal(t, e.MessageType, parsed.MessageType)
	assert.Equal(t, e.Payload, parsed.Payload)
	assert.True(t, parsed.Verify(pub))
}

func TestParse_RejectsTruncatedFrame(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e := testEnvelope(t, priv, []byte("payload-bytes"))
	raw := e.Serialize()

	// A hostile or short-read peer that only delivers a prefix of the
	// frame must be rejected, not silently parsed into a zero-valued
	// tail.
	for _, cut := range []int{1, 10, len(raw) - 1} {
		truncated := raw[:cut]
		_, err := Parse(truncated)
		assert.Error(t, err, "expected Parse to reject a %d-byte prefix of a %d-byte frame", cut, len(raw))
	}
}

func TestParse_RejectsOversizedPayloadLen(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e := testEnvelope(t, priv, []byte("x"))
	raw := e.Serialize()

	// payload_len is the uint32 immediately preceding the payload
	// bytes: schema_version(2) + message_id(16) + timestamp_ms(8) +
	// message_type(1) + sender_node_id(32) + nonce(16).
	lenOffset := 2 + 16 + 8 + 1 + 32 + 16
	corrupted := make([]byte, len(raw))
	copy(corrupted, raw)
	binary.LittleEndian.PutUint32(corrupted[lenOffset:lenOffset+4], MaxFrameBytes+1)

	_, err = Parse(corrupted)
	require.Error(t, err)
}

func TestSignedEnvelope_VerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e := testEnvelope(t, priv, []byte("payload-bytes"))
	e.Payload = []byte("tampered!!!!!")

	assert.False(t, e.Verify(pub))
}
