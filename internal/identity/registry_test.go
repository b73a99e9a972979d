package identity

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/config"
	"github.com/aethercore/aethercore/internal/store"
	"github.com/aethercore/aethercore/internal/xcrypto"
)

type allowAllQuotes struct{}

func (allowAllQuotes) Verify(quote []byte, pcrs map[int][]byte, akCert []byte, baseline map[string]string) error {
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, func()) {
	t.Helper()
	st, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.AdminNodeIds = nil // filled per-test

	reg := NewRegistry(st, zap.NewNop(), cfg, allowAllQuotes{})
	return reg, func() { _ = st.Close() }
}

func genNode(t *testing.T) (common.NodeId, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return xcrypto.NodeIdFromPublicKey(pub), pub, priv
}

func TestRegisterNode_RejectsMismatchedNodeID(t *testing.T) {
	reg, done := newTestRegistry(t)
	defer done()

	_, pub, _ := genNode(t)
	var wrongID common.NodeId
	wrongID[0] = 0xFF

	_, err := reg.RegisterNode(context.Background(), wrongID, pub, []byte("quote"), nil, []byte("ak"))
	require.Error(t, err)
	kind, ok := common.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, common.KindAttestationFailed, kind)
}

func TestRegisterNode_IdempotentOnIdenticalInputs(t *testing.T) {
	reg, done := newTestRegistry(t)
	defer done()

	nodeID, pub, _ := genNode(t)
	quote := []byte("quote")
	ak := []byte("ak-cert")

	_, err := reg.RegisterNode(context.Background(), nodeID, pub, quote, nil, ak)
	require.NoError(t, err)

	_, err = reg.RegisterNode(context.Background(), nodeID, pub, quote, nil, ak)
	require.NoError(t, err)
	assert.True(t, reg.IsNodeEnrolled(nodeID))
}

func TestRegisterNode_RejectsMismatchedReRegistration(t *testing.T) {
	reg, done := newTestRegistry(t)
	defer done()

	nodeID, pub, _ := genNode(t)
	_, err := reg.RegisterNode(context.Background(), nodeID, pub, []byte("quote-a"), nil, []byte("ak"))
	require.NoError(t, err)

	_, err = reg.RegisterNode(context.Background(), nodeID, pub, []byte("quote-b"), nil, []byte("ak"))
	require.Error(t, err)
}

func TestVerifySignature_ValidThenReplayed(t *testing.T) {
	reg, done := newTestRegistry(t)
	defer done()

	nodeID, pub, priv := genNode(t)
	_, err := reg.RegisterNode(context.Background(), nodeID, pub, []byte("quote"), nil, []byte("ak"))
	require.NoError(t, err)

	payload := []byte("telemetry-frame")
	sig := ed25519.Sign(priv, payload)
	now := time.Now().UTC()

	outcome, err := reg.VerifySignature(context.Background(), nodeID, payload, sig, now, "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, Valid, outcome)

	outcome, err = reg.VerifySignature(context.Background(), nodeID, payload, sig, now, "nonce-1")
	require.Error(t, err)
	assert.Equal(t, Replayed, outcome)
}

func TestVerifySignature_TimestampSkewed(t *testing.T) {
	reg, done := newTestRegistry(t)
	defer done()

	nodeID, pub, priv := genNode(t)
	_, err := reg.RegisterNode(context.Background(), nodeID, pub, []byte("quote"), nil, []byte("ak"))
	require.NoError(t, err)

	payload := []byte("telemetry-frame")
	sig := ed25519.Sign(priv, payload)
	stale := time.Now().UTC().Add(-time.Hour)

	outcome, err := reg.VerifySignature(context.Background(), nodeID, payload, sig, stale, "nonce-1")
	require.Error(t, err)
	assert.Equal(t, TimestampSkewed, outcome)
}

func TestVerifySignature_SkewToleranceOnlyAppliesToFutureTimestamps(t *testing.T) {
	reg, done := newTestRegistry(t)
	defer done()

	nodeID, pub, priv := genNode(t)
	_, err := reg.RegisterNode(context.Background(), nodeID, pub, []byte("quote"), nil, []byte("ak"))
	require.NoError(t, err)

	cfg := config.Defaults()
	window := time.Duration(cfg.FreshnessWindowMs) * time.Millisecond

	payload := []byte("telemetry-frame")
	sig := ed25519.Sign(priv, payload)

	// One millisecond past the freshness window, in the past: the skew
	// tolerance is a future-dating allowance only, so this must be
	// rejected even though it is well within freshness_window_ms +
	// skew_tolerance_ms.
	pastBeyondWindow := time.Now().UTC().Add(-window - time.Millisecond)
	outcome, err := reg.VerifySignature(context.Background(), nodeID, payload, sig, pastBeyondWindow, "nonce-past")
	require.Error(t, err)
	assert.Equal(t, TimestampSkewed, outcome)

	// A future-dated timestamp within freshness_window_ms +
	// skew_tolerance_ms is still accepted.
	futureWithinSkew := time.Now().UTC().Add(window + 10*time.Second)
	outcome, err = reg.VerifySignature(context.Background(), nodeID, payload, sig, futureWithinSkew, "nonce-future")
	require.NoError(t, err)
	assert.Equal(t, Valid, outcome)
}

func TestVerifySignature_UnknownNode(t *testing.T) {
	reg, done := newTestRegistry(t)
	defer done()

	var nodeID common.NodeId
	nodeID[0] = 0x01

	outcome, err := reg.VerifySignature(context.Background(), nodeID, []byte("x"), []byte("y"), time.Now(), "n")
	require.Error(t, err)
	assert.Equal(t, NotEnrolled, outcome)
}

func TestRevokeNode_IsMonotonic(t *testing.T) {
	reg, done := newTestRegistry(t)
	defer done()

	adminID, adminPub, adminPriv := genNode(t)
	reg.cfg.AdminNodeIds = []string{adminID.Hex()}
	_, err := reg.RegisterNode(context.Background(), adminID, adminPub, []byte("quote"), nil, []byte("ak"))
	require.NoError(t, err)

	subjectID, subjectPub, _ := genNode(t)
	_, err = reg.RegisterNode(context.Background(), subjectID, subjectPub, []byte("quote"), nil, []byte("ak"))
	require.NoError(t, err)

	fixedNow := time.Now().UTC()
	reg.now = func() time.Time { return fixedNow }
	sig := ed25519.Sign(adminPriv, revocationTuple(subjectID, "compromised", fixedNow))

	require.NoError(t, reg.RevokeNode(context.Background(), subjectID, "compromised", adminID, sig))
	assert.False(t, reg.IsNodeEnrolled(subjectID))

	// Second call against an already-revoked subject is a monotonic
	// no-op, never a reversion (I3).
	require.NoError(t, reg.RevokeNode(context.Background(), subjectID, "compromised", adminID, sig))
	assert.False(t, reg.IsNodeEnrolled(subjectID))
}

func TestRevokeNode_RejectsNonAdminAuthority(t *testing.T) {
	reg, done := newTestRegistry(t)
	defer done()

	nonAdminID, nonAdminPub, nonAdminPriv := genNode(t)
	_, err := reg.RegisterNode(context.Background(), nonAdminID, nonAdminPub, []byte("quote"), nil, []byte("ak"))
	require.NoError(t, err)

	subjectID, subjectPub, _ := genNode(t)
	_, err = reg.RegisterNode(context.Background(), subjectID, subjectPub, []byte("quote"), nil, []byte("ak"))
	require.NoError(t, err)

	sig := ed25519.Sign(nonAdminPriv, revocationTuple(subjectID, "compromised", time.Now().UTC()))
	err = reg.RevokeNode(context.Background(), subjectID, "compromised", nonAdminID, sig)
	require.Error(t, err)
	kind, _ := common.KindOf(err)
	assert.Equal(t, common.KindUnauthorized, kind)
}
