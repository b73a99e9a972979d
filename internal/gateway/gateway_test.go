package gateway

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/chain"
	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/config"
	"github.com/aethercore/aethercore/internal/identity"
	"github.com/aethercore/aethercore/internal/store"
	"github.com/aethercore/aethercore/internal/trust"
	"github.com/aethercore/aethercore/internal/xcrypto"
)

type allowAllQuotes struct{}

func (allowAllQuotes) Verify(quote []byte, pcrs map[int][]byte, akCert []byte, baseline map[string]string) error {
	return nil
}

type recordingLink struct {
	sent []Command
}

func (l *recordingLink) Send(ctx context.Context, target common.NodeId, cmd Command) error {
	l.sent = append(l.sent, cmd)
	return nil
}

func genNode(t *testing.T) (common.NodeId, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return xcrypto.NodeIdFromPublicKey(pub), pub, priv
}

type testHarness struct {
	registry *identity.Registry
	mesh     *trust.Mesh
	vine     *chain.Vine
	gw       *Gateway
	link     *recordingLink
	selfNode common.NodeId
	selfPriv ed25519.PrivateKey
	cleanup  func()
}

func newHarness(t *testing.T, policy PolicyTable) *testHarness {
	t.Helper()

	idStore, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	chainStore, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	gwStore, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	cfg := config.Defaults()
	reg := identity.NewRegistry(idStore, zap.NewNop(), cfg, allowAllQuotes{})

	mesh := trust.NewMesh(zap.NewNop(), trust.ScoringConfigFromConfig(cfg), 16)

	vine := chain.New(chainStore, zap.NewNop(), reg, 0, 16)

	selfID, _, selfPriv := genNode(t)
	link := &recordingLink{}
	buffer := NewOfflineBuffer(gwStore, zap.NewNop(), 4)
	policyTable := policy

	gw := New(reg, mesh, policyTable, link, buffer, vine, gwStore, selfID, func(b []byte) []byte {
		return ed25519.Sign(selfPriv, b)
	}, zap.NewNop())

	return &testHarness{
		registry: reg, mesh: mesh, vine: vine, gw: gw, link: link,
		selfNode: selfID, selfPriv: selfPriv,
		cleanup: func() {
			_ = idStore.Close()
			_ = chainStore.Close()
			_ = gwStore.Close()
		},
	}
}

// raiseToHealthy pushes a subject's score above the healthy threshold
// by replaying enough Verified observations; the score update is
// asymptotic toward 1.0, so a single observation is never sufficient.
func raiseToHealthy(h *testHarness, subject common.NodeId) {
	for i := 0; i < 200; i++ {
		h.mesh.ApplyObservation(chain.Observation{NodeID: subject, Kind: chain.ObservationVerified, At: time.Now().UTC()})
		if h.mesh.Score(subject).Classification == common.ClassificationHealthy {
			return
		}
	}
}

func signCommand(priv ed25519.PrivateKey, cmd *Command) {
	cmd.Signature = ed25519.Sign(priv, cmd.Canonical())
}

func TestDispatch_HealthyTargetIsDispatchedImmediately(t *testing.T) {
	h := newHarness(t, NewStaticPolicyTable(nil))
	defer h.cleanup()

	operatorID, operatorPub, operatorPriv := genNode(t)
	_, err := h.registry.RegisterNode(context.Background(), operatorID, operatorPub, []byte("quote"), nil, []byte("ak"))
	require.NoError(t, err)

	target, _, _ := genNode(t)
	raiseToHealthy(h, target)

	h.gw.policy = NewStaticPolicyTable(map[common.NodeId][]string{operatorID: {"reboot"}})

	cmd := Command{
		OperatorID:   operatorID,
		TargetNodeID: target,
		CommandType:  "reboot",
		IssuedAt:     time.Now().UTC(),
		Nonce:        "nonce-1",
	}
	signCommand(operatorPriv, &cmd)

	outcome, err := h.gw.Dispatch(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, outcome)
	assert.Len(t, h.link.sent, 1)
}

func TestDispatch_QuarantinedTargetIsRejected(t *testing.T) {
	h := newHarness(t, NewStaticPolicyTable(nil))
	defer h.cleanup()

	operatorID, operatorPub, operatorPriv := genNode(t)
	_, err := h.registry.RegisterNode(context.Background(), operatorID, operatorPub, []byte("quote"), nil, []byte("ak"))
	require.NoError(t, err)

	target, _, _ := genNode(t)
	h.mesh.ApplyObservation(chain.Observation{NodeID: target, Kind: chain.ObservationEquivocation, At: time.Now().UTC()})

	h.gw.policy = NewStaticPolicyTable(map[common.NodeId][]string{operatorID: {"reboot"}})

	cmd := Command{
		OperatorID:   operatorID,
		TargetNodeID: target,
		CommandType:  "reboot",
		IssuedAt:     time.Now().UTC(),
		Nonce:        "nonce-2",
	}
	signCommand(operatorPriv, &cmd)

	outcome, err := h.gw.Dispatch(context.Background(), cmd)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	kind, _ := common.KindOf(err)
	assert.Equal(t, common.KindQuarantined, kind)
	assert.Empty(t, h.link.sent)
}

func TestDispatch_ReplayedNonceIsRejected(t *testing.T) {
	h := newHarness(t, NewStaticPolicyTable(nil))
	defer h.cleanup()

	operatorID, operatorPub, operatorPriv := genNode(t)
	_, err := h.registry.RegisterNode(context.Background(), operatorID, operatorPub, []byte("quote"), nil, []byte("ak"))
	require.NoError(t, err)

	target, _, _ := genNode(t)
	raiseToHealthy(h, target)
	h.gw.policy = NewStaticPolicyTable(map[common.NodeId][]string{operatorID: {"reboot"}})

	cmd := Command{
		OperatorID:   operatorID,
		TargetNodeID: target,
		CommandType:  "reboot",
		IssuedAt:     time.Now().UTC(),
		Nonce:        "nonce-3",
	}
	signCommand(operatorPriv, &cmd)

	_, err = h.gw.Dispatch(context.Background(), cmd)
	require.NoError(t, err)

	_, err = h.gw.Dispatch(context.Background(), cmd)
	require.Error(t, err)
}

func TestGuardianGate_ResumeHaltsOnCheckpointMismatch(t *testing.T) {
	h := newHarness(t, NewStaticPolicyTable(nil))
	defer h.cleanup()

	target, _, _ := genNode(t)
	var sealed common.Digest32
	sealed[0] = 0x11
	require.NoError(t, h.gw.MarkLinkLost(target, sealed))
	h.gw.MarkLinkRestored(target)

	adminID, adminPub, adminPriv := genNode(t)
	tuple := authorizeSyncTuple(h.selfNode, target, sealed)
	sig := ed25519.Sign(adminPriv, tuple)
	require.NoError(t, h.gw.AuthorizeSync(context.Background(), target, sealed, adminID, sig, adminPub))

	var wrongAncestor common.Digest32
	wrongAncestor[0] = 0x99
	err := h.gw.ResumeLink(context.Background(), target, wrongAncestor)
	require.Error(t, err)
	kind, _ := common.KindOf(err)
	assert.Equal(t, common.KindCheckpointMismatch, kind)
}
