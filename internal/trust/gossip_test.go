package trust

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/common"
)

type fakeTransport struct {
	peers []common.NodeId
	sent  []TrustVector
	inbox chan TrustVector
}

func (f *fakeTransport) Peers() []common.NodeId { return f.peers }
func (f *fakeTransport) Send(ctx context.Context, to common.NodeId, v TrustVector) error {
	f.sent = append(f.sent, v)
	return nil
}
func (f *fakeTransport) Inbox() <-chan TrustVector { return f.inbox }

type fakeLookup struct {
	pub   ed25519.PublicKey
	trust float64
}

func (f fakeLookup) TrustOf(common.NodeId) float64 { return f.trust }
func (f fakeLookup) PublicKeyOf(common.NodeId) (ed25519.PublicKey, bool) {
	return f.pub, f.pub != nil
}

func TestGossiper_ReceiveMergesRemoteScoreWeightedByEmitterTrust(t *testing.T) {
	cfg := testCfg()
	mesh := NewMesh(zap.NewNop(), cfg, 16)
	subject := common.NodeId{0x0B}
	mesh.scores.Apply(subject, func(ts TrustScore) TrustScore { ts.Score = 0.2; return ts })

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	transport := &fakeTransport{inbox: make(chan TrustVector, 1)}
	lookup := fakeLookup{pub: pub, trust: 1.0}

	g, err := NewGossiper(mesh, transport, lookup, zap.NewNop(), common.NodeId{0x01}, func(b []byte) []byte { return ed25519.Sign(priv, b) }, 3, time.Minute)
	require.NoError(t, err)

	vec := TrustVector{
		GossipID:  "gossip-1",
		EmitterID: common.NodeId{0x0C},
		Entries:   []GossipEntry{{Subject: subject, Score: 1.0}},
		Timestamp: time.Now().UTC(),
	}
	vec.Signature = ed25519.Sign(priv, vec.signedBytes())

	g.receive(context.Background(), vec)

	gamma := lookup.trust * cfg.Gamma
	expected := (1-gamma)*0.2 + gamma*1.0
	assert.InDelta(t, expected, mesh.Score(subject).Score, 1e-9)
}

func TestGossiper_ReceiveDropsInvalidSignature(t *testing.T) {
	cfg := testCfg()
	mesh := NewMesh(zap.NewNop(), cfg, 16)
	subject := common.NodeId{0x0D}
	mesh.scores.Apply(subject, func(ts TrustScore) TrustScore { ts.Score = 0.2; return ts })

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, wrongPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	transport := &fakeTransport{inbox: make(chan TrustVector, 1)}
	lookup := fakeLookup{pub: pub, trust: 1.0}
	g, err := NewGossiper(mesh, transport, lookup, zap.NewNop(), common.NodeId{0x01}, func(b []byte) []byte { return ed25519.Sign(wrongPriv, b) }, 3, time.Minute)
	require.NoError(t, err)

	emitter := common.NodeId{0x0E}
	vec := TrustVector{
		GossipID:  "gossip-2",
		EmitterID: emitter,
		Entries:   []GossipEntry{{Subject: subject, Score: 1.0}},
		Timestamp: time.Now().UTC(),
	}
	vec.Signature = ed25519.Sign(wrongPriv, vec.signedBytes())

	g.receive(context.Background(), vec)

	// The subject's score is untouched; the emitter is penalized instead.
	assert.InDelta(t, 0.2, mesh.Score(subject).Score, 1e-9)
	assert.Equal(t, uint64(1), mesh.Score(emitter).FailedEvents)
}
