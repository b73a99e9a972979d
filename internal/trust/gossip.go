package trust

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/common"
)

// GossipEntry is one (subject, score) pair inside a TrustVector.
type GossipEntry struct {
	Subject common.NodeId
	Score   float64
}

// TrustVector is the signed digest of local observations an observer
// periodically exchanges with a bounded random subset of peers.
type TrustVector struct {
	GossipID   string
	EmitterID  common.NodeId
	Entries    []GossipEntry
	Timestamp  time.Time
	Signature  []byte
}

func (v *TrustVector) signedBytes() []byte {
	out := make([]byte, 0, 64+len(v.Entries)*40)
	out = append(out, []byte(v.GossipID)...)
	out = append(out, v.EmitterID[:]...)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(v.Timestamp.UnixMilli()))
	out = append(out, ts[:]...)
	for _, e := range v.Entries {
		out = append(out, e.Subject[:]...)
		var sc [8]byte
		binary.LittleEndian.PutUint64(sc[:], uint64(e.Score*1e9))
		out = append(out, sc[:]...)
	}
	return out
}

// Transport abstracts the peer-to-peer link a TrustVector travels
// over. A concrete length-prefixed-frame implementation lives in
// internal/p2p; this interface lets it be swapped for a real
// libp2p pubsub transport without touching scoring logic.
type Transport interface {
	Peers() []common.NodeId
	Send(ctx context.Context, to common.NodeId, vector TrustVector) error
	Inbox() <-chan TrustVector
}

// PeerTrustLookup resolves the emitter-trust weight γ = emitter_trust·trust.gamma
// used by the merge rule, and the public key used to validate a
// vector's signature.
type PeerTrustLookup interface {
	TrustOf(node common.NodeId) float64
	PublicKeyOf(node common.NodeId) (ed25519.PublicKey, bool)
}

// Gossiper runs the periodic trust-vector exchange on top of a Mesh.
type Gossiper struct {
	mesh      *Mesh
	transport Transport
	lookup    PeerTrustLookup
	logger    *zap.Logger
	self      common.NodeId
	signer    func([]byte) []byte

	fanout int
	ttl    time.Duration

	seen *ristretto.Cache
}

func NewGossiper(mesh *Mesh, transport Transport, lookup PeerTrustLookup, logger *zap.Logger, self common.NodeId, signer func([]byte) []byte, fanout int, ttl time.Duration) (*Gossiper, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Gossiper{
		mesh:      mesh,
		transport: transport,
		lookup:    lookup,
		logger:    logger,
		self:      self,
		signer:    signer,
		fanout:    fanout,
		ttl:       ttl,
		seen:      cache,
	}, nil
}

// Run ticks at interval, emitting a TrustVector to a bounded random
// subset of peers and draining the transport's inbox for incoming
// vectors, until ctx is cancelled.
func (g *Gossiper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.emit(ctx)
		case vec, ok := <-g.transport.Inbox():
			if !ok {
				continue
			}
			g.receive(ctx, vec)
		}
	}
}

func (g *Gossiper) emit(ctx context.Context) {
	peers := g.transport.Peers()
	if len(peers) == 0 {
		return
	}
	targets := pickRandomSubset(peers, g.fanout)

	vec := TrustVector{
		GossipID:  uuid.NewString(),
		EmitterID: g.self,
		Entries:   entriesFrom(g.mesh.scores.Snapshot()),
		Timestamp: time.Now().UTC(),
	}
	vec.Signature = g.signer(vec.signedBytes())

	for _, peer := range targets {
		if err := g.transport.Send(ctx, peer, vec); err != nil {
			g.logger.Warn("gossip send failed", zap.String("peer", peer.Hex()), zap.Error(err))
		}
	}
}

func entriesFrom(snapshot map[common.NodeId]TrustScore) []GossipEntry {
	out := make([]GossipEntry, 0, len(snapshot))
	for subject, ts := range snapshot {
		out = append(out, GossipEntry{Subject: subject, Score: ts.Score})
	}
	return out
}

func pickRandomSubset(peers []common.NodeId, n int) []common.NodeId {
	if n >= len(peers) {
		return peers
	}
	shuffled := append([]common.NodeId(nil), peers...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

// receive validates, deduplicates, and merges one inbound TrustVector.
// An unsigned or invalid-signature vector is dropped and counted as a
// failure against the purported emitter.
func (g *Gossiper) receive(ctx context.Context, vec TrustVector) {
	if _, alreadySeen := g.seen.Get(vec.GossipID); alreadySeen {
		return
	}
	g.seen.SetWithTTL(vec.GossipID, struct{}{}, 1, g.ttl)

	pub, ok := g.lookup.PublicKeyOf(vec.EmitterID)
	if !ok || len(vec.Signature) != ed25519.SignatureSize || !ed25519.Verify(pub, vec.signedBytes(), vec.Signature) {
		g.mesh.scores.Apply(vec.EmitterID, func(ts TrustScore) TrustScore {
			ts.FailedEvents++
			ts.Score = ts.Score - g.mesh.cfg.BetaSignatureFail
			if ts.Score < 0 {
				ts.Score = 0
			}
			return ts
		})
		g.logger.Warn("dropped unsigned or invalid gossip vector", zap.String("emitter", vec.EmitterID.Hex()))
		return
	}

	emitterTrust := g.lookup.TrustOf(vec.EmitterID)
	gamma := emitterTrust * g.mesh.cfg.Gamma

	for _, entry := range vec.Entries {
		g.mesh.scores.Apply(entry.Subject, func(ts TrustScore) TrustScore {
			ts.Score = (1-gamma)*ts.Score + gamma*entry.Score
			return ts
		})
	}
}
