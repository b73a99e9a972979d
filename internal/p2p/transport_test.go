package p2p

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/gateway"
	"github.com/aethercore/aethercore/internal/trust"
)

func TestGossipTransport_SendIsReceivedAndVerifiedOnTheOtherEnd(t *testing.T) {
	senderPub, senderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	sender := common.NodeId{0x01}
	receiver := common.NodeId{0x02}

	lookup := func(id common.NodeId) (ed25519.PublicKey, bool) {
		if id == sender {
			return senderPub, true
		}
		return nil, false
	}

	srv := NewServer(zap.NewNop(), lookup)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1:0"))

	book := NewPeerBook(map[common.NodeId]string{receiver: srv.Addr().String()})
	sign := func(msg []byte) []byte { return ed25519.Sign(senderPriv, msg) }
	transport := NewGossipTransport(book, sender, sign, srv.GossipInbox(), zap.NewNop())
	defer transport.Close()

	vec := trust.TrustVector{
		GossipID:  "round-1",
		EmitterID: sender,
		Entries:   []trust.GossipEntry{{Subject: receiver, Score: 0.75}},
		Timestamp: time.Now().UTC(),
	}

	require.NoError(t, transport.Send(ctx, receiver, vec))

	select {
	case got := <-srv.GossipInbox():
		require.Equal(t, vec.GossipID, got.GossipID)
		require.Equal(t, sender, got.EmitterID)
		require.Len(t, got.Entries, 1)
		require.Equal(t, receiver, got.Entries[0].Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("gossip vector was not delivered")
	}
}

func TestGossipTransport_SendToUnknownPeerFails(t *testing.T) {
	book := NewPeerBook(nil)
	self := common.NodeId{0x03}
	sign := func(msg []byte) []byte { return nil }
	transport := NewGossipTransport(book, self, sign, make(chan trust.TrustVector), zap.NewNop())
	defer transport.Close()

	err := transport.Send(context.Background(), common.NodeId{0x04}, trust.TrustVector{})
	require.Error(t, err)
}

func TestServer_DropsEnvelopeFromUnknownSender(t *testing.T) {
	_, unknownPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	lookup := func(common.NodeId) (ed25519.PublicKey, bool) { return nil, false }
	srv := NewServer(zap.NewNop(), lookup)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1:0"))

	stranger := common.NodeId{0x05}
	receiver := common.NodeId{0x06}
	book := NewPeerBook(map[common.NodeId]string{receiver: srv.Addr().String()})
	sign := func(msg []byte) []byte { return ed25519.Sign(unknownPriv, msg) }
	transport := NewGossipTransport(book, stranger, sign, nil, zap.NewNop())
	defer transport.Close()

	require.NoError(t, transport.Send(ctx, receiver, trust.TrustVector{GossipID: "x"}))

	select {
	case <-srv.GossipInbox():
		t.Fatal("envelope from an unenrolled sender should have been dropped")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCommandLink_SendIsReceivedOnTheOtherEnd(t *testing.T) {
	senderPub, senderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	sender := common.NodeId{0x07}
	target := common.NodeId{0x08}

	lookup := func(id common.NodeId) (ed25519.PublicKey, bool) {
		if id == sender {
			return senderPub, true
		}
		return nil, false
	}

	srv := NewServer(zap.NewNop(), lookup)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1:0"))

	book := NewPeerBook(map[common.NodeId]string{target: srv.Addr().String()})
	sign := func(msg []byte) []byte { return ed25519.Sign(senderPriv, msg) }
	link := NewCommandLink(book, sender, sign, zap.NewNop())
	defer link.Close()

	cmd := gateway.Command{
		OperatorID:   sender,
		TargetNodeID: target,
		CommandType:  "Halt",
		IssuedAt:     time.Now().UTC(),
		Nonce:        "n-1",
	}

	require.NoError(t, link.Send(ctx, target, cmd))

	select {
	case got := <-srv.CommandInbox():
		require.Equal(t, cmd.CommandType, got.CommandType)
		require.Equal(t, cmd.Nonce, got.Nonce)
	case <-time.After(2 * time.Second):
		t.Fatal("command was not delivered")
	}
}
