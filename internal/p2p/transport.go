package p2p

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/envelope"
	"github.com/aethercore/aethercore/internal/gateway"
	"github.com/aethercore/aethercore/internal/trust"
)

// sendEnvelope builds, signs, and writes a single framed SignedEnvelope
// to the given peer, dropping the cached connection on any write
// failure so the next attempt redials.
func sendEnvelope(ctx context.Context, d *dialer, self common.NodeId, sign func([]byte) []byte, to common.NodeId, mt envelope.MessageType, payload []byte) error {
	env := &envelope.SignedEnvelope{
		SchemaVersion: envelope.CurrentSchemaVersion,
		TimestampMs:   uint64(time.Now().UnixMilli()),
		MessageType:   mt,
		SenderNodeID:  self,
		Payload:       payload,
	}
	if _, err := rand.Read(env.MessageID[:]); err != nil {
		return fmt.Errorf("p2p: generating message_id: %w", err)
	}
	if _, err := rand.Read(env.Nonce[:]); err != nil {
		return fmt.Errorf("p2p: generating nonce: %w", err)
	}
	sig := sign(env.SignedFields())
	copy(env.Signature[:], sig)

	conn, err := d.connFor(ctx, to)
	if err != nil {
		return err
	}
	if err := envelope.WriteEnvelope(conn, env); err != nil {
		d.drop(to)
		return fmt.Errorf("p2p: writing envelope to %s: %w", to.Hex(), err)
	}
	return nil
}

// GossipTransport implements trust.Transport over framed envelopes on
// plain TCP connections, one per peer.
type GossipTransport struct {
	dialer *dialer
	book   *PeerBook
	self   common.NodeId
	sign   func([]byte) []byte
	inbox  <-chan trust.TrustVector
	logger *zap.Logger
}

// NewGossipTransport builds a GossipTransport. inbox is fed by a
// Server's GossipInbox() demultiplexing MessageGossipTrust envelopes
// off every accepted connection.
func NewGossipTransport(book *PeerBook, self common.NodeId, sign func([]byte) []byte, inbox <-chan trust.TrustVector, logger *zap.Logger) *GossipTransport {
	return &GossipTransport{
		dialer: newDialer(book),
		book:   book,
		self:   self,
		sign:   sign,
		inbox:  inbox,
		logger: logger,
	}
}

func (t *GossipTransport) Peers() []common.NodeId { return t.book.Peers() }

func (t *GossipTransport) Inbox() <-chan trust.TrustVector { return t.inbox }

func (t *GossipTransport) Send(ctx context.Context, to common.NodeId, vector trust.TrustVector) error {
	payload, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("p2p: marshalling trust vector: %w", err)
	}
	return sendEnvelope(ctx, t.dialer, t.self, t.sign, to, envelope.MessageGossipTrust, payload)
}

// Close drops every cached outbound connection.
func (t *GossipTransport) Close() { t.dialer.closeAll() }

// CommandLink implements gateway.Link over the same framed-envelope
// wire format, as a distinct concrete type from GossipTransport since
// gateway.Link and trust.Transport both declare a Send method with a
// different second argument type and Go has no overloading by type.
type CommandLink struct {
	dialer *dialer
	self   common.NodeId
	sign   func([]byte) []byte
	logger *zap.Logger
}

// NewCommandLink builds a CommandLink over book, reusing no state with
// any GossipTransport built over the same book.
func NewCommandLink(book *PeerBook, self common.NodeId, sign func([]byte) []byte, logger *zap.Logger) *CommandLink {
	return &CommandLink{dialer: newDialer(book), self: self, sign: sign, logger: logger}
}

func (l *CommandLink) Send(ctx context.Context, target common.NodeId, cmd gateway.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("p2p: marshalling command: %w", err)
	}
	return sendEnvelope(ctx, l.dialer, l.self, l.sign, target, envelope.MessageCommand, payload)
}

// Close drops every cached outbound connection.
func (l *CommandLink) Close() { l.dialer.closeAll() }
