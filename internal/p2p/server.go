package p2p

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net"

	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/envelope"
	"github.com/aethercore/aethercore/internal/gateway"
	"github.com/aethercore/aethercore/internal/trust"
)

// PublicKeyLookup resolves a node id's enrolled public key, used to
// verify the wire-level envelope signature on every inbound message
// before its payload is trusted.
type PublicKeyLookup func(common.NodeId) (ed25519.PublicKey, bool)

// Server accepts inbound TCP connections, reads framed SignedEnvelopes
// off each one, verifies them, and demultiplexes the payload by
// message type into the gossip and command inboxes the rest of the
// module consumes.
type Server struct {
	logger    *zap.Logger
	lookupPub PublicKeyLookup

	gossipIn chan trust.TrustVector
	cmdIn    chan gateway.Command

	listener net.Listener
}

// NewServer builds a Server with bounded inboxes; a full inbox drops
// the newest message rather than blocking the accept loop.
func NewServer(logger *zap.Logger, lookupPub PublicKeyLookup) *Server {
	return &Server{
		logger:    logger,
		lookupPub: lookupPub,
		gossipIn:  make(chan trust.TrustVector, 256),
		cmdIn:     make(chan gateway.Command, 256),
	}
}

// Addr returns the listener's bound address. Valid only after Listen
// returns successfully.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// GossipInbox feeds a GossipTransport built over the same Server.
func (s *Server) GossipInbox() <-chan trust.TrustVector { return s.gossipIn }

// CommandInbox feeds a CommandLink's receiving side; the gateway's own
// Dispatch is invoked by whatever wires this inbox to gateway.Dispatch.
func (s *Server) CommandInbox() <-chan gateway.Command { return s.cmdIn }

// Listen starts accepting connections on addr in a background
// goroutine and returns once the listener is bound. It stops when ctx
// is cancelled.
func (s *Server) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("p2p accept failed", zap.Error(err))
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := envelope.ReadEnvelope(r)
		if err != nil {
			return
		}
		s.dispatch(env)
	}
}

func (s *Server) dispatch(env *envelope.SignedEnvelope) {
	pub, ok := s.lookupPub(env.SenderNodeID)
	if !ok || !env.Verify(pub) {
		s.logger.Warn("dropped envelope from unenrolled sender or with invalid signature", zap.String("sender", env.SenderNodeID.Hex()))
		return
	}

	switch env.MessageType {
	case envelope.MessageGossipTrust:
		var vec trust.TrustVector
		if err := json.Unmarshal(env.Payload, &vec); err != nil {
			s.logger.Warn("dropped malformed gossip payload", zap.Error(err))
			return
		}
		select {
		case s.gossipIn <- vec:
		default:
			s.logger.Error("gossip inbox full, dropping vector", zap.String("sender", env.SenderNodeID.Hex()))
		}
	case envelope.MessageCommand:
		var cmd gateway.Command
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			s.logger.Warn("dropped malformed command payload", zap.Error(err))
			return
		}
		select {
		case s.cmdIn <- cmd:
		default:
			s.logger.Error("command inbox full, dropping command", zap.String("sender", env.SenderNodeID.Hex()))
		}
	default:
		s.logger.Warn("dropped envelope of unsupported message type", zap.Uint8("message_type", uint8(env.MessageType)))
	}
}
