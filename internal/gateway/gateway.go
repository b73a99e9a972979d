package gateway

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/chain"
	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/identity"
	"github.com/aethercore/aethercore/internal/store"
	"github.com/aethercore/aethercore/internal/trust"
)

// Link is the gateway's per-target outbound transport, narrowed to the
// one capability dispatch needs.
type Link interface {
	Send(ctx context.Context, target common.NodeId, cmd Command) error
}

// Gateway is the single point of entry for commands: every dispatch
// crosses the identity registry and the trust mesh before a command
// reaches its target's link.
type Gateway struct {
	registry *identity.Registry
	mesh     *trust.Mesh
	policy   PolicyTable
	link     Link
	buffer   *OfflineBuffer
	audit    *auditLedger
	logger   *zap.Logger

	selfNode common.NodeId

	mu    sync.Mutex
	links map[common.NodeId]LinkState
}

func New(registry *identity.Registry, mesh *trust.Mesh, policy PolicyTable, link Link, buffer *OfflineBuffer, vine *chain.Vine, auditStore *store.Store, selfNode common.NodeId, sign func([]byte) []byte, logger *zap.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		mesh:     mesh,
		policy:   policy,
		link:     link,
		buffer:   buffer,
		audit:    newAuditLedger(vine, auditStore, selfNode, sign),
		logger:   logger,
		selfNode: selfNode,
		links:    make(map[common.NodeId]LinkState),
	}
}

func (g *Gateway) linkState(target common.NodeId) LinkState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.links[target]; ok {
		return st
	}
	return LinkOnline
}

func (g *Gateway) setLinkState(target common.NodeId, state LinkState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.links[target] = state
}

// MarkLinkLost transitions target's link to OfflineAutonomous, sealing
// the current outgoing chain head as the resync checkpoint.
func (g *Gateway) MarkLinkLost(target common.NodeId, currentHeadHash common.Digest32) error {
	if err := g.buffer.SealCheckpoint(target, currentHeadHash); err != nil {
		return err
	}
	g.setLinkState(target, LinkOfflineAutonomous)
	g.logger.Warn("link lost, entering offline autonomous mode", zap.String("target", target.Hex()))
	return nil
}

// MarkLinkRestored transitions an OfflineAutonomous link to
// ReconnectPending. The buffer is not drained until AuthorizeSync.
func (g *Gateway) MarkLinkRestored(target common.NodeId) {
	g.setLinkState(target, LinkReconnectPending)
	g.logger.Info("link restored, awaiting authorized resync", zap.String("target", target.Hex()))
}

// AuthorizeSync is the Guardian Gate: the admin-signed transition from
// ReconnectPending to Resyncing. Without a valid call here the buffer
// stays sealed indefinitely, which prevents a stale offline batch from
// replaying silently into a reconnected peer.
func (g *Gateway) AuthorizeSync(ctx context.Context, target common.NodeId, resumeCheckpointHash common.Digest32, adminID common.NodeId, adminSig []byte, adminKey ed25519.PublicKey) error {
	if g.linkState(target) != LinkReconnectPending {
		return common.NewError(common.KindUnauthorized, "AuthorizeSync called outside ReconnectPending")
	}

	tuple := authorizeSyncTuple(g.selfNode, target, resumeCheckpointHash)
	if !ed25519.Verify(adminKey, tuple, adminSig) {
		return common.NewError(common.KindInvalidSignature, "AuthorizeSync signature does not cover (gateway_id || target_node_id || resume_checkpoint_hash)")
	}

	g.setLinkState(target, LinkResyncing)
	return nil
}

func authorizeSyncTuple(gatewayID, target common.NodeId, checkpoint common.Digest32) []byte {
	out := make([]byte, 0, 96)
	out = append(out, gatewayID[:]...)
	out = append(out, target[:]...)
	out = append(out, checkpoint[:]...)
	return out
}

// ResumeLink verifies the reconnected link's first envelope chains to
// the sealed checkpoint, then drains the buffer in FIFO order,
// re-verifying every command against current trust state. A mismatch
// halts the drain and returns a CheckpointMismatch error; the buffered
// commands stay in the buffer and are not tagged individually.
func (g *Gateway) ResumeLink(ctx context.Context, target common.NodeId, firstEnvelopeAncestor common.Digest32) error {
	if g.linkState(target) != LinkResyncing {
		return common.NewError(common.KindUnauthorized, "ResumeLink called outside Resyncing")
	}

	checkpoint, found, err := g.buffer.Checkpoint(target)
	if err != nil {
		return err
	}
	if !found || firstEnvelopeAncestor != checkpoint {
		g.logger.Error("resync checkpoint mismatch, halting drain",
			zap.String("target", target.Hex()))
		return common.NewError(common.KindCheckpointMismatch, "reconnected link's first envelope does not chain to the sealed checkpoint")
	}

	for _, cmd := range g.buffer.Drain(target) {
		if _, err := g.dispatch(ctx, cmd, true); err != nil {
			g.logger.Warn("buffered command failed re-verification during resync",
				zap.String("target", target.Hex()), zap.Error(err))
		}
	}

	g.setLinkState(target, LinkOnline)
	g.logger.Info("resync complete, link online", zap.String("target", target.Hex()))
	return nil
}

// Dispatch runs the twin-fires admission algorithm for an incoming
// command and forwards it to the target's link, or buffers it if the
// link is not Online.
func (g *Gateway) Dispatch(ctx context.Context, cmd Command) (DispatchOutcome, error) {
	return g.dispatch(ctx, cmd, false)
}

func (g *Gateway) dispatch(ctx context.Context, cmd Command, resyncDrain bool) (DispatchOutcome, error) {
	outcome, err := g.admit(ctx, cmd)
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	trustScore := g.mesh.Score(cmd.TargetNodeID).Score

	_ = g.audit.Append(ctx, AuditEntry{
		Command:       cmd,
		Outcome:       outcome,
		Reason:        reason,
		TrustSnapshot: trustScore,
		At:            time.Now().UTC(),
	})

	return outcome, err
}

func (g *Gateway) admit(ctx context.Context, cmd Command) (DispatchOutcome, error) {
	if cmd.OperatorID.IsZero() || len(cmd.Signature) == 0 {
		return OutcomeRejected, common.NewError(common.KindUnauthorized, "missing operator_id or signature")
	}

	verifyOutcome, err := g.registry.VerifySignature(ctx, cmd.OperatorID, cmd.Canonical(), cmd.Signature, cmd.IssuedAt, cmd.Nonce)
	if err != nil {
		return OutcomeRejected, err
	}
	if verifyOutcome != identity.Valid {
		return OutcomeRejected, fmt.Errorf("gateway: operator signature verification failed: %s", verifyOutcome)
	}

	if g.mesh.IsQuarantined(cmd.TargetNodeID) {
		score := g.mesh.Score(cmd.TargetNodeID)
		return OutcomeRejected, common.NewError(common.KindQuarantined,
			fmt.Sprintf("target is quarantined: score=%.3f", score.Score))
	}
	classification := g.mesh.Score(cmd.TargetNodeID).Classification
	if classification == common.ClassificationUnknown {
		return OutcomeRejected, common.NewError(common.KindQuarantined, "target has no established trust record (zero-trust default)")
	}

	if !g.policy.IsAuthorized(cmd.OperatorID, cmd.CommandType) {
		return OutcomeRejected, common.NewError(common.KindUnauthorized,
			fmt.Sprintf("operator is not authorized for command type %q", cmd.CommandType))
	}

	state := g.linkState(cmd.TargetNodeID)
	if state == LinkOnline {
		if err := g.link.Send(ctx, cmd.TargetNodeID, cmd); err != nil {
			return OutcomeRejected, err
		}
		return OutcomeDispatched, nil
	}

	g.buffer.Enqueue(cmd.TargetNodeID, cmd)
	return OutcomeBuffered, nil
}

// AuditHistory exposes the audit ledger for the read-only surface.
func (g *Gateway) AuditHistory() ([]AuditEntry, error) {
	return g.audit.History()
}
