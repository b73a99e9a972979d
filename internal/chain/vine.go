package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/store"
)

const (
	headKeyPrefix         = "chain/head/"
	equivocationKeyPrefix = "chain/equiv/"
)

// SignatureVerifier is the narrow slice of the identity registry the
// chain needs: confirming a node's signature is currently trustworthy.
// Declared here, not imported from the identity package, so the two
// packages depend on each other only through this interface.
type SignatureVerifier interface {
	VerifySignatureBytes(ctx context.Context, nodeID common.NodeId, payload, signature []byte) (bool, error)
}

// Vine is a Merkle Vine manager owning every stream it is asked to
// track. Contention is scoped per (stream_id, node_id): unrelated
// streams never block each other.
type Vine struct {
	store    *store.Store
	logger   *zap.Logger
	verifier SignatureVerifier

	retentionHorizon time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	observations chan Observation

	quarantineMu sync.RWMutex
	quarantined  map[common.NodeId]bool
}

// New builds a Vine. observationBuffer bounds the channel of published
// Observations. Append never blocks on that channel: when it is full,
// the observation is dropped and an error is logged.
func New(st *store.Store, logger *zap.Logger, verifier SignatureVerifier, retentionHorizon time.Duration, observationBuffer int) *Vine {
	return &Vine{
		store:            st,
		logger:           logger,
		verifier:         verifier,
		retentionHorizon: retentionHorizon,
		locks:            make(map[string]*sync.Mutex),
		observations:     make(chan Observation, observationBuffer),
		quarantined:      make(map[common.NodeId]bool),
	}
}

// Observations returns the channel the trust mesh must drain.
func (v *Vine) Observations() <-chan Observation { return v.observations }

// SetQuarantine records subject's current quarantine state as reported
// by the trust mesh. Append consults this on every call: a quarantined
// subject's events are refused until the mesh reports the subject's
// classification has risen back above Quarantined.
func (v *Vine) SetQuarantine(subject common.NodeId, quarantined bool) {
	v.quarantineMu.Lock()
	defer v.quarantineMu.Unlock()
	if quarantined {
		v.quarantined[subject] = true
	} else {
		delete(v.quarantined, subject)
	}
}

func (v *Vine) isQuarantined(subject common.NodeId) bool {
	v.quarantineMu.RLock()
	defer v.quarantineMu.RUnlock()
	return v.quarantined[subject]
}

func lockKey(streamID string, nodeID common.NodeId) string {
	return streamID + "\x00" + nodeID.Hex()
}

func (v *Vine) streamLock(streamID string, nodeID common.NodeId) *sync.Mutex {
	key := lockKey(streamID, nodeID)
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.locks[key]
	if !ok {
		m = &sync.Mutex{}
		v.locks[key] = m
	}
	return m
}

func headKey(streamID string, nodeID common.NodeId) []byte {
	return []byte(headKeyPrefix + streamID + "/" + nodeID.Hex())
}

func (v *Vine) loadHead(streamID string, nodeID common.NodeId) (StreamState, bool, error) {
	raw, found, err := v.store.Get(headKey(streamID, nodeID))
	if err != nil {
		return StreamState{}, false, fmt.Errorf("chain: loading head: %w", err)
	}
	if !found {
		return StreamState{}, false, nil
	}
	var st StreamState
	if err := json.Unmarshal(raw, &st); err != nil {
		return StreamState{}, false, fmt.Errorf("chain: unmarshalling head: %w", err)
	}
	return st, true, nil
}

func (v *Vine) saveHead(streamID string, nodeID common.NodeId, st StreamState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("chain: marshalling head: %w", err)
	}
	return v.store.Set(headKey(streamID, nodeID), raw)
}

// Append runs the admission algorithm for a single candidate event and
// returns the binding verification tag. The tag is never reclassified
// by any later call: a Spoofed event stays Spoofed.
func (v *Vine) Append(ctx context.Context, e Event) (common.VerificationStatus, error) {
	if v.isQuarantined(e.NodeID) {
		return common.StatusUnverified, common.NewError(common.KindQuarantined,
			fmt.Sprintf("node %s is quarantined, refusing further events until classification recovers", e.NodeID.Hex()))
	}

	lock := v.streamLock(e.StreamID, e.NodeID)
	lock.Lock()
	defer lock.Unlock()

	head, found, err := v.loadHead(e.StreamID, e.NodeID)
	if err != nil {
		return common.StatusUnverified, err
	}

	if found {
		if e.Sequence < head.HeadSequence {
			return common.StatusUnverified, common.NewError(common.KindOutOfOrder,
				fmt.Sprintf("sequence %d is behind head sequence %d", e.Sequence, head.HeadSequence))
		}
		if e.Sequence == head.HeadSequence {
			if e.Hash() == head.HeadHash {
				// Resubmission of the event already at the head; treat as
				// an idempotent duplicate.
				return common.StatusVerified, nil
			}
			return v.equivocate(e, head)
		}
	} else {
		if e.Sequence != 0 {
			return common.StatusUnverified, common.NewError(common.KindOutOfOrder,
				fmt.Sprintf("first event in stream must be sequence 0, got %d", e.Sequence))
		}
	}

	expectedAncestor := common.GenesisHash
	if found {
		expectedAncestor = head.HeadHash
	}
	if e.AncestorHash != expectedAncestor {
		return v.chainBreak(e, head, found)
	}

	valid, err := v.verifier.VerifySignatureBytes(ctx, e.NodeID, e.SignedBytes(), e.Signature)
	if err != nil {
		return common.StatusUnverified, err
	}
	if !valid {
		v.publish(e.StreamID, e.NodeID, ObservationInvalidSig)
		return common.StatusSpoofed, common.NewError(common.KindInvalidSignature, e.NodeID.Hex())
	}

	newHead := StreamState{
		HeadHash:       e.Hash(),
		HeadSequence:   e.Sequence,
		LastVerifiedAt: e.Timestamp,
		BreakCount:     head.BreakCount,
	}
	if err := v.saveHead(e.StreamID, e.NodeID, newHead); err != nil {
		return common.StatusUnverified, err
	}
	v.publish(e.StreamID, e.NodeID, ObservationVerified)
	return common.StatusVerified, nil
}

func (v *Vine) chainBreak(e Event, head StreamState, headFound bool) (common.VerificationStatus, error) {
	head.BreakCount++
	if headFound {
		if err := v.saveHead(e.StreamID, e.NodeID, head); err != nil {
			return common.StatusUnverified, err
		}
	}
	v.publish(e.StreamID, e.NodeID, ObservationChainBreak)
	v.logger.Warn("chain break detected",
		zap.String("stream_id", e.StreamID),
		zap.String("node_id", e.NodeID.Hex()),
		zap.Uint64("sequence", e.Sequence))
	return common.StatusSpoofed, common.NewError(common.KindChainBreak,
		fmt.Sprintf("ancestor_hash does not match current head for stream %q", e.StreamID))
}

func (v *Vine) equivocate(e Event, head StreamState) (common.VerificationStatus, error) {
	entry := EquivocationEntry{
		StreamID:   e.StreamID,
		NodeID:     e.NodeID,
		Sequence:   e.Sequence,
		Event:      e,
		RecordedAt: e.Timestamp,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return common.StatusUnverified, fmt.Errorf("chain: marshalling equivocation entry: %w", err)
	}
	key := []byte(fmt.Sprintf("%s%s/%s/%d/%s", equivocationKeyPrefix, e.StreamID, e.NodeID.Hex(), e.Sequence, e.Hash().Hex()))
	if err := v.store.Set(key, raw); err != nil {
		return common.StatusUnverified, fmt.Errorf("chain: persisting equivocation entry: %w", err)
	}

	v.publish(e.StreamID, e.NodeID, ObservationEquivocation)
	v.logger.Warn("equivocation detected: two events at the same sequence",
		zap.String("stream_id", e.StreamID),
		zap.String("node_id", e.NodeID.Hex()),
		zap.Uint64("sequence", e.Sequence))
	return common.StatusSpoofed, common.NewError(common.KindEquivocation,
		fmt.Sprintf("node %s submitted a second event at sequence %d", e.NodeID.Hex(), e.Sequence))
}

func (v *Vine) publish(streamID string, nodeID common.NodeId, kind ObservationKind) {
	obs := Observation{StreamID: streamID, NodeID: nodeID, Kind: kind, At: time.Now().UTC()}
	select {
	case v.observations <- obs:
	default:
		v.logger.Error("observation channel full, dropping observation",
			zap.String("stream_id", streamID), zap.String("kind", string(kind)))
	}
}

// Head returns the current per-(stream, node) head, if any.
func (v *Vine) Head(streamID string, nodeID common.NodeId) (StreamState, bool, error) {
	return v.loadHead(streamID, nodeID)
}
