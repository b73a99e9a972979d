package trust

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/chain"
	"github.com/aethercore/aethercore/internal/common"
)

// Mesh owns this node's local view of every other node's trust score
// and drives gossip and quarantine effects off it.
type Mesh struct {
	scores *ScoreMap
	logger *zap.Logger
	cfg    ScoringConfig

	quarantine chan QuarantineEvent
}

func NewMesh(logger *zap.Logger, cfg ScoringConfig, quarantineBuffer int) *Mesh {
	return &Mesh{
		scores:     NewScoreMap(),
		logger:     logger,
		cfg:        cfg,
		quarantine: make(chan QuarantineEvent, quarantineBuffer),
	}
}

// QuarantineEvents returns the channel of classification transitions;
// the node drains it into the integrity chain's quarantine set.
func (m *Mesh) QuarantineEvents() <-chan QuarantineEvent { return m.quarantine }

// Score returns the mesh's current view of subject.
func (m *Mesh) Score(subject common.NodeId) TrustScore { return m.scores.Get(subject) }

// RunObservationConsumer drains the integrity chain's observation
// channel and applies each one to the corresponding subject's score,
// until obs is closed or ctx is cancelled.
func (m *Mesh) RunObservationConsumer(ctx context.Context, obs <-chan chain.Observation) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-obs:
			if !ok {
				return
			}
			m.ApplyObservation(o)
		}
	}
}

// ApplyObservation updates the subject's score for a single chain
// observation outside the ticker loop; RunObservationConsumer is a
// thin wrapper over repeated calls to this.
func (m *Mesh) ApplyObservation(o chain.Observation) {
	m.applyObservation(o)
}

func (m *Mesh) applyObservation(o chain.Observation) {
	now := time.Now().UTC()
	before := m.scores.Get(o.NodeID).EffectiveClassification(m.cfg, now)

	updated := m.scores.Apply(o.NodeID, func(ts TrustScore) TrustScore {
		next := applyOutcome(ts, o.Kind, m.cfg, o.At)
		next.Classification = next.EffectiveClassification(m.cfg, now)
		return next
	})

	after := updated.Classification
	if before != common.ClassificationQuarantined && after == common.ClassificationQuarantined {
		m.enterQuarantine(o.NodeID, now)
	} else if before == common.ClassificationQuarantined && after != common.ClassificationQuarantined {
		m.exitQuarantine(o.NodeID, now)
	}
}

// applyOutcome is the deterministic (prior_state, observation) -> new
// state function: identical inputs always produce an identical output.
func applyOutcome(ts TrustScore, kind chain.ObservationKind, cfg ScoringConfig, at time.Time) TrustScore {
	switch kind {
	case chain.ObservationVerified:
		ts.Score = ts.Score + cfg.Alpha*(1.0-ts.Score)
		if ts.Score > 1.0 {
			ts.Score = 1.0
		}
		ts.VerifiedEvents++
	case chain.ObservationChainBreak, chain.ObservationInvalidSig, chain.ObservationEquivocation:
		beta, _ := severityFor(kind, cfg)
		ts.Score = ts.Score - beta
		if ts.Score < 0.0 {
			ts.Score = 0.0
		}
		ts.FailedEvents++
		ts.LastBreakAt = at
		if kind == chain.ObservationChainBreak {
			ts.ChainBreaks++
		}
		if kind == chain.ObservationEquivocation {
			// Equivocation is an instant quarantine regardless of how
			// high the prior score was.
			if ts.Score >= cfg.QuarantineThreshold {
				ts.Score = cfg.QuarantineThreshold - 0.001
			}
		}
	}
	ts.LastUpdate = at
	return ts
}

// Decay applies the stale-peer baseline pull to every subject whose
// LastUpdate is older than cfg.StaleWindow. Intended to run on the same
// ticker cadence as gossip.
func (m *Mesh) Decay(now time.Time, enrolled func(common.NodeId) bool) {
	for subject, ts := range m.scores.Snapshot() {
		if now.Sub(ts.LastUpdate) < m.cfg.StaleWindow {
			continue
		}
		baseline := m.cfg.BaselineUnknown
		if enrolled(subject) {
			baseline = m.cfg.BaselineEnrolled
		}
		m.scores.Apply(subject, func(ts TrustScore) TrustScore {
			ts.Score = ts.Score + m.cfg.Alpha*(baseline-ts.Score)
			ts.LastUpdate = now
			return ts
		})
	}
}

func (m *Mesh) enterQuarantine(subject common.NodeId, now time.Time) {
	m.scores.Apply(subject, func(ts TrustScore) TrustScore {
		ts.QuarantinedAt = now
		ts.Classification = common.ClassificationQuarantined
		return ts
	})
	m.logger.Warn("subject entered quarantine", zap.String("subject", subject.Hex()))
	m.publishQuarantine(subject, true, now)
}

func (m *Mesh) exitQuarantine(subject common.NodeId, now time.Time) {
	m.scores.Apply(subject, func(ts TrustScore) TrustScore {
		ts.QuarantinedAt = time.Time{}
		return ts
	})
	m.logger.Info("subject exited quarantine", zap.String("subject", subject.Hex()))
	m.publishQuarantine(subject, false, now)
}

func (m *Mesh) publishQuarantine(subject common.NodeId, quarantined bool, now time.Time) {
	evt := QuarantineEvent{Subject: subject, Quarantined: quarantined, At: now}
	select {
	case m.quarantine <- evt:
	default:
		m.logger.Error("quarantine event channel full, dropping event", zap.String("subject", subject.Hex()))
	}
}

// IsQuarantined reports whether subject is currently quarantined,
// consulted by the gateway before dispatching a command. The integrity
// chain learns of quarantine through QuarantineEvents instead.
func (m *Mesh) IsQuarantined(subject common.NodeId) bool {
	return m.scores.Get(subject).EffectiveClassification(m.cfg, time.Now().UTC()) == common.ClassificationQuarantined
}
