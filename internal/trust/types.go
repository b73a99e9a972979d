// Package trust implements the trust mesh: per-observer scoring of
// every subject node, gossip-based dissemination of those scores, and
// isolation of nodes whose classification falls into Quarantined.
package trust

import (
	"sync"
	"time"

	"github.com/aethercore/aethercore/internal/chain"
	"github.com/aethercore/aethercore/internal/common"
)

// TrustScore is this observer's local view of one subject. New
// subjects default to Unknown/0.0 — zero-trust bootstrap.
type TrustScore struct {
	Score          float64
	VerifiedEvents uint64
	FailedEvents   uint64
	ChainBreaks    uint64
	LastUpdate     time.Time
	LastBreakAt    time.Time
	QuarantinedAt  time.Time
	Classification common.Classification
}

// EffectiveClassification applies the quarantine-exit hysteresis on top
// of the raw score threshold: a subject that has ever been quarantined
// stays Quarantined until both its score has recovered above the
// quarantine threshold and cooldown has elapsed since its last break.
func (ts TrustScore) EffectiveClassification(cfg ScoringConfig, now time.Time) common.Classification {
	if ts.LastUpdate.IsZero() && ts.VerifiedEvents == 0 && ts.FailedEvents == 0 {
		// Never observed locally: zero-trust bootstrap, not a quarantine.
		return common.ClassificationUnknown
	}
	raw := common.Classify(ts.Score, cfg.QuarantineThreshold, cfg.HealthyThreshold)
	if raw != common.ClassificationQuarantined && !ts.QuarantinedAt.IsZero() {
		if now.Sub(ts.LastBreakAt) < cfg.Cooldown {
			return common.ClassificationQuarantined
		}
	}
	return raw
}

// ScoringConfig is the subset of internal/config.Config the scorer
// needs, named independently so the package does not import config
// directly and stays testable with literal values.
type ScoringConfig struct {
	Alpha               float64
	BetaSignatureFail   float64
	BetaChainBreak      float64
	BetaEquivocation    float64
	Gamma               float64
	QuarantineThreshold float64
	SuspectThreshold    float64
	HealthyThreshold    float64
	Cooldown            time.Duration
	StaleWindow         time.Duration
	BaselineEnrolled    float64
	BaselineUnknown     float64
}

// ScoreMap is a striped, xxhash-sharded map from subject NodeId to
// TrustScore, sharded the same way the identity registry's nonce
// tracker is sharded.
type ScoreMap struct {
	stripes [scoreStripes]scoreStripe
}

const scoreStripes = 32

type scoreStripe struct {
	mu     sync.Mutex
	scores map[common.NodeId]TrustScore
}

func NewScoreMap() *ScoreMap {
	m := &ScoreMap{}
	for i := range m.stripes {
		m.stripes[i].scores = make(map[common.NodeId]TrustScore)
	}
	return m
}

func (m *ScoreMap) stripe(subject common.NodeId) *scoreStripe {
	return &m.stripes[common.StripeHash(subject)%scoreStripes]
}

// Get returns the current score for subject, or the zero-trust
// bootstrap value if the subject has never been observed.
func (m *ScoreMap) Get(subject common.NodeId) TrustScore {
	s := m.stripe(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.scores[subject]
	if !ok {
		return TrustScore{Score: 0.0, Classification: common.ClassificationUnknown}
	}
	return ts
}

// Apply runs fn against the current score for subject under the
// stripe lock and stores the result, so read-modify-write is atomic
// per subject without holding the whole map.
func (m *ScoreMap) Apply(subject common.NodeId, fn func(TrustScore) TrustScore) TrustScore {
	s := m.stripe(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.scores[subject]
	if !ok {
		ts = TrustScore{Score: 0.0, Classification: common.ClassificationUnknown}
	}
	updated := fn(ts)
	s.scores[subject] = updated
	return updated
}

// Snapshot copies every (subject, score) pair currently known, for
// building a gossip vector.
func (m *ScoreMap) Snapshot() map[common.NodeId]TrustScore {
	out := make(map[common.NodeId]TrustScore)
	for i := range m.stripes {
		s := &m.stripes[i]
		s.mu.Lock()
		for k, v := range s.scores {
			out[k] = v
		}
		s.mu.Unlock()
	}
	return out
}

// QuarantineEvent is published whenever a subject's effective
// classification crosses into or out of Quarantined. The integrity
// chain consumes it to refuse further events from the subject; the
// gateway does not consume it and checks Mesh.IsQuarantined per command.
type QuarantineEvent struct {
	Subject     common.NodeId
	Quarantined bool
	At          time.Time
}

// severityFor maps a chain observation kind to the score penalty it
// inflicts, per the severity-weighted beta table.
func severityFor(kind chain.ObservationKind, cfg ScoringConfig) (float64, bool) {
	switch kind {
	case chain.ObservationInvalidSig:
		return cfg.BetaSignatureFail, true
	case chain.ObservationChainBreak:
		return cfg.BetaChainBreak, true
	case chain.ObservationEquivocation:
		return cfg.BetaEquivocation, true
	default:
		return 0, false
	}
}
