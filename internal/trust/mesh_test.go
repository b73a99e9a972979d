package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/chain"
	"github.com/aethercore/aethercore/internal/common"
)

func testCfg() ScoringConfig {
	return ScoringConfig{
		Alpha:               0.02,
		BetaSignatureFail:   0.1,
		BetaChainBreak:      0.3,
		BetaEquivocation:    0.5,
		Gamma:               0.1,
		QuarantineThreshold: 0.6,
		SuspectThreshold:    0.6,
		HealthyThreshold:    0.9,
		Cooldown:            5 * time.Minute,
		StaleWindow:         10 * time.Minute,
		BaselineEnrolled:    0.5,
		BaselineUnknown:     0.0,
	}
}

func TestApplyOutcome_VerifiedIncreasesScoreTowardOne(t *testing.T) {
	cfg := testCfg()
	ts := TrustScore{Score: 0.5}
	now := time.Now().UTC()

	updated := applyOutcome(ts, chain.ObservationVerified, cfg, now)
	assert.InDelta(t, 0.5+0.02*0.5, updated.Score, 1e-9)
	assert.Equal(t, uint64(1), updated.VerifiedEvents)
}

func TestApplyOutcome_IsDeterministic(t *testing.T) {
	cfg := testCfg()
	ts := TrustScore{Score: 0.7, VerifiedEvents: 3}
	now := time.Now().UTC()

	a := applyOutcome(ts, chain.ObservationChainBreak, cfg, now)
	b := applyOutcome(ts, chain.ObservationChainBreak, cfg, now)
	assert.Equal(t, a, b)
}

func TestApplyOutcome_ThreeChainBreaksGuaranteeQuarantine(t *testing.T) {
	cfg := testCfg()
	ts := TrustScore{Score: 0.9}
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		ts = applyOutcome(ts, chain.ObservationChainBreak, cfg, now)
	}
	assert.Equal(t, common.ClassificationQuarantined, ts.EffectiveClassification(cfg, now))
}

func TestApplyOutcome_EquivocationIsInstantQuarantine(t *testing.T) {
	cfg := testCfg()
	ts := TrustScore{Score: 0.95}
	now := time.Now().UTC()

	updated := applyOutcome(ts, chain.ObservationEquivocation, cfg, now)
	assert.Equal(t, common.ClassificationQuarantined, updated.EffectiveClassification(cfg, now))
}

func TestMesh_EquivocationPublishesQuarantineEntry(t *testing.T) {
	cfg := testCfg()
	mesh := NewMesh(zap.NewNop(), cfg, 16)
	subject := common.NodeId{0x09}

	obsCh := make(chan chain.Observation, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mesh.RunObservationConsumer(ctx, obsCh)

	obsCh <- chain.Observation{NodeID: subject, Kind: chain.ObservationEquivocation, At: time.Now().UTC()}

	var evt QuarantineEvent
	select {
	case evt = <-mesh.QuarantineEvents():
	case <-time.After(time.Second):
		t.Fatal("expected a quarantine event")
	}
	require.True(t, evt.Quarantined)
	assert.True(t, mesh.IsQuarantined(subject))
}

func TestDecay_PullsStaleScoreTowardBaseline(t *testing.T) {
	cfg := testCfg()
	mesh := NewMesh(zap.NewNop(), cfg, 16)
	subject := common.NodeId{0x0A}

	past := time.Now().UTC().Add(-time.Hour)
	mesh.scores.Apply(subject, func(ts TrustScore) TrustScore {
		ts.Score = 1.0
		ts.LastUpdate = past
		return ts
	})

	mesh.Decay(time.Now().UTC(), func(common.NodeId) bool { return true })

	updated := mesh.Score(subject)
	assert.Less(t, updated.Score, 1.0)
	assert.Greater(t, updated.Score, cfg.BaselineEnrolled)
}
