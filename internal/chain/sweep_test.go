package chain

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/store"
)

func signedEventAt(t *testing.T, priv ed25519.PrivateKey, nodeID common.NodeId, streamID string, seq uint64, ancestor common.Digest32, at time.Time) Event {
	t.Helper()
	e := Event{
		StreamID:     streamID,
		Sequence:     seq,
		Timestamp:    at,
		PayloadHash:  common.Digest32{byte(seq), byte(at.Unix())},
		AncestorHash: ancestor,
		NodeID:       nodeID,
	}
	e.Signature = ed25519.Sign(priv, e.SignedBytes())
	return e
}

func countEquivocationEntries(t *testing.T, v *Vine) int {
	t.Helper()
	n := 0
	err := v.store.IteratePrefix([]byte(equivocationKeyPrefix), func(key, value []byte) error {
		n++
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestSweepOnce_CollapsesOnlyEntriesOlderThanRetentionHorizon(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	nodeID := common.NodeId{0x09}

	st, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	v := New(st, zap.NewNop(), stubVerifier{pub: pub}, 24*time.Hour, 64)

	now := time.Now().UTC()
	e0 := signedEventAt(t, priv, nodeID, "telemetry", 0, common.GenesisHash, now.Add(-72*time.Hour))
	_, err = v.Append(context.Background(), e0)
	require.NoError(t, err)

	var staleAncestor common.Digest32
	staleAncestor[0] = 0xAA
	stale := signedEventAt(t, priv, nodeID, "telemetry", 0, staleAncestor, now.Add(-48*time.Hour))
	_, err = v.Append(context.Background(), stale)
	require.Error(t, err)

	var freshAncestor common.Digest32
	freshAncestor[0] = 0xBB
	fresh := signedEventAt(t, priv, nodeID, "telemetry", 0, freshAncestor, now.Add(-1*time.Hour))
	_, err = v.Append(context.Background(), fresh)
	require.Error(t, err)

	require.Equal(t, 2, countEquivocationEntries(t, v))

	require.NoError(t, v.sweepOnce())

	assert.Equal(t, 1, countEquivocationEntries(t, v))
}

func TestRunRetentionSweep_NeverCollapsesWhenHorizonIsZero(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	st, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	v := New(st, zap.NewNop(), stubVerifier{pub: pub}, 0, 64)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.RunRetentionSweep(ctx, time.Millisecond)
		close(done)
	}()

	// A zero retention horizon must make RunRetentionSweep return
	// immediately rather than start ticking.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunRetentionSweep did not return for a zero retention horizon")
	}
	cancel()
}
