package identity

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aethercore/aethercore/internal/common"
)

const nonceStripes = 32

// nonceTracker is a striped map of per-node nonce LRUs, shard selected
// by xxhash of the NodeId to reduce contention across unrelated nodes.
// Each per-node LRU caps at nonceCapPerNode, evicting the oldest-seen
// nonce on overflow.
type nonceTracker struct {
	stripes       [nonceStripes]nonceStripe
	capPerNode    int
	retention     time.Duration
}

type nonceStripe struct {
	mu    sync.Mutex
	nodes map[common.NodeId]*lru.Cache[string, time.Time]
}

func newNonceTracker(capPerNode int, retention time.Duration) *nonceTracker {
	t := &nonceTracker{capPerNode: capPerNode, retention: retention}
	for i := range t.stripes {
		t.stripes[i].nodes = make(map[common.NodeId]*lru.Cache[string, time.Time])
	}
	return t
}

func stripeIndex(nodeID common.NodeId) uint64 {
	return common.StripeHash(nodeID) % nonceStripes
}

// seen reports whether (nodeID, nonce) was already recorded within the
// retention window. It does not record the nonce: callers must call
// record separately once signature verification has fully succeeded, so
// that an invalid-signature attempt never poisons the replay window.
func (t *nonceTracker) seen(nodeID common.NodeId, nonce string, now time.Time) bool {
	s := &t.stripes[stripeIndex(nodeID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	cache, ok := s.nodes[nodeID]
	if !ok {
		return false
	}
	ts, ok := cache.Get(nonce)
	if !ok {
		return false
	}
	return now.Sub(ts) <= t.retention
}

func (t *nonceTracker) record(nodeID common.NodeId, nonce string, now time.Time) {
	s := &t.stripes[stripeIndex(nodeID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	cache, ok := s.nodes[nodeID]
	if !ok {
		// golang-lru's constructor error only triggers for size <= 0.
		cache, _ = lru.New[string, time.Time](t.capPerNode)
		s.nodes[nodeID] = cache
	}
	cache.Add(nonce, now)
}
