// Package p2p wires the canonical signed envelope and its framing onto
// a plain TCP transport, providing the two concrete types the gossip
// mesh and the command gateway each need: a gossip transport and a
// command link. The two cannot be the same concrete type because their
// Send signatures differ in payload type, so each gets its own dialer
// over a shared address book.
package p2p

import (
	"sync"

	"github.com/aethercore/aethercore/internal/common"
)

// PeerBook is the static node-id-to-dial-address map every transport
// in this package consults. It carries no discovery protocol of its
// own; addresses are seeded at startup from configuration.
type PeerBook struct {
	mu    sync.RWMutex
	addrs map[common.NodeId]string
}

// NewPeerBook builds a PeerBook from a fixed node-id -> "host:port" map.
func NewPeerBook(addrs map[common.NodeId]string) *PeerBook {
	cp := make(map[common.NodeId]string, len(addrs))
	for k, v := range addrs {
		cp[k] = v
	}
	return &PeerBook{addrs: cp}
}

// Peers lists every known node id, in no particular order.
func (b *PeerBook) Peers() []common.NodeId {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]common.NodeId, 0, len(b.addrs))
	for id := range b.addrs {
		out = append(out, id)
	}
	return out
}

// AddrOf resolves a node id to its dial address.
func (b *PeerBook) AddrOf(id common.NodeId) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.addrs[id]
	return addr, ok
}

// Set adds or updates one peer's dial address.
func (b *PeerBook) Set(id common.NodeId, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[id] = addr
}
