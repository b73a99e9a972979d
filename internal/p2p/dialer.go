package p2p

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/aethercore/aethercore/internal/common"
)

// dialer keeps one persistent outbound connection per peer, redialing
// lazily on the next send after a write failure rather than eagerly
// reconnecting in the background.
type dialer struct {
	book *PeerBook

	mu    sync.Mutex
	conns map[common.NodeId]net.Conn
}

func newDialer(book *PeerBook) *dialer {
	return &dialer{book: book, conns: make(map[common.NodeId]net.Conn)}
}

func (d *dialer) connFor(ctx context.Context, to common.NodeId) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.conns[to]; ok {
		return c, nil
	}
	addr, ok := d.book.AddrOf(to)
	if !ok {
		return nil, fmt.Errorf("p2p: no known address for peer %s", to.Hex())
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("p2p: dialing %s: %w", addr, err)
	}
	d.conns[to] = conn
	return conn, nil
}

// drop closes and forgets the cached connection to a peer, so the next
// send redials.
func (d *dialer) drop(to common.NodeId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[to]; ok {
		_ = c.Close()
		delete(d.conns, to)
	}
}

func (d *dialer) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, c := range d.conns {
		_ = c.Close()
		delete(d.conns, id)
	}
}
