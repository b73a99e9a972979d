package envelope

import (
	"crypto/ed25519"
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// TransportPeerID derives a libp2p-compatible transport identity from
// the same Ed25519 public key that produces a node's BLAKE3 NodeId,
// giving every node a routable transport address distinct from, but
// anchored to, its cryptographic identity.
func TransportPeerID(pub ed25519.PublicKey) (peer.ID, error) {
	lp2pPub, err := libp2pcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("envelope: unmarshalling ed25519 public key for transport identity: %w", err)
	}
	id, err := peer.IDFromPublicKey(lp2pPub)
	if err != nil {
		return "", fmt.Errorf("envelope: deriving peer id: %w", err)
	}
	return id, nil
}
