// Package xcrypto holds AetherCore's BLAKE3 hashing, Ed25519
// verification, and hardware key custody. Other packages still import
// crypto/ed25519 directly for key types and some signature checks.
package xcrypto

import (
	"lukechampine.com/blake3"

	"github.com/aethercore/aethercore/internal/common"
)

// Hash returns the BLAKE3-256 digest of data. Total, pure.
func Hash(data []byte) common.Digest32 {
	sum := blake3.Sum256(data)
	return common.Digest32(sum)
}

// NodeIdFromPublicKey computes NodeId = BLAKE3(public_key).
func NodeIdFromPublicKey(pub []byte) common.NodeId {
	return common.NodeId(Hash(pub))
}
