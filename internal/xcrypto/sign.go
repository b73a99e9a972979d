package xcrypto

import "crypto/ed25519"

// Verify checks an Ed25519 signature over msg. Total, pure, and never
// touches the custody boundary.
//
// It wraps the standard library's crypto/ed25519 rather than a
// third-party package; see DESIGN.md for why crypto/ed25519 stays.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Signature is a detached 64-byte Ed25519 signature.
type Signature [ed25519.SignatureSize]byte
