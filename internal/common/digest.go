// Package common holds the types shared by every AetherCore component:
// node identity, verification tags, classification, and the error
// taxonomy from which all component-specific errors are built.
package common

import "encoding/hex"

// Digest32 is a 256-bit BLAKE3 digest. It is the only hash shape used
// anywhere in the core.
type Digest32 [32]byte

// NodeId is BLAKE3(public_key). Stable for the life of the key pair.
type NodeId Digest32

// GenesisHash is the fixed sentinel ancestor_hash of the first event in
// every stream.
var GenesisHash = Digest32{}

func (d Digest32) Hex() string {
	return hex.EncodeToString(d[:])
}

func (n NodeId) Hex() string {
	return hex.EncodeToString(n[:])
}

func (n NodeId) IsZero() bool {
	return n == NodeId{}
}

// DigestFromHex parses a lowercase-hex wire representation of a digest.
func DigestFromHex(s string) (Digest32, error) {
	var d Digest32
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != len(d) {
		return d, errInvalidDigestLength
	}
	copy(d[:], b)
	return d, nil
}
