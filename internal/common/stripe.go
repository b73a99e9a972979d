package common

import "github.com/cespare/xxhash/v2"

// StripeHash returns a hash of NodeId suitable for sharding a striped
// map; used identically by the identity registry's nonce tracker and
// the trust mesh's score map.
func StripeHash(id NodeId) uint64 {
	return xxhash.Sum64(id[:])
}
