// Package hashutil implements the two 32-bit hash functions and the
// combiner that underlie CARP routing. See internal/carp for the ring
// that consumes them.
//
// These are deliberately not cryptographic hashes: CARP only needs a
// fast, uniform, deterministic mapping from strings to the u32 space.
// All arithmetic wraps on overflow, matching the CARP draft's u32
// semantics. Cross-language interop (rings exchanged with any peer
// speaking the same protocol) depends on bit-identical output, so
// resist the urge to "clean up" the asymmetry between MembershipHash
// and URLHash below — it's load-bearing, not a bug.
package hashutil

import "math/bits"

// carpPrime is the multiplicative constant from the CARP v1 draft.
const carpPrime uint32 = 0x62531965

// MembershipHash computes the 32-bit membership hash of s, used to place
// a ring node's address on the CARP hash space.
//
//	h = 0
//	for each byte b of s: h = h + rotl(h,19) + b
//	h = h + h*carpPrime
//	return rotl(h,21)
func MembershipHash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h + bits.RotateLeft32(h, 19) + uint32(s[i])
	}
	h = h + h*carpPrime
	return bits.RotateLeft32(h, 21)
}

// URLHash computes the 32-bit hash of a lookup key. Unlike
// MembershipHash, it has no final prime mix and no trailing rotation —
// that asymmetry is intentional and part of the CARP scoring contract.
//
//	h = 0
//	for each byte b of s: h = h + rotl(h,19) + b
//	return h
func URLHash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h + bits.RotateLeft32(h, 19) + uint32(s[i])
	}
	return h
}

// Combine merges a node's membership hash with a lookup key's URL hash
// into the value CARP scores against load factor.
//
//	c = membership XOR url
//	c = c + c*carpPrime
//	return rotl(c,21)
func Combine(membership, url uint32) uint32 {
	c := membership ^ url
	c = c + c*carpPrime
	return bits.RotateLeft32(c, 21)
}
