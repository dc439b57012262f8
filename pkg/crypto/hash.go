// Package crypto provides cryptographic primitives for Klingnet.
package crypto

import (
	"crypto/sha256"

	"github.com/klingnet-core/klingnet/pkg/types"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // consensus-mandated, not a new design choice
)

// Hash256 computes h256(x) = SHA256(SHA256(x)), the consensus hash used for
// transaction ids, block hashes, and Merkle nodes.
func Hash256(data []byte) types.Hash {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Hash160 computes h160(x) = RIPEMD160(SHA256(x)), used for address derivation.
func Hash160(data []byte) [20]byte {
	sh := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(sh[:])
	var out [20]byte
	copy(out[:], r.Sum(nil))
	return out
}

// AddressFromPubKey derives an address from a compressed public key via h160.
func AddressFromPubKey(pubKey []byte) types.Address {
	return types.Address(Hash160(pubKey))
}

// HashConcat hashes the concatenation of two hashes with h256. Used for
// building Merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash256(buf[:])
}
