// Package consensus defines consensus engine interfaces.
package consensus

import "github.com/klingnet-core/klingnet/pkg/block"

// Engine is the interface for consensus implementations. height is the
// height the header claims to be at, needed to resolve the hash-oracle
// epoch and the expected difficulty.
type Engine interface {
	VerifyHeader(header *block.Header, height uint64) error
}
