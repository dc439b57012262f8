package consensus

import (
	"fmt"

	"github.com/klingnet-core/klingnet/pkg/block"
)

// Validator validates blocks against consensus rules.
type Validator struct {
	engine Engine
}

// NewValidator creates a block validator with the given consensus engine.
func NewValidator(engine Engine) *Validator {
	return &Validator{engine: engine}
}

// ValidateBlock checks a block against both structural and consensus rules.
// height is the height the block claims to extend the chain to.
func (v *Validator) ValidateBlock(blk *block.Block, height uint64) error {
	// Structural validation.
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("block structure: %w", err)
	}

	// Consensus-specific header verification (PoW target, oracle epoch).
	if err := v.engine.VerifyHeader(blk.Header, height); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}

	return nil
}
