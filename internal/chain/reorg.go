package chain

import (
	"fmt"
	"math/big"

	"github.com/klingnet-core/klingnet/internal/consensus"
	"github.com/klingnet-core/klingnet/pkg/block"
	"github.com/klingnet-core/klingnet/pkg/tx"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// ErrForkDetected indicates a valid block whose parent is known but is not the
// current tip. The caller should decide whether to reorg.
var ErrForkDetected = fmt.Errorf("fork detected")

// ErrReorgTooDeep is returned when a reorg exceeds MaxReorgDepth.
var ErrReorgTooDeep = fmt.Errorf("reorg too deep")

// ErrGenesisReorg is returned when a reorg would replace the genesis block.
var ErrGenesisReorg = fmt.Errorf("reorg would replace genesis block")

// MaxReorgDepth is the maximum number of blocks Reorg collects from the new
// branch back to the common ancestor. The number of active-chain blocks
// reverted is not bounded separately.
const MaxReorgDepth = 1000

// Reorg switches the chain from the current tip to the branch ending at
// newTipHash. It compares cumulative work, reverts the current branch back
// to the common ancestor, and replays the new branch with full validation.
// The reorg proceeds only if the new branch carries strictly more cumulative
// work — under PoW a retarget can make a shorter-looking branch heavier, so
// height alone is not a sufficient comparison.
func (c *Chain) Reorg(newTipHash types.Hash) error {
	newBranch, err := c.collectBranch(newTipHash)
	if err != nil {
		return fmt.Errorf("collect new branch: %w", err)
	}
	if len(newBranch) == 0 {
		return fmt.Errorf("empty new branch")
	}

	forkHeight, err := c.blocks.GetBlockHeight(newBranch[0].Header.PrevHash)
	if err != nil {
		return fmt.Errorf("resolve fork height: %w", err)
	}
	oldHeight := c.state.Height

	newBranchWork := big.NewInt(0)
	for _, blk := range newBranch {
		newBranchWork.Add(newBranchWork, consensus.Work(blk.Header.Bits))
	}
	oldBranchWork := big.NewInt(0)
	for h := forkHeight + 1; h <= oldHeight; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block for work comparison at height %d: %w", h, err)
		}
		oldBranchWork.Add(oldBranchWork, consensus.Work(blk.Header.Bits))
	}
	if newBranchWork.Cmp(oldBranchWork) <= 0 {
		return nil // New branch doesn't carry more work — keep current chain.
	}

	if err := c.blocks.PutReorgCheckpoint(forkHeight); err != nil {
		return fmt.Errorf("write reorg checkpoint: %w", err)
	}

	var revertedTxs []*tx.Transaction

	for h := oldHeight; h > forkHeight; h-- {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block at height %d: %w", h, err)
		}
		bHash := blk.Hash()

		if err := c.utxos.RevertBlock(bHash); err != nil {
			// Undo record missing or corrupt — fall back to a full rebuild,
			// which is always correct regardless of how far the partial
			// revert above got.
			return c.rebuildReorg(newBranch, forkHeight)
		}

		// computeBlockReward reads this block's spent inputs from the UTXO
		// set — valid only now, right after RevertBlock restored them.
		reward := c.computeBlockReward(blk, h)
		if reward > c.state.Supply {
			return fmt.Errorf("supply underflow at height %d: reward %d > supply %d", h, reward, c.state.Supply)
		}
		c.state.Supply -= reward
		c.state.CumulativeWork.Sub(c.state.CumulativeWork, consensus.Work(blk.Header.Bits))

		for _, t := range blk.Transactions {
			if err := c.blocks.DeleteTxIndex(t.Hash()); err != nil {
				return fmt.Errorf("delete tx index for block %s: %w", bHash, err)
			}
		}
		if c.revertedTxHandler != nil && len(blk.Transactions) > 1 {
			revertedTxs = append(revertedTxs, blk.Transactions[1:]...)
		}
	}

	for i, blk := range newBranch {
		height := forkHeight + 1 + uint64(i)

		if err := c.validator.ValidateBlock(blk, height); err != nil {
			return fmt.Errorf("validate replay block at height %d: %w", height, err)
		}
		if err := c.verifyDifficulty(blk, height); err != nil {
			return fmt.Errorf("difficulty check replay block at height %d: %w", height, err)
		}
		if err := c.validateBlockState(blk, height); err != nil {
			return fmt.Errorf("state validation replay block at height %d: %w", height, err)
		}

		reward := c.computeBlockReward(blk, height)

		if err := c.applyBlock(blk, height); err != nil {
			return fmt.Errorf("apply new block at height %d: %w", height, err)
		}

		if c.maxSupply > 0 && c.state.Supply+reward > c.maxSupply {
			reward = c.maxSupply - c.state.Supply
		}
		newSupply := c.state.Supply + reward
		newWork := new(big.Int).Add(c.state.CumulativeWork, consensus.Work(blk.Header.Bits))

		if err := c.blocks.CommitBlock(blk, height, newSupply, newWork); err != nil {
			return fmt.Errorf("commit replay block at height %d: %w", height, err)
		}

		c.state.Supply = newSupply
		c.state.CumulativeWork = newWork
	}

	tip := newBranch[len(newBranch)-1]
	c.state.TipHash = tip.Hash()
	c.state.Height = forkHeight + uint64(len(newBranch))
	c.state.TipTimestamp = tip.Header.Timestamp

	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	if c.revertedTxHandler != nil && len(revertedTxs) > 0 {
		newBranchTxs := make(map[types.Hash]bool)
		for _, blk := range newBranch {
			for _, t := range blk.Transactions {
				newBranchTxs[t.Hash()] = true
			}
		}
		var toReturn []*tx.Transaction
		for _, t := range revertedTxs {
			if !newBranchTxs[t.Hash()] {
				toReturn = append(toReturn, t)
			}
		}
		if len(toReturn) > 0 {
			c.revertedTxHandler(toReturn)
		}
	}

	return nil
}

// collectBranch collects blocks from tipHash back to the fork point (the
// common ancestor with the current main chain), returned in ascending height
// order (fork+1 ... tip).
func (c *Chain) collectBranch(tipHash types.Hash) ([]*block.Block, error) {
	var branch []*block.Block
	hash := tipHash

	for {
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", hash, err)
		}
		height, err := c.blocks.GetBlockHeight(hash)
		if err != nil {
			return nil, fmt.Errorf("resolve height for block %s: %w", hash, err)
		}
		branch = append(branch, blk)

		if len(branch) > MaxReorgDepth {
			return nil, fmt.Errorf("%w: branch exceeds %d blocks", ErrReorgTooDeep, MaxReorgDepth)
		}

		if height == 0 {
			if !c.genesisHash.IsZero() && blk.Hash() != c.genesisHash {
				return nil, ErrGenesisReorg
			}
			break
		}
		if mainBlock, err := c.blocks.GetBlockByHeight(height - 1); err == nil && mainBlock.Hash() == blk.Header.PrevHash {
			break // Common ancestor found.
		}
		hash = blk.Header.PrevHash
	}

	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}

	return branch, nil
}

// rebuildReorg handles a reorg when undo data is missing or corrupt for an
// old-branch block. It indexes the new branch by height and defers to
// RebuildUTXOs, which clears the entire UTXO set and replays every block from
// genesis through the new tip. Slower than undo-based reorg but always
// correct, since it never depends on partial revert state.
func (c *Chain) rebuildReorg(newBranch []*block.Block, forkHeight uint64) error {
	for i, blk := range newBranch {
		height := forkHeight + 1 + uint64(i)
		if err := c.blocks.PutBlock(blk, height); err != nil {
			return fmt.Errorf("rebuild reorg: index block at height %d: %w", height, err)
		}
	}

	newTip := newBranch[len(newBranch)-1]
	c.state.TipHash = newTip.Hash()
	c.state.Height = forkHeight + uint64(len(newBranch))
	c.state.TipTimestamp = newTip.Header.Timestamp

	if err := c.RebuildUTXOs(); err != nil {
		return fmt.Errorf("rebuild reorg: %w", err)
	}
	return nil
}
