// Package chain implements the blockchain state machine: tip tracking, block
// application/reversion against the UTXO set, and longest-accumulated-work
// reorganization.
package chain

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/klingnet-core/klingnet/config"
	"github.com/klingnet-core/klingnet/internal/consensus"
	"github.com/klingnet-core/klingnet/internal/storage"
	"github.com/klingnet-core/klingnet/internal/utxo"
	"github.com/klingnet-core/klingnet/pkg/block"
	"github.com/klingnet-core/klingnet/pkg/tx"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// RevertedTxHandler is called after a reorg with non-coinbase transactions
// from reverted blocks that are not present in the new branch, so the
// mempool can re-admit whichever of them are still valid.
type RevertedTxHandler func(txs []*tx.Transaction)

// Chain represents a blockchain instance with state, storage, and consensus.
type Chain struct {
	mu        sync.Mutex // Protects all state mutations (ProcessBlock, Reorg).
	ID        types.ChainID
	state     *State
	blocks    *BlockStore
	utxos     *utxo.Store
	engine    consensus.Engine
	validator *consensus.Validator

	maxSupply       uint64 // Hard emission cap (0 = unlimited).
	initialReward   uint64 // Coinbase reward at height 0, before halving.
	halvingInterval uint64 // Blocks between reward halvings (0 = no halving).
	genesisHash     types.Hash

	revertedTxHandler RevertedTxHandler
}

// New creates a new chain with the given components.
func New(id types.ChainID, db storage.DB, utxoStore *utxo.Store, engine consensus.Engine) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if utxoStore == nil {
		return nil, fmt.Errorf("utxo store is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}

	blocks := NewBlockStore(db)

	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}
	cumWork := blocks.GetCumulativeWork()

	var genesisHash types.Hash
	if genBlk, err := blocks.GetBlockByHeight(0); err == nil {
		genesisHash = genBlk.Hash()
	}

	ch := &Chain{
		ID:          id,
		state:       &State{TipHash: tipHash, Height: height, Supply: supply, CumulativeWork: cumWork},
		blocks:      blocks,
		utxos:       utxoStore,
		engine:      engine,
		validator:   consensus.NewValidator(engine),
		genesisHash: genesisHash,
	}

	// If the node crashed mid-reorg, the UTXO set may be inconsistent with
	// the block store. Rebuild it from scratch by replaying every block.
	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := ch.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return ch, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis bypasses consensus validation — there is no prior chain to
	// check the header's PoW target or link against.
	if err := c.applyBlock(blk, 0); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if err := c.blocks.PutBlock(blk, 0); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	var supply uint64
	for _, v := range gen.Alloc {
		supply += v
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.TipTimestamp = blk.Header.Timestamp
	c.genesisHash = hash

	c.SetConsensusRules(gen.Protocol.Consensus)

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}
	return nil
}

// SetConsensusRules configures consensus economic limits for runtime
// validation. Call this on startup for both fresh and resumed chains.
func (c *Chain) SetConsensusRules(r config.ConsensusRules) {
	c.maxSupply = r.MaxSupply
	c.initialReward = r.InitialReward
	c.halvingInterval = r.HalvingInterval
}

// blockRewardAt returns the coinbase subsidy for a block at the given
// height, before any max-supply clamp.
func (c *Chain) blockRewardAt(height uint64) uint64 {
	return config.RewardAt(height, c.initialReward, c.halvingInterval)
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	s := *c.state
	if s.CumulativeWork == nil {
		s.CumulativeWork = big.NewInt(0)
	} else {
		s.CumulativeWork = new(big.Int).Set(s.CumulativeWork)
	}
	return s
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	return c.state.TipHash
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	return c.state.Supply
}

// TipTimestamp returns the timestamp of the current chain tip.
func (c *Chain) TipTimestamp() uint64 {
	return c.state.TipTimestamp
}

// Engine returns the chain's consensus engine.
func (c *Chain) Engine() consensus.Engine {
	return c.engine
}

// DifficultyInputs returns the values a block producer needs to prepare the
// next block's difficulty bits: the tip's bits, the genesis bits, and a
// callback resolving a given height's block timestamp.
func (c *Chain) DifficultyInputs() (prevBits, genesisBits uint32, getTimestamp func(uint64) (uint64, error), err error) {
	tipBlk, err := c.blocks.GetBlockByHeight(c.state.Height)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("get tip block: %w", err)
	}
	genesisBlk, err := c.blocks.GetBlockByHeight(0)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("get genesis block: %w", err)
	}
	return tipBlk.Header.Bits, genesisBlk.Header.Bits, c.getBlockTimestamp, nil
}

// UTXOs exposes the underlying UTXO store for balance/rich-list queries and
// mempool/miner input resolution.
func (c *Chain) UTXOs() *utxo.Store {
	return c.utxos
}

// UTXOCommitment computes a merkle commitment over the entire current UTXO
// set, for cross-node consistency checks or periodic diagnostics — it costs
// a full scan of the set, so callers should not invoke it per block.
func (c *Chain) UTXOCommitment() (types.Hash, error) {
	return utxo.Commitment(c.utxos)
}

// SetRevertedTxHandler sets the callback for transactions reverted during a
// reorg. These transactions should be re-added to the mempool if still valid.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.revertedTxHandler = fn
}

// getBlockTimestamp returns the timestamp of a block at the given height.
// Used for PoW difficulty verification.
func (c *Chain) getBlockTimestamp(height uint64) (uint64, error) {
	blk, err := c.blocks.GetBlockByHeight(height)
	if err != nil {
		return 0, err
	}
	return blk.Header.Timestamp, nil
}

// verifyDifficulty checks that a PoW block's stated bits match the value
// expected from chain history. height is the height blk claims to be at.
func (c *Chain) verifyDifficulty(blk *block.Block, height uint64) error {
	if _, ok := c.engine.(*consensus.PoW); !ok {
		return nil // Not PoW — no retargeting to verify.
	}
	if height == 0 {
		return nil // Genesis bits are fixed by the genesis config, not retargeted.
	}

	prevBlk, err := c.blocks.GetBlockByHeight(height - 1)
	if err != nil {
		return fmt.Errorf("get prev block for difficulty: %w", err)
	}
	genesisBlk, err := c.blocks.GetBlockByHeight(0)
	if err != nil {
		return fmt.Errorf("get genesis block for difficulty: %w", err)
	}

	return consensus.VerifyDifficulty(blk.Header, height, prevBlk.Header.Bits, genesisBlk.Header.Bits, c.getBlockTimestamp)
}

// RebuildUTXOs clears the UTXO set and replays all blocks from genesis to the
// current tip, reconstructing the UTXO state. Used to recover from a crash
// during reorg where the UTXO set may be inconsistent.
func (c *Chain) RebuildUTXOs() error {
	if err := c.utxos.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	var supply uint64
	cumWork := big.NewInt(0)
	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}
		if err := c.applyBlock(blk, h); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}
		if h == 0 {
			if v, err := blk.Transactions[0].TotalOutputValue(); err == nil {
				supply += v // Genesis supply is the allocation total, not a mined reward.
			}
		} else {
			supply += c.computeBlockReward(blk, h)
		}
		cumWork.Add(cumWork, consensus.Work(blk.Header.Bits))
	}

	c.state.Supply = supply
	c.state.CumulativeWork = cumWork

	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.SetCumulativeWork(cumWork); err != nil {
		return fmt.Errorf("set cumulative work after rebuild: %w", err)
	}
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}
	return nil
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}
