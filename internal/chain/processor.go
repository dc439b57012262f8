package chain

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/klingnet-core/klingnet/config"
	"github.com/klingnet-core/klingnet/internal/consensus"
	"github.com/klingnet-core/klingnet/internal/utxo"
	"github.com/klingnet-core/klingnet/pkg/block"
	"github.com/klingnet-core/klingnet/pkg/tx"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown             = errors.New("block already known")
	ErrPrevNotFound           = errors.New("previous block not found")
	ErrBadPrevHash            = errors.New("prev_hash does not match current tip")
	ErrApplyUTXO              = errors.New("failed to apply UTXO changes")
	ErrTimestampTooFuture     = errors.New("block timestamp too far in the future")
	ErrTimestampBeforeParent  = errors.New("block timestamp before parent")
	ErrBadCoinbaseTx          = errors.New("invalid coinbase transaction")
	ErrCoinbaseRewardExceeded = errors.New("coinbase reward exceeds consensus limit")
)

// ProcessBlock validates a block and applies it to the chain. It checks
// structural validity, consensus rules, and UTXO state, then updates the
// UTXO set, block store, and chain tip. A block that forks from a known but
// non-tip ancestor is stored and considered for reorg rather than rejected
// outright, since under PoW a shorter-looking branch can still carry more
// cumulative work after a retarget.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()

	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return ErrBlockKnown
	}

	height, forked, err := c.resolveHeight(blk)
	if err != nil {
		return err
	}

	if !forked {
		if err := c.verifyDifficulty(blk, height); err != nil {
			return err
		}
	}

	if err := c.validator.ValidateBlock(blk, height); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	maxTime := uint64(time.Now().Add(time.Duration(config.FutureTimeLimit) * time.Second).Unix())
	if blk.Header.Timestamp > maxTime {
		return fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}
	if parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash); err == nil {
		if blk.Header.Timestamp < parentBlk.Header.Timestamp {
			return fmt.Errorf("%w: block timestamp %d < parent timestamp %d",
				ErrTimestampBeforeParent, blk.Header.Timestamp, parentBlk.Header.Timestamp)
		}
	}

	if forked {
		if err := c.blocks.StoreBlock(blk, height); err != nil {
			return fmt.Errorf("store fork block: %w", err)
		}
		// A retarget can make a shorter-looking branch heavier than the
		// active chain, so any known fork is a reorg candidate.
		if err := c.Reorg(hash); err != nil {
			return fmt.Errorf("reorg: %w", err)
		}
		return nil
	}

	// Fast path: block extends the current tip.

	if err := c.validateBlockState(blk, height); err != nil {
		return err
	}

	blockReward := c.computeBlockReward(blk, height)

	if err := c.applyBlock(blk, height); err != nil {
		return fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}

	if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
		blockReward = c.maxSupply - c.state.Supply
	}
	newSupply := c.state.Supply + blockReward
	newWork := new(big.Int).Add(c.state.CumulativeWork, consensus.Work(blk.Header.Bits))

	if err := c.blocks.CommitBlock(blk, height, newSupply, newWork); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}

	c.state.Supply = newSupply
	c.state.CumulativeWork = newWork
	c.state.TipHash = hash
	c.state.Height = height
	c.state.TipTimestamp = blk.Header.Timestamp

	return nil
}

// resolveHeight determines the height a block occupies and whether it forks
// from a known-but-non-tip ancestor rather than extending the active chain.
func (c *Chain) resolveHeight(blk *block.Block) (height uint64, forked bool, err error) {
	if c.state.IsGenesis() {
		if !blk.Header.PrevHash.IsZero() {
			return 0, false, fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return 0, false, nil
	}

	if blk.Header.PrevHash == c.state.TipHash {
		return c.state.Height + 1, false, nil
	}

	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return 0, false, fmt.Errorf("check parent: %w", err)
	}
	if !parentKnown {
		return 0, false, ErrPrevNotFound
	}

	parentHeight, err := c.blocks.GetBlockHeight(blk.Header.PrevHash)
	if err != nil {
		return 0, false, fmt.Errorf("resolve parent height: %w", err)
	}
	return parentHeight + 1, true, nil
}

// validateBlockState checks UTXO-dependent rules: transaction signatures,
// coinbase maturity (delegated to pkg/tx), and coinbase mint-limit
// conservation. Used by both the fast path and reorg replay so that a block
// is held to the same bar regardless of how it was reached.
func (c *Chain) validateBlockState(blk *block.Block, height uint64) error {
	coinbaseTx := blk.Transactions[0]
	if len(coinbaseTx.Inputs) != 1 || !coinbaseTx.Inputs[0].PrevOut.IsCoinbase() {
		return ErrBadCoinbaseTx
	}

	provider := &chainUTXOProvider{chain: c}
	var totalFees uint64
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase.
		}
		fee, err := transaction.ValidateWithUTXOs(provider)
		if err != nil {
			return fmt.Errorf("tx %d validation: %w", i, err)
		}
		if totalFees > math.MaxUint64-fee {
			return fmt.Errorf("tx %d fee overflow", i)
		}
		totalFees += fee
	}

	coinbaseTotal, err := coinbaseTx.TotalOutputValue()
	if err != nil {
		return fmt.Errorf("coinbase output overflow: %w", err)
	}
	var minted uint64
	if coinbaseTotal > totalFees {
		minted = coinbaseTotal - totalFees
	}
	allowedMint := c.blockRewardAt(height)
	if c.maxSupply > 0 {
		if c.state.Supply >= c.maxSupply {
			allowedMint = 0
		} else if remaining := c.maxSupply - c.state.Supply; allowedMint > remaining {
			allowedMint = remaining
		}
	}
	if minted > allowedMint {
		return fmt.Errorf("%w: minted=%d allowed=%d", ErrCoinbaseRewardExceeded, minted, allowedMint)
	}

	for i, transaction := range blk.Transactions[1:] {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsCoinbase() {
				return fmt.Errorf("%w: tx %d contains coinbase input", ErrBadCoinbaseTx, i+1)
			}
		}
	}

	return nil
}

// computeBlockReward calculates the new coins minted in this block:
// coinbase output value minus total fees recycled from non-coinbase
// transactions. Must be called before applyBlock, while spent inputs are
// still present in the UTXO set.
func (c *Chain) computeBlockReward(blk *block.Block, height uint64) uint64 {
	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Outputs) == 0 {
		return 0
	}

	coinbaseValue, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0
	}

	var totalFees uint64
	for _, transaction := range blk.Transactions[1:] {
		totalFees += c.computeTxFee(transaction)
	}

	if coinbaseValue > totalFees {
		return coinbaseValue - totalFees
	}
	return 0
}

// computeTxFee calculates a single transaction's fee: sum(input values) -
// sum(output values). Must be called before applyBlock.
func (c *Chain) computeTxFee(transaction *tx.Transaction) uint64 {
	var inputSum, outputSum uint64
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsCoinbase() {
			continue
		}
		u, err := c.utxos.Get(in.PrevOut)
		if err != nil {
			continue
		}
		if inputSum > math.MaxUint64-u.Value {
			continue // Overflow guard.
		}
		inputSum += u.Value
	}
	for _, out := range transaction.Outputs {
		if outputSum > math.MaxUint64-out.Value {
			continue // Overflow guard.
		}
		outputSum += out.Value
	}
	if inputSum > outputSum {
		return inputSum - outputSum
	}
	return 0
}

// chainUTXOProvider adapts the chain's UTXO store and tip height to the
// pkg/tx.UTXOProvider interface so transaction validation can check coinbase
// maturity and signatures without importing internal/chain.
type chainUTXOProvider struct {
	chain *Chain
}

func (p *chainUTXOProvider) GetUTXO(outpoint types.Outpoint) (value uint64, script types.Script, height uint64, isCoinbase bool, err error) {
	u, err := p.chain.utxos.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, 0, false, err
	}
	return u.Value, u.Script, u.Height, u.Coinbase, nil
}

func (p *chainUTXOProvider) HasUTXO(outpoint types.Outpoint) bool {
	has, err := p.chain.utxos.Has(outpoint)
	return err == nil && has
}

func (p *chainUTXOProvider) TipHeight() uint64 {
	return p.chain.state.Height
}

// applyBlock updates the UTXO set: spends inputs and creates outputs for
// every transaction in the block, in a single atomic batch.
func (c *Chain) applyBlock(blk *block.Block, height uint64) error {
	var spent []types.Outpoint
	var created []*utxo.UTXO

	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0

		for _, in := range transaction.Inputs {
			if in.PrevOut.IsCoinbase() {
				continue
			}
			spent = append(spent, in.PrevOut)
		}

		for i, out := range transaction.Outputs {
			created = append(created, &utxo.UTXO{
				Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
				Value:    out.Value,
				Script:   out.Script,
				Height:   height,
				Coinbase: isCoinbase,
			})
		}
	}

	return c.utxos.ApplyBlockBatch(blk.Hash(), spent, created)
}
