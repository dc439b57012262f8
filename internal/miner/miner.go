// Package miner implements block assembly for Klingnet: selecting mempool
// transactions, building the coinbase, and sealing the header via PoW.
package miner

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/klingnet-core/klingnet/config"
	"github.com/klingnet-core/klingnet/internal/consensus"
	"github.com/klingnet-core/klingnet/pkg/block"
	"github.com/klingnet-core/klingnet/pkg/tx"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// coinbaseReserve is the byte budget held back from MaxBlockSize so the
// coinbase transaction always has room regardless of how many mempool
// transactions are packed in ahead of it.
const coinbaseReserve = 1024

// ChainState provides read-only access to the current chain tip and the
// inputs needed to prepare a PoW header for the next block.
type ChainState interface {
	Height() uint64
	TipHash() types.Hash
	TipTimestamp() uint64
	DifficultyInputs() (prevBits, genesisBits uint32, getTimestamp func(uint64) (uint64, error), err error)
}

// MempoolSelector selects transactions for block inclusion.
type MempoolSelector interface {
	TakeForBlock(maxBytes int) []*tx.Transaction
	GetFee(txHash types.Hash) uint64
}

// SupplyFunc returns the current total coin supply.
type SupplyFunc func() uint64

// Miner assembles candidate blocks. It does not apply blocks to the chain —
// callers run the result through chain.ProcessBlock.
type Miner struct {
	chain        ChainState
	pow          *consensus.PoW
	pool         MempoolSelector
	coinbaseAddr types.Address
	blockReward  uint64
	maxSupply    uint64     // 0 = unlimited
	supplyFn     SupplyFunc // nil = no cap check
}

// New creates a new block producer. The consensus engine must be PoW — this
// module has no other consensus mode in scope.
func New(chain ChainState, pow *consensus.PoW, pool MempoolSelector,
	coinbaseAddr types.Address, blockReward, maxSupply uint64, supplyFn SupplyFunc) *Miner {
	return &Miner{
		chain:        chain,
		pow:          pow,
		pool:         pool,
		coinbaseAddr: coinbaseAddr,
		blockReward:  blockReward,
		maxSupply:    maxSupply,
		supplyFn:     supplyFn,
	}
}

// ProduceBlock builds, seals, and returns a new block using the current time.
// The coinbase output value = block reward + sum of all tx fees.
// The block is NOT applied to the chain — the caller must call ProcessBlock.
func (m *Miner) ProduceBlock() (*block.Block, error) {
	return m.produceBlock(context.Background(), uint64(time.Now().Unix()))
}

// ProduceBlockAt builds, seals, and returns a new block with the given
// timestamp, bumped to at least parentTimestamp+1 to guarantee monotonicity.
func (m *Miner) ProduceBlockAt(timestamp uint64) (*block.Block, error) {
	return m.produceBlock(context.Background(), timestamp)
}

// ProduceBlockCtx builds and seals a block with cancellation support. When
// ctx is cancelled, nonce search stops at its next check point (every 2^16
// iterations at most).
func (m *Miner) ProduceBlockCtx(ctx context.Context) (*block.Block, error) {
	return m.produceBlock(ctx, uint64(time.Now().Unix()))
}

func (m *Miner) produceBlock(ctx context.Context, timestamp uint64) (*block.Block, error) {
	if parentTS := m.chain.TipTimestamp(); timestamp <= parentTS {
		timestamp = parentTS + 1
	}
	height := m.chain.Height() + 1

	var selected []*tx.Transaction
	var totalFees uint64
	if m.pool != nil {
		selected = m.pool.TakeForBlock(config.MaxBlockSize - coinbaseReserve)
		for _, t := range selected {
			totalFees += m.pool.GetFee(t.Hash())
		}
	}

	// Halving follows config.HalvingInterval; a genesis with a different
	// halving_interval is not reflected here.
	reward := config.RewardAt(height, m.blockReward, config.HalvingInterval)
	if m.maxSupply > 0 && m.supplyFn != nil {
		currentSupply := m.supplyFn()
		if currentSupply >= m.maxSupply {
			reward = 0
		} else if currentSupply+reward > m.maxSupply {
			reward = m.maxSupply - currentSupply
		}
	}

	// Sort non-coinbase transactions by hash ascending (canonical order).
	sort.Slice(selected, func(i, j int) bool {
		hi, hj := selected[i].Hash(), selected[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	coinbase := BuildCoinbase(m.coinbaseAddr, reward+totalFees, height)
	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, coinbase)
	txs = append(txs, selected...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   m.chain.TipHash(),
		MerkleRoot: merkle,
		Timestamp:  timestamp,
	}

	prevBits, genesisBits, getTimestamp, err := m.chain.DifficultyInputs()
	if err != nil {
		return nil, fmt.Errorf("difficulty inputs: %w", err)
	}
	m.pow.Prepare(header, height, prevBits, genesisBits, getTimestamp)

	blk := block.NewBlock(header, txs)

	if err := m.pow.SealWithCancel(ctx, blk, height); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}

	return blk, nil
}

// BuildCoinbase creates a coinbase transaction with the given reward. The
// block height is encoded in the coinbase input's signature field so that
// two coinbases paying the same address the same reward still hash
// differently (similar to Bitcoin's BIP34).
func BuildCoinbase(addr types.Address, reward, height uint64) *tx.Transaction {
	heightBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(heightBytes, height)

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{Index: types.CoinbaseIndex},
			Signature: heightBytes,
		}},
		Outputs: []tx.Output{{
			Value: reward,
			Script: types.Script{
				Type: types.ScriptTypeP2PKHClassical,
				Data: addr[:],
			},
		}},
	}
}
