package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/klingnet-core/klingnet/internal/storage"
	"github.com/klingnet-core/klingnet/pkg/block"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// Key prefixes and state keys for the block store. Undo data lives in the
// UTXO store instead (keyed by block hash there too) — one undo mechanism,
// not two racing to stay in sync.
var (
	prefixBlock     = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight    = []byte("h/") // h/<height(8)> -> hash(32), active-chain blocks only
	prefixTx        = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32)
	prefixBlockHgt  = []byte("g/") // g/<hash(32)> -> height(8), every stored block (chain or fork)

	keyTipHash         = []byte("s/tip")
	keyHeight          = []byte("s/height")
	keySupply          = []byte("s/supply")
	keyCumWork         = []byte("s/cumwork")
	keyReorgCheckpoint = []byte("s/reorg")
)

// BlockStore persists blocks and chain metadata to a storage.DB.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// StoreBlock stores a block by its hash, recording its claimed height in the
// hash-keyed height index but without touching the active-chain height/tx
// indexes. Use this for fork blocks that are not (yet) on the active chain —
// their height still needs to be resolvable later when collecting a branch
// for reorg comparison.
func (bs *BlockStore) StoreBlock(blk *block.Block, height uint64) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := bs.db.Put(blockHeightKey(hash), heightValue(height)); err != nil {
		return fmt.Errorf("block height index put: %w", err)
	}
	return nil
}

// PutBlock stores a block and indexes it by hash, height, and tx hashes.
// height is supplied by the caller (the block header no longer carries it).
func (bs *BlockStore) PutBlock(blk *block.Block, height uint64) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}

	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := bs.db.Put(heightKey(height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	if err := bs.db.Put(blockHeightKey(hash), heightValue(height)); err != nil {
		return fmt.Errorf("block height index put: %w", err)
	}
	for _, t := range blk.Transactions {
		if err := bs.db.Put(txKey(t.Hash()), txLocationValue(height, hash)); err != nil {
			return fmt.Errorf("tx index put %s: %w", t.Hash(), err)
		}
	}
	return nil
}

// CommitBlock atomically persists a block (data, height index, tx index)
// together with the new chain tip and cumulative work, so a crash can never
// leave the block store indexed past (or behind) the tip it claims.
func (bs *BlockStore) CommitBlock(blk *block.Block, height uint64, newSupply uint64, newWork *big.Int) error {
	batcher, ok := bs.db.(storage.Batcher)
	if !ok {
		return fmt.Errorf("block store: underlying db does not support atomic batches")
	}

	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()

	b := batcher.NewBatch()
	if err := b.Put(blockKey(hash), data); err != nil {
		return err
	}
	if err := b.Put(heightKey(height), hash[:]); err != nil {
		return err
	}
	if err := b.Put(blockHeightKey(hash), heightValue(height)); err != nil {
		return err
	}
	for _, t := range blk.Transactions {
		if err := b.Put(txKey(t.Hash()), txLocationValue(height, hash)); err != nil {
			return err
		}
	}

	var heightBuf, supplyBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	binary.BigEndian.PutUint64(supplyBuf[:], newSupply)
	if err := b.Put(keyTipHash, hash[:]); err != nil {
		return err
	}
	if err := b.Put(keyHeight, heightBuf[:]); err != nil {
		return err
	}
	if err := b.Put(keySupply, supplyBuf[:]); err != nil {
		return err
	}
	if err := b.Put(keyCumWork, newWork.Bytes()); err != nil {
		return err
	}

	if err := b.Commit(); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}
	return nil
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetBlockByHeight retrieves a block by its height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	hashBytes, err := bs.db.Get(heightKey(height))
	if err != nil {
		return nil, fmt.Errorf("height index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return bs.GetBlock(hash)
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// GetBlockHeight returns the height a stored block claims, whether or not
// that block is on the active chain. Used to resolve fork-block heights when
// walking a branch during reorg comparison.
func (bs *BlockStore) GetBlockHeight(hash types.Hash) (uint64, error) {
	data, err := bs.db.Get(blockHeightKey(hash))
	if err != nil {
		return 0, fmt.Errorf("block height index get: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt block height index: got %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// SetTip stores the current chain tip hash, height, and supply. Used for
// one-off writes (genesis init) where CommitBlock's extra indexing is
// unnecessary.
func (bs *BlockStore) SetTip(hash types.Hash, height, supply uint64) error {
	if err := bs.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var heightBuf, supplyBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	if err := bs.db.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	binary.BigEndian.PutUint64(supplyBuf[:], supply)
	if err := bs.db.Put(keySupply, supplyBuf[:]); err != nil {
		return fmt.Errorf("set supply: %w", err)
	}
	return nil
}

// GetTip returns the current chain tip hash, height, and supply.
// Returns zero values if no tip is set (fresh chain).
func (bs *BlockStore) GetTip() (types.Hash, uint64, uint64, error) {
	hashBytes, err := bs.db.Get(keyTipHash)
	if err != nil {
		return types.Hash{}, 0, 0, nil // No tip yet.
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, 0, 0, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}

	heightBytes, err := bs.db.Get(keyHeight)
	if err != nil {
		return types.Hash{}, 0, 0, fmt.Errorf("tip height missing: %w", err)
	}
	if len(heightBytes) != 8 {
		return types.Hash{}, 0, 0, fmt.Errorf("corrupt tip height: got %d bytes", len(heightBytes))
	}

	var supply uint64
	if supplyBytes, err := bs.db.Get(keySupply); err == nil && len(supplyBytes) == 8 {
		supply = binary.BigEndian.Uint64(supplyBytes)
	}

	var hash types.Hash
	copy(hash[:], hashBytes)
	height := binary.BigEndian.Uint64(heightBytes)
	return hash, height, supply, nil
}

// GetTxLocation returns the block height and hash that contain the given transaction.
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := bs.db.Get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
	}
	height := binary.BigEndian.Uint64(data[:8])
	var blockHash types.Hash
	copy(blockHash[:], data[8:])
	return height, blockHash, nil
}

// DeleteTxIndex removes the transaction index entry for the given hash.
func (bs *BlockStore) DeleteTxIndex(txHash types.Hash) error {
	return bs.db.Delete(txKey(txHash))
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}

func txLocationValue(height uint64, blockHash types.Hash) []byte {
	val := make([]byte, 8+types.HashSize)
	binary.BigEndian.PutUint64(val[:8], height)
	copy(val[8:], blockHash[:])
	return val
}

func blockHeightKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlockHgt)+types.HashSize)
	copy(key, prefixBlockHgt)
	copy(key[len(prefixBlockHgt):], hash[:])
	return key
}

func heightValue(height uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return buf[:]
}

// SetCumulativeWork persists the cumulative chain work.
func (bs *BlockStore) SetCumulativeWork(work *big.Int) error {
	return bs.db.Put(keyCumWork, work.Bytes())
}

// GetCumulativeWork retrieves the cumulative chain work (0 if unset).
func (bs *BlockStore) GetCumulativeWork() *big.Int {
	data, err := bs.db.Get(keyCumWork)
	if err != nil || len(data) == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).SetBytes(data)
}

// PutReorgCheckpoint writes a marker indicating a reorg is in progress.
// If the node crashes during reorg, this marker triggers UTXO recovery on restart.
func (bs *BlockStore) PutReorgCheckpoint(forkHeight uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], forkHeight)
	return bs.db.Put(keyReorgCheckpoint, buf[:])
}

// GetReorgCheckpoint returns the fork height and true if a reorg checkpoint exists.
func (bs *BlockStore) GetReorgCheckpoint() (uint64, bool) {
	data, err := bs.db.Get(keyReorgCheckpoint)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// DeleteReorgCheckpoint removes the reorg-in-progress marker.
func (bs *BlockStore) DeleteReorgCheckpoint() error {
	return bs.db.Delete(keyReorgCheckpoint)
}
