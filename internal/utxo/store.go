package utxo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/klingnet-core/klingnet/internal/storage"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// Key prefixes for the UTXO store's logical namespaces.
var (
	prefixUTXO     = []byte("utxo/")             // utxo/<txid><index> -> UTXO JSON
	prefixAddr     = []byte("utxo_by_address/")  // utxo_by_address/<addr><txid><index> -> empty
	prefixAddrEver = []byte("addresses_ever/")   // addresses_ever/<addr> -> empty, never removed
	prefixAddrLive = []byte("addresses_live/")   // addresses_live/<addr> -> uint64 live UTXO count
	prefixUndo     = []byte("undo/")             // undo/<block_hash> -> undoRecord JSON
	keyTip         = []byte("meta/tip")          // meta/tip -> block hash of the UTXO set's current tip
)

const hotCacheSize = 4096

// Store implements Set backed by a storage.DB, plus the address index,
// balance/rich-list queries, and atomic per-block apply/revert that the
// chain manager needs to keep the UTXO set and the chain tip in lockstep.
type Store struct {
	db    storage.DB
	cache *lru.Cache[types.Outpoint, *UTXO]
}

// NewStore creates a new UTXO store backed by the given database.
func NewStore(db storage.DB) *Store {
	cache, _ := lru.New[types.Outpoint, *UTXO](hotCacheSize)
	return &Store{db: db, cache: cache}
}

func utxoKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixUTXO)+types.HashSize+4)
	copy(key, prefixUTXO)
	copy(key[len(prefixUTXO):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixUTXO)+types.HashSize:], op.Index)
	return key
}

func addrKey(addr types.Address, op types.Outpoint) []byte {
	key := make([]byte, len(prefixAddr)+types.AddressSize+types.HashSize+4)
	copy(key, prefixAddr)
	copy(key[len(prefixAddr):], addr[:])
	off := len(prefixAddr) + types.AddressSize
	copy(key[off:], op.TxID[:])
	binary.BigEndian.PutUint32(key[off+types.HashSize:], op.Index)
	return key
}

func addrEverKey(addr types.Address) []byte {
	key := make([]byte, len(prefixAddrEver)+types.AddressSize)
	copy(key, prefixAddrEver)
	copy(key[len(prefixAddrEver):], addr[:])
	return key
}

func addrLiveKey(addr types.Address) []byte {
	key := make([]byte, len(prefixAddrLive)+types.AddressSize)
	copy(key, prefixAddrLive)
	copy(key[len(prefixAddrLive):], addr[:])
	return key
}

func undoKey(blockHash types.Hash) []byte {
	key := make([]byte, len(prefixUndo)+types.HashSize)
	copy(key, prefixUndo)
	copy(key[len(prefixUndo):], blockHash[:])
	return key
}

// scriptAddress returns the address a UTXO's locking script pays to, if
// the script kind embeds a plain public-key-hash address. Multisig scripts
// lock to more than one address and are not reflected in the address index.
func scriptAddress(s types.Script) (types.Address, bool) {
	switch s.Type {
	case types.ScriptTypeP2PKHClassical, types.ScriptTypeP2PKHPQ:
		if len(s.Data) >= types.AddressSize {
			var addr types.Address
			copy(addr[:], s.Data[:types.AddressSize])
			return addr, true
		}
	}
	return types.Address{}, false
}

func decodeOutpoint(key []byte, off int) (types.Outpoint, bool) {
	if len(key) < off+types.HashSize+4 {
		return types.Outpoint{}, false
	}
	var op types.Outpoint
	copy(op.TxID[:], key[off:off+types.HashSize])
	op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])
	return op, true
}

// Get retrieves a UTXO by its outpoint, consulting the hot-read cache first.
func (s *Store) Get(outpoint types.Outpoint) (*UTXO, error) {
	if u, ok := s.cache.Get(outpoint); ok {
		return u, nil
	}
	data, err := s.db.Get(utxoKey(outpoint))
	if err != nil {
		return nil, fmt.Errorf("utxo get: %w", err)
	}
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("utxo unmarshal: %w", err)
	}
	s.cache.Add(outpoint, &u)
	return &u, nil
}

// Has checks if a UTXO exists for the given outpoint.
func (s *Store) Has(outpoint types.Outpoint) (bool, error) {
	if _, ok := s.cache.Get(outpoint); ok {
		return true, nil
	}
	return s.db.Has(utxoKey(outpoint))
}

// ForEach iterates over all UTXOs in the store.
func (s *Store) ForEach(fn func(*UTXO) error) error {
	return s.db.ForEach(prefixUTXO, func(key, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("utxo unmarshal: %w", err)
		}
		return fn(&u)
	})
}

// UTXOsOf returns every UTXO currently owned by addr.
func (s *Store) UTXOsOf(addr types.Address) ([]*UTXO, error) {
	prefix := make([]byte, len(prefixAddr)+types.AddressSize)
	copy(prefix, prefixAddr)
	copy(prefix[len(prefixAddr):], addr[:])

	var utxos []*UTXO
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		op, ok := decodeOutpoint(key, len(prefixAddr)+types.AddressSize)
		if !ok {
			return nil
		}
		u, err := s.Get(op)
		if err != nil {
			return nil // Spent since the index was written; skip.
		}
		utxos = append(utxos, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan address index: %w", err)
	}
	return utxos, nil
}

// Balance sums the value of every UTXO owned by addr.
func (s *Store) Balance(addr types.Address) (uint64, error) {
	utxos, err := s.UTXOsOf(addr)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, u := range utxos {
		total += u.Value
	}
	return total, nil
}

// AddressBalance pairs an address with its current UTXO-set balance, the
// unit RichList ranks on.
type AddressBalance struct {
	Address types.Address
	Balance uint64
}

// RichList returns addresses with at least one live UTXO, ordered by
// balance descending, paginated by limit/offset.
func (s *Store) RichList(limit, offset int) ([]AddressBalance, error) {
	var all []AddressBalance
	err := s.db.ForEach(prefixAddrLive, func(key, _ []byte) error {
		if len(key) < len(prefixAddrLive)+types.AddressSize {
			return nil
		}
		var addr types.Address
		copy(addr[:], key[len(prefixAddrLive):len(prefixAddrLive)+types.AddressSize])
		bal, err := s.Balance(addr)
		if err != nil {
			return err
		}
		if bal > 0 {
			all = append(all, AddressBalance{Address: addr, Balance: bal})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan live addresses: %w", err)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Balance != all[j].Balance {
			return all[i].Balance > all[j].Balance
		}
		return all[i].Outpoint() < all[j].Outpoint()
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// Outpoint is a stable tiebreaker for entries with equal balance so
// RichList pagination is deterministic across calls.
func (ab AddressBalance) Outpoint() string {
	return ab.Address.Hex()
}

// undoRecord captures everything needed to revert a block's effect on the
// UTXO set: the outputs it spent (to be restored) and the outpoints it
// created (to be removed).
type undoRecord struct {
	Spent   []*UTXO          `json:"spent"`
	Created []types.Outpoint `json:"created"`
}

// ApplyBlockBatch atomically removes spent outpoints, inserts newly created
// UTXOs, updates the address indices, advances the tip pointer, and records
// an undo entry for RevertBlock. Either every write lands or none does.
func (s *Store) ApplyBlockBatch(blockHash types.Hash, spent []types.Outpoint, created []*UTXO) error {
	batcher, ok := s.db.(storage.Batcher)
	if !ok {
		return fmt.Errorf("utxo store: underlying db does not support atomic batches")
	}

	spentUTXOs := make([]*UTXO, 0, len(spent))
	for _, op := range spent {
		u, err := s.Get(op)
		if err != nil {
			return fmt.Errorf("apply block batch: spent outpoint not found: %w", err)
		}
		spentUTXOs = append(spentUTXOs, u)
	}

	b := batcher.NewBatch()

	liveDelta := make(map[types.Address]int64)

	for _, u := range spentUTXOs {
		if err := b.Delete(utxoKey(u.Outpoint)); err != nil {
			return err
		}
		if addr, ok := scriptAddress(u.Script); ok {
			if err := b.Delete(addrKey(addr, u.Outpoint)); err != nil {
				return err
			}
			liveDelta[addr]--
		}
	}

	for _, u := range created {
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("utxo marshal: %w", err)
		}
		if err := b.Put(utxoKey(u.Outpoint), data); err != nil {
			return err
		}
		if addr, ok := scriptAddress(u.Script); ok {
			if err := b.Put(addrKey(addr, u.Outpoint), []byte{}); err != nil {
				return err
			}
			if err := b.Put(addrEverKey(addr), []byte{}); err != nil {
				return err
			}
			liveDelta[addr]++
		}
	}

	for addr, delta := range liveDelta {
		if err := s.applyLiveDelta(b, addr, delta); err != nil {
			return err
		}
	}

	rec := undoRecord{Spent: spentUTXOs, Created: make([]types.Outpoint, len(created))}
	for i, u := range created {
		rec.Created[i] = u.Outpoint
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("undo marshal: %w", err)
	}
	if err := b.Put(undoKey(blockHash), recData); err != nil {
		return err
	}
	if err := b.Put(keyTip, blockHash[:]); err != nil {
		return err
	}

	if err := b.Commit(); err != nil {
		return fmt.Errorf("apply block batch: %w", err)
	}

	for _, u := range spentUTXOs {
		s.cache.Remove(u.Outpoint)
	}
	for _, u := range created {
		s.cache.Add(u.Outpoint, u)
	}
	return nil
}

// applyLiveDelta reads the current live count for addr, adds delta, and
// writes back the result, deleting the counter once it reaches zero.
// addresses_ever is untouched: once an address has held a UTXO it stays
// in that set forever.
func (s *Store) applyLiveDelta(b storage.Batch, addr types.Address, delta int64) error {
	key := addrLiveKey(addr)
	var count int64
	if data, err := s.db.Get(key); err == nil && len(data) == 8 {
		count = int64(binary.BigEndian.Uint64(data))
	}
	count += delta
	if count <= 0 {
		return b.Delete(key)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return b.Put(key, buf)
}

// RevertBlock undoes ApplyBlockBatch(blockHash, ...): it restores the
// outputs that block spent, removes the outputs it created, and deletes
// the undo entry itself.
func (s *Store) RevertBlock(blockHash types.Hash) error {
	batcher, ok := s.db.(storage.Batcher)
	if !ok {
		return fmt.Errorf("utxo store: underlying db does not support atomic batches")
	}

	data, err := s.db.Get(undoKey(blockHash))
	if err != nil {
		return fmt.Errorf("revert block: no undo record for %s: %w", blockHash, err)
	}
	var rec undoRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("undo unmarshal: %w", err)
	}

	b := batcher.NewBatch()
	liveDelta := make(map[types.Address]int64)

	for _, op := range rec.Created {
		// Load before deleting so the address index entry can be removed too.
		if u, err := s.Get(op); err == nil {
			if addr, ok := scriptAddress(u.Script); ok {
				if err := b.Delete(addrKey(addr, op)); err != nil {
					return err
				}
				liveDelta[addr]--
			}
		}
		if err := b.Delete(utxoKey(op)); err != nil {
			return err
		}
	}

	for _, u := range rec.Spent {
		sdata, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("utxo marshal: %w", err)
		}
		if err := b.Put(utxoKey(u.Outpoint), sdata); err != nil {
			return err
		}
		if addr, ok := scriptAddress(u.Script); ok {
			if err := b.Put(addrKey(addr, u.Outpoint), []byte{}); err != nil {
				return err
			}
			liveDelta[addr]++
		}
	}

	for addr, delta := range liveDelta {
		if err := s.applyLiveDelta(b, addr, delta); err != nil {
			return err
		}
	}

	if err := b.Delete(undoKey(blockHash)); err != nil {
		return err
	}

	if err := b.Commit(); err != nil {
		return fmt.Errorf("revert block: %w", err)
	}

	for _, op := range rec.Created {
		s.cache.Remove(op)
	}
	for _, u := range rec.Spent {
		s.cache.Add(u.Outpoint, u)
	}
	return nil
}

// Tip returns the block hash the UTXO set is currently caught up to.
func (s *Store) Tip() (types.Hash, error) {
	data, err := s.db.Get(keyTip)
	if err != nil {
		return types.Hash{}, nil // No blocks applied yet.
	}
	var h types.Hash
	copy(h[:], data)
	return h, nil
}

// ClearAll wipes every UTXO, address index entry, and undo record from the
// store, along with the tip pointer. Used to recover from a crash mid-reorg
// or to rebuild the set from a full block replay.
func (s *Store) ClearAll() error {
	for _, prefix := range [][]byte{prefixUTXO, prefixAddr, prefixAddrEver, prefixAddrLive, prefixUndo} {
		var keys [][]byte
		if err := s.db.ForEach(prefix, func(key, _ []byte) error {
			k := make([]byte, len(key))
			copy(k, key)
			keys = append(keys, k)
			return nil
		}); err != nil {
			return fmt.Errorf("clear all: scan: %w", err)
		}
		for _, k := range keys {
			if err := s.db.Delete(k); err != nil {
				return fmt.Errorf("clear all: delete: %w", err)
			}
		}
	}
	if err := s.db.Delete(keyTip); err != nil {
		return fmt.Errorf("clear all: delete tip: %w", err)
	}
	s.cache.Purge()
	return nil
}
