// Package storage provides database abstractions.
package storage

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key; the value is not copied and
	// is only valid for the duration of the callback.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch accumulates writes and applies them as a single atomic unit on
// Commit. A block's effect on chain state (spent outpoints, new UTXOs,
// tip pointer, height index) must land together or not at all, since a
// crash mid-write would otherwise leave the UTXO set inconsistent with
// the chain tip it claims to support.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	// Commit applies all buffered writes atomically. A Batch must not be
	// reused after Commit.
	Commit() error
}

// Batcher is implemented by DBs that can produce an atomic Batch.
type Batcher interface {
	NewBatch() Batch
}
