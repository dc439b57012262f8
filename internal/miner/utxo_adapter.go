package miner

import (
	"log"

	"github.com/klingnet-core/klingnet/internal/utxo"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// HeightFunc returns the current chain tip height.
type HeightFunc func() uint64

// UTXOAdapter bridges utxo.Set to tx.UTXOProvider, the interface the mempool
// and miner use to validate transactions and compute fees outside the
// chain package itself.
type UTXOAdapter struct {
	set      utxo.Set
	heightFn HeightFunc
}

// NewUTXOAdapter creates a UTXOProvider from a utxo.Set and a tip-height
// source (typically chain.Height).
func NewUTXOAdapter(set utxo.Set, heightFn HeightFunc) *UTXOAdapter {
	return &UTXOAdapter{set: set, heightFn: heightFn}
}

// GetUTXO returns the value, script, confirming height, and coinbase flag
// for a given outpoint.
func (a *UTXOAdapter) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, uint64, bool, error) {
	u, err := a.set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, 0, false, err
	}
	return u.Value, u.Script, u.Height, u.Coinbase, nil
}

// HasUTXO returns whether the outpoint exists in the UTXO set.
func (a *UTXOAdapter) HasUTXO(outpoint types.Outpoint) bool {
	has, err := a.set.Has(outpoint)
	if err != nil {
		log.Printf("utxo adapter: Has(%s) error: %v", outpoint, err)
		return false
	}
	return has
}

// TipHeight returns the current chain tip height.
func (a *UTXOAdapter) TipHeight() uint64 {
	return a.heightFn()
}
