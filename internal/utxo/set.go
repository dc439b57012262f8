// Package utxo manages the unspent transaction output set, the ledger's
// only form of account state.
package utxo

import "github.com/klingnet-core/klingnet/pkg/types"

// UTXO represents an unspent transaction output together with the
// provenance needed to enforce coinbase maturity and address indexing.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`
	Coinbase bool           `json:"coinbase"`
}

// Set is the interface for UTXO lookups shared by the validator and mempool.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Has(outpoint types.Outpoint) (bool, error)
}
