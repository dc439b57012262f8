package chain

import (
	"fmt"
	"sort"

	"github.com/klingnet-core/klingnet/config"
	"github.com/klingnet-core/klingnet/pkg/block"
	"github.com/klingnet-core/klingnet/pkg/tx"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// CreateGenesisBlock builds the genesis block from the genesis configuration.
// The genesis block sits at height 0, has a zero PrevHash, and carries a
// single coinbase transaction that distributes the initial allocations.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}

	coinbase, err := buildCoinbaseTx(gen.Alloc)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	txHashes := []types.Hash{coinbase.Hash()}
	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   types.Hash{},
		MerkleRoot: block.ComputeMerkleRoot(txHashes),
		Timestamp:  gen.Timestamp,
		Bits:       gen.GenesisBits,
	}

	return block.NewBlock(header, []*tx.Transaction{coinbase}), nil
}

// buildCoinbaseTx creates a coinbase transaction with the initial allocations.
// The coinbase has a single input referencing the null coinbase outpoint (zero
// txid, index CoinbaseIndex). Each allocation becomes a P2PKH output.
func buildCoinbaseTx(alloc map[string]uint64) (*tx.Transaction, error) {
	// Sort addresses for deterministic ordering.
	addrs := make([]string, 0, len(alloc))
	for addr := range alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var outputs []tx.Output
	for _, addrStr := range addrs {
		addr, err := types.ParseAddress(addrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}

		outputs = append(outputs, tx.Output{
			Value: alloc[addrStr],
			Script: types.Script{
				Type: types.ScriptTypeP2PKHClassical,
				Data: addr.Bytes(),
			},
		})
	}

	// No allocations: Validate() rejects zero-value outputs, so fall back to
	// a single base-unit output to keep the block structurally valid.
	if len(outputs) == 0 {
		outputs = []tx.Output{{
			Value: 1,
			Script: types.Script{
				Type: types.ScriptTypeP2PKHClassical,
				Data: make([]byte, types.AddressSize),
			},
		}}
	}

	coinbase := &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut: types.Outpoint{Index: types.CoinbaseIndex},
		}},
		Outputs: outputs,
	}

	return coinbase, nil
}
