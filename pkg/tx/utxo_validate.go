package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/klingnet-core/klingnet/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound   = errors.New("input UTXO not found")
	ErrImmatureCoinbase = errors.New("coinbase UTXO is not yet mature")
	ErrInsufficientFee = errors.New("insufficient fee")
	ErrInputOverflow   = errors.New("input values overflow")
	ErrOverspend       = errors.New("outputs exceed inputs")
)

// UTXOProvider provides read-only access to the UTXO set for validation.
// tipHeight is the height transactions would be confirmed relative to, used
// for the coinbase-maturity check (ErrorKind ImmatureCoinbase).
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (value uint64, script types.Script, height uint64, isCoinbase bool, err error)
	HasUTXO(outpoint types.Outpoint) bool
	TipHeight() uint64
}

// CoinbaseMaturity is the number of confirmations required before a coinbase
// output becomes spendable (consensus parameter, §6).
const CoinbaseMaturity = 100

// ValidateWithUTXOs performs full validation of a transaction against the UTXO
// set (transaction rules 1-6 of §4.4). Returns the fee (inputs - outputs).
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider) (uint64, error) {
	if err := tx.Validate(); err != nil {
		return 0, err
	}

	scripts := make(map[types.Outpoint]types.Script, len(tx.Inputs))

	var totalInput uint64
	for i, in := range tx.Inputs {
		if in.PrevOut.IsCoinbase() {
			continue
		}

		if !provider.HasUTXO(in.PrevOut) {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}

		value, script, height, isCoinbase, err := provider.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		if isCoinbase && provider.TipHeight()-height < CoinbaseMaturity {
			return 0, fmt.Errorf("input %d (%s): %w: height %d, tip %d",
				i, in.PrevOut, ErrImmatureCoinbase, height, provider.TipHeight())
		}

		scripts[in.PrevOut] = script

		if totalInput > math.MaxUint64-value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += value
	}

	if err := tx.VerifySignatures(func(op types.Outpoint) (types.Script, bool) {
		s, ok := scripts[op]
		return s, ok
	}); err != nil {
		return 0, err
	}

	totalOutput, ovfErr := tx.TotalOutputValue()
	if ovfErr != nil {
		return 0, fmt.Errorf("output overflow: %w", ovfErr)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrOverspend, totalInput, totalOutput)
	}

	fee := totalInput - totalOutput
	return fee, nil
}
