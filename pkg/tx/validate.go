package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/klingnet-core/klingnet/config"
	"github.com/klingnet-core/klingnet/internal/sigverify"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// Validation errors. Each maps onto an ErrorKind from the consensus error
// taxonomy; MalformedTx-class errors below are collapsed to these sentinels.
var (
	ErrNoInputs           = errors.New("transaction has no inputs")
	ErrNoOutputs          = errors.New("transaction has no outputs")
	ErrDuplicateInput     = errors.New("duplicate input")
	ErrOutputOverflow     = errors.New("output values overflow")
	ErrZeroOutput         = errors.New("output value is zero")
	ErrOutputTooLarge     = errors.New("output value exceeds maximum")
	ErrInvalidScript      = errors.New("invalid script type")
	ErrMissingPubKey      = errors.New("input missing public key")
	ErrMissingSig         = errors.New("input missing signature")
	ErrInvalidSig         = errors.New("invalid signature")
	ErrTooManyInputs      = errors.New("too many inputs")
	ErrTooManyOutputs     = errors.New("too many outputs")
	ErrScriptDataTooLarge = errors.New("script data too large")
	ErrTxTooLarge         = errors.New("transaction too large")
)

// Validate checks transaction structure and basic rules (ErrorKind
// MalformedTx / DoubleSpendInTx). This does NOT check UTXO existence.
func (tx *Transaction) Validate() error {
	if len(tx.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(tx.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(tx.Inputs) > config.MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(tx.Inputs), config.MaxTxInputs)
	}
	if len(tx.Outputs) > config.MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(tx.Outputs), config.MaxTxOutputs)
	}
	if size := tx.SerializedSize(); size > config.MaxTxSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrTxTooLarge, size, config.MaxTxSize)
	}

	// No duplicate previous_output within the transaction (DoubleSpendInTx).
	seen := make(map[types.Outpoint]bool, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if seen[in.PrevOut] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PrevOut] = true
	}

	// Coinbase inputs (null outpoint) are exempt from signature requirements.
	for i, in := range tx.Inputs {
		if in.PrevOut.IsCoinbase() {
			if len(in.Signature) > 100 {
				return fmt.Errorf("input %d: coinbase tag exceeds 100 bytes", i)
			}
			continue
		}
		if len(in.PubKey) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingPubKey)
		}
		if len(in.Signature) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingSig)
		}
	}

	var totalOutput uint64
	for i, out := range tx.Outputs {
		if out.Value == 0 {
			return fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if out.Value > MaxOutputValue {
			return fmt.Errorf("output %d: %w", i, ErrOutputTooLarge)
		}
		if len(out.Script.Data) > config.MaxScriptData {
			return fmt.Errorf("output %d: %w: %d bytes, max %d", i, ErrScriptDataTooLarge, len(out.Script.Data), config.MaxScriptData)
		}
		if totalOutput > math.MaxUint64-out.Value {
			return fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
		totalOutput += out.Value
	}

	return nil
}

// VerifySignatures checks that all non-coinbase input signatures verify
// against the transaction's signing digest, via the ScriptKind dispatch.
// scriptOf resolves the script_pubkey each input's previous_output locks to.
func (tx *Transaction) VerifySignatures(scriptOf func(types.Outpoint) (types.Script, bool)) error {
	digest := tx.SigningDigest()
	for i, in := range tx.Inputs {
		if in.PrevOut.IsCoinbase() {
			continue
		}
		script, ok := scriptOf(in.PrevOut)
		if !ok {
			return fmt.Errorf("input %d: %w", i, ErrInputNotFound)
		}
		ok, err := sigverify.Verify(script.Type, digest[:], in.ScriptSig(), script.Data)
		if err != nil {
			return fmt.Errorf("input %d: %w: %v", i, ErrInvalidSig, err)
		}
		if !ok {
			return fmt.Errorf("input %d: %w", i, ErrInvalidSig)
		}
	}
	return nil
}
