// Package tx defines transaction types and validation.
package tx

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/klingnet-core/klingnet/pkg/crypto"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// MaxOutputValue is the per-output cap: 21e6 whole coins at 1e8 base units.
const MaxOutputValue = 21_000_000 * 1_00_000_000

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint32   `json:"locktime"`
}

// Input references a UTXO being spent.
//
// ScriptSig is the unlocking script (for the classical P2PKH_Classical kind,
// signature || compressed_pubkey). Witness carries data outside the
// consensus-critical hash preimage — it is never part of CanonicalEncode.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
	Sequence  uint32         `json:"sequence"`
	Witness   []byte         `json:"witness,omitempty"`
}

// ScriptSig returns the unlocking script bytes: signature || pubkey.
func (in Input) ScriptSig() []byte {
	b := make([]byte, 0, len(in.Signature)+len(in.PubKey))
	b = append(b, in.Signature...)
	b = append(b, in.PubKey...)
	return b
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
	Sequence  uint32         `json:"sequence"`
	Witness   *string        `json:"witness,omitempty"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut, Sequence: in.Sequence}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	if in.Witness != nil {
		w := hex.EncodeToString(in.Witness)
		j.Witness = &w
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	in.Sequence = j.Sequence
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	if j.Witness != nil {
		b, err := hex.DecodeString(*j.Witness)
		if err != nil {
			return err
		}
		in.Witness = b
	}
	return nil
}

// Output defines a new UTXO.
//
// Output stores no address; DeriveAddress computes one from the script on
// demand, and CanonicalEncode serializes only Value and Script.
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// DeriveAddress returns the bech32 address implied by this output's script, for
// a classical P2PKH_Classical script whose Data is a 20-byte public key hash.
func (o Output) DeriveAddress() (types.Address, bool) {
	if o.Script.Type != types.ScriptTypeP2PKHClassical || len(o.Script.Data) != types.AddressSize {
		return types.Address{}, false
	}
	var a types.Address
	copy(a[:], o.Script.Data)
	return a, true
}

// Hash computes the transaction id: h256(CanonicalEncode(tx)).
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash256(tx.CanonicalEncode())
}

// CanonicalEncode returns the consensus-critical wire encoding (§6):
//
//	version:u32 | in_count:varint | inputs | out_count:varint | outputs | locktime:u32
//	input:  prev_txid:32 | prev_vout:u32 | script_len:varint | script_sig:bytes | sequence:u32
//	output: value:u64 | script_len:varint | script_pubkey:bytes
//
// script_pubkey is encoded as script_type(1) || script_data, matching how the
// validator reconstructs types.Script on read.
func (tx *Transaction) CanonicalEncode() []byte {
	var buf []byte

	buf = appendUint32LE(buf, tx.Version)
	buf = types.PutVarint(buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = appendUint32LE(buf, in.PrevOut.Index)
		sig := in.ScriptSig()
		buf = types.PutVarint(buf, uint64(len(sig)))
		buf = append(buf, sig...)
		buf = appendUint32LE(buf, in.Sequence)
	}

	buf = types.PutVarint(buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = appendUint64LE(buf, out.Value)
		scriptBytes := append([]byte{byte(out.Script.Type)}, out.Script.Data...)
		buf = types.PutVarint(buf, uint64(len(scriptBytes)))
		buf = append(buf, scriptBytes...)
	}

	buf = appendUint32LE(buf, tx.LockTime)
	return buf
}

// SigningDigest returns the preimage signers sign over: the canonical encoding
// with every input's script_sig blanked (zero length), so the signature does
// not need to sign itself. This is a single shared digest across all inputs —
// the spec pins the wire format and the verify_signature oracle boundary, not
// a specific per-input sighash scheme, so a single shared digest (the
// simplest scheme that avoids circularity) is what this implementation signs.
func (tx *Transaction) SigningDigest() types.Hash {
	blank := &Transaction{
		Version:  tx.Version,
		LockTime: tx.LockTime,
		Outputs:  tx.Outputs,
		Inputs:   make([]Input, len(tx.Inputs)),
	}
	for i, in := range tx.Inputs {
		blank.Inputs[i] = Input{PrevOut: in.PrevOut, Sequence: in.Sequence}
	}
	return crypto.Hash256(blank.CanonicalEncode())
}

// SerializedSize returns len(CanonicalEncode(tx)), the byte size used against
// MAX_TX_SIZE and block-size accounting.
func (tx *Transaction) SerializedSize() int {
	return len(tx.CanonicalEncode())
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}

func appendUint32LE(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint64LE(b []byte, v uint64) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
