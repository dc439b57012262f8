package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType is the tag prefix embedded in a script_pubkey, identifying which
// ScriptKind the signature oracle must dispatch to (design note 9.2).
type ScriptType uint8

const (
	// ScriptTypeP2PKHClassical pays to a classical elliptic-curve (secp256k1
	// Schnorr) public key hash.
	ScriptTypeP2PKHClassical ScriptType = 0x01
	// ScriptTypeP2PKHPQ pays to a post-quantum public key hash. No concrete
	// post-quantum verifier is wired yet (see internal/sigverify).
	ScriptTypeP2PKHPQ ScriptType = 0x02
	// ScriptTypeMultisig requires M-of-N signatures. Data encodes m, n, and
	// the N public key hashes.
	ScriptTypeMultisig ScriptType = 0x03
)

// ScriptTypeP2PKH is retained as an alias for the classical scheme so older call
// sites reading "P2PKH" keep their plain meaning.
const ScriptTypeP2PKH = ScriptTypeP2PKHClassical

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeP2PKHClassical:
		return "P2PKH_Classical"
	case ScriptTypeP2PKHPQ:
		return "P2PKH_PQ"
	case ScriptTypeMultisig:
		return "Multisig"
	default:
		return "Unknown"
	}
}

// Script defines the locking condition for a UTXO.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// scriptJSON is the JSON representation of a Script with hex-encoded data.
type scriptJSON struct {
	Type ScriptType `json:"type"`
	Data string     `json:"data"`
}

// MarshalJSON encodes the script with hex-encoded data.
func (s Script) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptJSON{
		Type: s.Type,
		Data: hex.EncodeToString(s.Data),
	})
}

// UnmarshalJSON decodes a script with hex-encoded data.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.Type = j.Type
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		s.Data = b
	}
	return nil
}
