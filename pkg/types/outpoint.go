package types

import "fmt"

// CoinbaseIndex is the output index used by the null outpoint referenced by a
// coinbase input's previous_output.
const CoinbaseIndex uint32 = 0xFFFFFFFF

// Outpoint references a specific output in a transaction.
type Outpoint struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// IsZero returns true if the outpoint has a zero TxID and zero index.
func (o Outpoint) IsZero() bool {
	return o.TxID.IsZero() && o.Index == 0
}

// IsCoinbase returns true if this is the null outpoint a coinbase input refers to:
// zero txid, index 0xFFFFFFFF.
func (o Outpoint) IsCoinbase() bool {
	return o.TxID.IsZero() && o.Index == CoinbaseIndex
}

// String returns "txid:index" in hex.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Index)
}

// Bytes returns the canonical 36-byte encoding (txid || index_LE) used both as a
// storage key suffix and inside a transaction's signing bytes.
func (o Outpoint) Bytes() []byte {
	b := make([]byte, 36)
	copy(b[:32], o.TxID[:])
	putUint32LE(b[32:], o.Index)
	return b
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
