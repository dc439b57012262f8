package block

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/klingnet-core/klingnet/pkg/crypto"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// HeaderSize is the fixed wire size of a block header in bytes:
// version(4) + prev_hash(32) + merkle_root(32) + timestamp(8) + bits(4) + nonce(8).
const HeaderSize = 4 + 32 + 32 + 8 + 4 + 8

// Header contains block metadata. It encodes to a fixed 88-byte wire
// format; there is no variable-length field.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint64     `json:"timestamp"`
	Bits       uint32     `json:"bits"` // compact-encoded PoW target
	Nonce      uint64     `json:"nonce"`
}

// Hash computes the block header hash: h256(CanonicalEncode()).
func (h *Header) Hash() types.Hash {
	return crypto.Hash256(h.CanonicalEncode())
}

// CanonicalEncode returns the fixed 88-byte wire encoding of the header.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) | bits(4) | nonce(8)
func (h *Header) CanonicalEncode() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}

// DecodeHeader parses a fixed 88-byte header encoding produced by
// CanonicalEncode.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) != HeaderSize {
		return nil, &HeaderSizeError{Got: len(data), Want: HeaderSize}
	}
	h := &Header{}
	h.Version = binary.LittleEndian.Uint32(data[0:4])
	copy(h.PrevHash[:], data[4:36])
	copy(h.MerkleRoot[:], data[36:68])
	h.Timestamp = binary.LittleEndian.Uint64(data[68:76])
	h.Bits = binary.LittleEndian.Uint32(data[76:80])
	h.Nonce = binary.LittleEndian.Uint64(data[80:88])
	return h, nil
}

// HeaderSizeError reports a header buffer of the wrong length.
type HeaderSizeError struct {
	Got, Want int
}

func (e *HeaderSizeError) Error() string {
	return fmt.Sprintf("block: invalid header size: got %d bytes, want %d", e.Got, e.Want)
}

// MarshalJSON encodes the header as JSON.
func (h *Header) MarshalJSON() ([]byte, error) {
	type alias Header
	return json.Marshal((*alias)(h))
}

// UnmarshalJSON decodes a header from JSON.
func (h *Header) UnmarshalJSON(data []byte) error {
	type alias Header
	return json.Unmarshal(data, (*alias)(h))
}
