package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/klingnet-core/klingnet/pkg/types"
)

func hexToHash(t *testing.T, s string) types.Hash {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	var h types.Hash
	copy(h[:], b)
	return h
}

func TestHash(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{
			name:  "empty input",
			input: []byte{},
			want:  "5df6e0e2761359d30a8275058e299fcc0381534545f55cf43e41983f5d4c9456",
		},
		{
			name:  "hello",
			input: []byte("hello"),
			want:  "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50",
		},
		{
			name:  "klingnet",
			input: []byte("klingnet"),
			want:  "5c9d0ddfbe34a0ff73a41f736e662ec8375bba7f7b6447b49a3f613bf393ee03",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Hash256(tt.input)
			want := hexToHash(t, tt.want)
			if got != want {
				t.Errorf("Hash256(%q) = %x, want %x", tt.input, got, want)
			}
		})
	}
}

func TestHash_Deterministic(t *testing.T) {
	data := []byte("deterministic test input")
	h1 := Hash256(data)
	h2 := Hash256(data)
	if h1 != h2 {
		t.Errorf("Hash256 is not deterministic: %x != %x", h1, h2)
	}
}

func TestHash_DifferentInputs(t *testing.T) {
	h1 := Hash256([]byte("input A"))
	h2 := Hash256([]byte("input B"))
	if h1 == h2 {
		t.Error("different inputs produced the same hash")
	}
}

func TestDoubleHash(t *testing.T) {
	input := []byte("hello")
	got := Hash256(input)
	first := sha256.Sum256(input)
	want := types.Hash(sha256.Sum256(first[:]))

	if got != want {
		t.Errorf("Hash256(%q) = %x, want SHA256(SHA256) %x", input, got, want)
	}
}

func TestDoubleHash_NotSameAsHash(t *testing.T) {
	data := []byte("test data")
	single := types.Hash(sha256.Sum256(data))
	double := Hash256(data)
	if single == double {
		t.Error("Hash256 should not equal a single SHA-256")
	}
}

func TestHashConcat(t *testing.T) {
	a := Hash256([]byte("left"))
	b := Hash256([]byte("right"))
	result := HashConcat(a, b)

	// Should not be zero
	if result == (types.Hash{}) {
		t.Error("HashConcat returned zero hash")
	}

	// Order matters
	reversed := HashConcat(b, a)
	if result == reversed {
		t.Error("HashConcat(a,b) should differ from HashConcat(b,a)")
	}

	// Deterministic
	again := HashConcat(a, b)
	if result != again {
		t.Error("HashConcat is not deterministic")
	}
}

func TestHashConcat_EqualsManualConcat(t *testing.T) {
	a := Hash256([]byte("left"))
	b := Hash256([]byte("right"))

	// Manual concatenation and hash
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	want := Hash256(buf[:])

	got := HashConcat(a, b)
	if got != want {
		t.Errorf("HashConcat = %x, want %x", got, want)
	}
}
