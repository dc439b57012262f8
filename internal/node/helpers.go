package node

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klingnet-core/klingnet/internal/consensus"
	"github.com/klingnet-core/klingnet/pkg/crypto"
	"github.com/klingnet-core/klingnet/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadValidatorKey reads a hex-encoded 32-byte private key from a file.
func loadValidatorKey(path string) (*crypto.PrivateKey, error) {
	path = expandHome(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("key file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading key file: %s", path)
		}
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	hexStr := strings.TrimSpace(string(data))
	if len(hexStr) == 0 {
		return nil, fmt.Errorf("key file %s is empty", path)
	}

	keyBytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("key file %s contains invalid hex (expected 64-char hex-encoded private key): %w", path, err)
	}

	pk, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid key in %s (expected 32-byte secp256k1 private key): %w", path, err)
	}
	return pk, nil
}

// resolveCoinbase determines the coinbase address from an address string or,
// failing that, a private key to derive one from. PoW mining carries no
// validator identity, so key is almost always nil in practice — it is kept
// so a node wired with a spendable key on hand can mine to it directly
// without re-deriving the address by hand.
func resolveCoinbase(coinbaseStr string, key *crypto.PrivateKey) (types.Address, error) {
	if coinbaseStr != "" {
		addr, err := types.ParseAddress(coinbaseStr)
		if err != nil {
			return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
		}
		return addr, nil
	}

	if key != nil {
		return crypto.AddressFromPubKey(key.PublicKey()), nil
	}

	return types.Address{}, fmt.Errorf("--mine requires --coinbase address")
}

// createEngine builds the node's proof-of-work consensus engine around the
// caller-supplied hash oracle and seeds its genesis epoch handle from the
// genesis block hash, so epoch 0 (heights [0, EpochLength)) is immediately
// usable for validation and sealing.
func createEngine(oracle consensus.HashOracle, genesisHash types.Hash, threads int) (*consensus.PoW, error) {
	if oracle == nil {
		return nil, fmt.Errorf("hash oracle is nil")
	}
	pow := consensus.NewPoW(oracle)
	pow.Threads = threads
	if err := pow.Reseed(0, genesisHash[:]); err != nil {
		return nil, fmt.Errorf("seed genesis epoch: %w", err)
	}
	return pow, nil
}

// formatDifficulty returns a human-readable difficulty string (e.g. "1.05M").
func formatDifficulty(d uint64) string {
	switch {
	case d >= 1_000_000_000_000:
		return fmt.Sprintf("%.2fT", float64(d)/1_000_000_000_000)
	case d >= 1_000_000_000:
		return fmt.Sprintf("%.2fG", float64(d)/1_000_000_000)
	case d >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(d)/1_000_000)
	case d >= 1_000:
		return fmt.Sprintf("%.2fK", float64(d)/1_000)
	default:
		return fmt.Sprintf("%d", d)
	}
}
